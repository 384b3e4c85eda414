package orch

import (
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
)

// TransportConfig holds the options every WebRTC transport is created with.
type TransportConfig struct {
	ListenIPs              []engine.ListenIP
	EnableUDP              bool
	EnableTCP              bool
	PreferUDP              bool
	InitialOutgoingBitrate int
}

func (c TransportConfig) options() engine.TransportOptions {
	return engine.TransportOptions{
		ListenIPs:                       c.ListenIPs,
		EnableUDP:                       c.EnableUDP,
		EnableTCP:                       c.EnableTCP,
		PreferUDP:                       c.PreferUDP,
		InitialAvailableOutgoingBitrate: c.InitialOutgoingBitrate,
	}
}

// Orchestrator drives the negotiation protocol for every connected peer.
// Handlers for different peers run concurrently; all shared state lives
// in the core registries.
type Orchestrator struct {
	Sessions  *core.SessionStore
	Rooms     *core.RoomManager
	Resources *core.Resources
	Policy    app.Policy
	Transport TransportConfig
}

func New(rooms *core.RoomManager, policy app.Policy, transport TransportConfig) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Orchestrator{
		Sessions:  core.NewSessionStore(),
		Rooms:     rooms,
		Resources: core.NewResources(),
		Policy:    policy,
		Transport: transport,
	}
}

// Connect registers a new peer session bound to its signal connection.
func (o *Orchestrator) Connect(peer domain.PeerID, display domain.Display, sig core.SignalConnection) *core.PeerSession {
	return o.Sessions.Open(peer, display, sig)
}

func (o *Orchestrator) session(peer domain.PeerID) (*core.PeerSession, error) {
	sess, ok := o.Sessions.Get(peer)
	if !ok {
		return nil, app.ErrSessionClosed
	}
	return sess, nil
}

func (o *Orchestrator) joined(peer domain.PeerID) (*core.PeerSession, *core.Room, error) {
	sess, err := o.session(peer)
	if err != nil {
		return nil, nil, err
	}
	name, ok := sess.Room()
	if !ok {
		return nil, nil, app.ErrNotJoined
	}
	room, ok := o.Rooms.Get(name)
	if !ok {
		return nil, nil, app.ErrNotJoined
	}
	return sess, room, nil
}

// notify sends a server event to peer and applies the backpressure policy
// when its queue is full.
func (o *Orchestrator) notify(peer domain.PeerID, event string, payload any) {
	sess, ok := o.Sessions.Get(peer)
	if !ok {
		return
	}
	frame, err := app.EncodeEvent(event, payload)
	if err != nil {
		log.Error().Str("module", "orch").Str("event", event).Err(err).Msg("encode event")
		return
	}
	err = sess.Send(frame)
	if err == nil {
		return
	}
	action := o.Policy.OnBackPressure(sess.RoomName(), sess)
	log.Warn().Str("module", "orch").Str("sid", string(peer)).Str("event", event).Str("action", action.String()).Err(err).Msg("event not delivered")
	switch action {
	case app.KickMember:
		go o.Disconnect(peer)
	case app.MarkSlow, app.DropEvent, app.NoAction:
	}
}

// informNewProducer tells every other peer of the room that holds a
// consuming transport about a new producer, once per peer.
func (o *Orchestrator) informNewProducer(room domain.RoomName, origin domain.PeerID, producerID string) {
	seen := make(map[domain.PeerID]struct{})
	for _, rec := range o.Resources.Transports.ConsumingInRoom(room) {
		if rec.PeerID == origin {
			continue
		}
		if _, dup := seen[rec.PeerID]; dup {
			continue
		}
		seen[rec.PeerID] = struct{}{}
		o.notify(rec.PeerID, app.EventNewProducer, app.NewProducer{ProducerID: producerID})
	}
}
