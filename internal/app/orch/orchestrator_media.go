package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
)

// CreateTransport opens a WebRTC transport for the peer in its room. A peer
// holds at most one producing and one consuming transport.
func (o *Orchestrator) CreateTransport(ctx context.Context, peer domain.PeerID, consumer bool) (app.TransportParams, error) {
	sess, room, err := o.joined(peer)
	if err != nil {
		return app.TransportParams{}, err
	}
	if _, exists := o.Resources.Transports.ByPeer(peer, consumer); exists {
		return app.TransportParams{}, app.ErrTransportExists
	}

	t, err := room.Router().CreateWebRtcTransport(ctx, o.Transport.options())
	if err != nil {
		return app.TransportParams{}, app.EngineError(err)
	}
	rec := core.TransportRecord{
		ID:       t.ID(),
		PeerID:   peer,
		RoomID:   room.Name(),
		Consumer: consumer,
		Handle:   t,
	}
	if err := o.Resources.Transports.Add(rec); err != nil {
		t.Close()
		return app.TransportParams{}, app.EngineError(err)
	}
	if err := sess.AddTransport(rec.ID); err != nil {
		o.Resources.Transports.Remove(rec.ID)
		t.Close()
		return app.TransportParams{}, err
	}

	t.OnDTLSStateChange(func(state engine.DTLSState) {
		if state == engine.DTLSStateClosed {
			t.Close()
		}
	})
	t.OnClose(func() { o.onTransportClosed(rec.ID) })

	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("room", string(room.Name())).Str("transport", rec.ID).Bool("consumer", consumer).Msg("transport created")
	return app.TransportParams{
		ID:             t.ID(),
		ICEParameters:  t.ICEParameters(),
		ICECandidates:  t.ICECandidates(),
		DTLSParameters: t.DTLSParameters(),
	}, nil
}

// ListProducers returns the ids of the producers in the peer's room owned
// by other peers, oldest first.
func (o *Orchestrator) ListProducers(peer domain.PeerID) ([]string, error) {
	_, room, err := o.joined(peer)
	if err != nil {
		return nil, err
	}
	recs := o.Resources.Producers.InRoom(room.Name(), peer)
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// ConnectTransport completes DTLS on the peer's producing transport.
func (o *Orchestrator) ConnectTransport(ctx context.Context, peer domain.PeerID, dtls engine.DTLSParameters) error {
	if _, err := o.session(peer); err != nil {
		return err
	}
	rec, ok := o.Resources.Transports.ByPeer(peer, false)
	if !ok {
		return fmt.Errorf("%w: producing transport", app.ErrResourceNotFound)
	}
	if err := rec.Handle.Connect(ctx, dtls); err != nil {
		return app.EngineError(err)
	}
	return nil
}

// ConnectRecvTransport completes DTLS on one of the peer's consuming transports.
func (o *Orchestrator) ConnectRecvTransport(ctx context.Context, peer domain.PeerID, transportID string, dtls engine.DTLSParameters) error {
	if _, err := o.session(peer); err != nil {
		return err
	}
	rec, err := o.consumingTransport(peer, transportID)
	if err != nil {
		return err
	}
	if err := rec.Handle.Connect(ctx, dtls); err != nil {
		return app.EngineError(err)
	}
	return nil
}

func (o *Orchestrator) consumingTransport(peer domain.PeerID, id string) (core.TransportRecord, error) {
	rec, ok := o.Resources.Transports.Get(id)
	if !ok || rec.PeerID != peer || !rec.Consumer {
		return core.TransportRecord{}, fmt.Errorf("%w: transport %s", app.ErrResourceNotFound, id)
	}
	return rec, nil
}

// Produce publishes a stream on the peer's producing transport and tells
// the room about it.
func (o *Orchestrator) Produce(ctx context.Context, peer domain.PeerID, kind engine.MediaKind, params engine.RTPParameters, appData map[string]any) (app.ProduceResult, error) {
	sess, _, err := o.joined(peer)
	if err != nil {
		return app.ProduceResult{}, err
	}
	if !kind.Valid() {
		return app.ProduceResult{}, fmt.Errorf("%w: kind %q", app.ErrBadRequest, kind)
	}
	trec, ok := o.Resources.Transports.ByPeer(peer, false)
	if !ok {
		return app.ProduceResult{}, fmt.Errorf("%w: producing transport", app.ErrResourceNotFound)
	}

	existed := o.Resources.Producers.Len() > 0
	p, err := trec.Handle.Produce(ctx, engine.ProducerOptions{
		Kind:          kind,
		RTPParameters: params,
		AppData:       appData,
	})
	if err != nil {
		return app.ProduceResult{}, app.EngineError(err)
	}
	rec := core.ProducerRecord{
		ID:          p.ID(),
		PeerID:      peer,
		RoomID:      trec.RoomID,
		TransportID: trec.ID,
		Kind:        kind,
		Handle:      p,
	}
	if err := o.Resources.Producers.Add(rec); err != nil {
		p.Close()
		return app.ProduceResult{}, app.EngineError(err)
	}
	if _, ok := o.Resources.Transports.Get(trec.ID); !ok {
		o.discardProducer(rec.ID)
		return app.ProduceResult{}, fmt.Errorf("%w: transport %s closed", app.ErrResourceNotFound, trec.ID)
	}
	if err := o.commitProducer(sess, rec.ID); err != nil {
		return app.ProduceResult{}, err
	}

	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("room", string(rec.RoomID)).Str("producer", rec.ID).Str("kind", string(kind)).Msg("producer created")
	o.informNewProducer(rec.RoomID, peer, rec.ID)
	return app.ProduceResult{ID: rec.ID, ProducersExist: existed}, nil
}

// commitProducer lists a registered producer on its owner's session. A
// concurrent close removes the record before the session entry, so a
// record missing after the add means the closer has already run.
func (o *Orchestrator) commitProducer(sess *core.PeerSession, id string) error {
	if err := sess.AddProducer(id); err != nil {
		o.discardProducer(id)
		return err
	}
	if _, ok := o.Resources.Producers.Get(id); !ok {
		sess.RemoveProducer(id)
		return fmt.Errorf("%w: producer %s closed", app.ErrResourceNotFound, id)
	}
	return nil
}

func (o *Orchestrator) discardProducer(id string) {
	if rec, ok := o.Resources.Producers.Remove(id); ok {
		o.closeProducer(rec)
	}
}

// Consume subscribes the peer to a remote producer. The consumer starts
// paused until the client resumes it.
func (o *Orchestrator) Consume(ctx context.Context, peer domain.PeerID, transportID, producerID string, caps engine.RTPCapabilities) (app.ConsumeParams, error) {
	sess, room, err := o.joined(peer)
	if err != nil {
		return app.ConsumeParams{}, err
	}
	trec, err := o.consumingTransport(peer, transportID)
	if err != nil {
		return app.ConsumeParams{}, err
	}
	prec, ok := o.Resources.Producers.Get(producerID)
	if !ok || prec.RoomID != trec.RoomID {
		return app.ConsumeParams{}, fmt.Errorf("%w: producer %s", app.ErrResourceNotFound, producerID)
	}
	if !room.Router().CanConsume(producerID, caps) {
		return app.ConsumeParams{}, app.ErrCapabilityMismatch
	}

	c, err := trec.Handle.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producerID,
		RTPCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		return app.ConsumeParams{}, app.EngineError(err)
	}
	rec := core.ConsumerRecord{
		ID:                  c.ID(),
		PeerID:              peer,
		RoomID:              trec.RoomID,
		TransportID:         trec.ID,
		ProducerID:          producerID,
		ProducerTransportID: prec.TransportID,
		Handle:              c,
	}
	if err := o.Resources.Consumers.Add(rec); err != nil {
		c.Close()
		return app.ConsumeParams{}, app.EngineError(err)
	}
	if !o.Resources.Producers.Subscribe(producerID, rec.ID) {
		o.discardConsumer(rec.ID)
		return app.ConsumeParams{}, fmt.Errorf("%w: producer %s closed", app.ErrResourceNotFound, producerID)
	}
	if _, ok := o.Resources.Transports.Get(trec.ID); !ok {
		o.discardConsumer(rec.ID)
		return app.ConsumeParams{}, fmt.Errorf("%w: transport %s closed", app.ErrResourceNotFound, trec.ID)
	}
	if err := o.commitConsumer(sess, rec.ID); err != nil {
		return app.ConsumeParams{}, err
	}

	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("consumer", rec.ID).Str("producer", producerID).Msg("consumer created")
	return app.ConsumeParams{
		ID:                      rec.ID,
		ProducerID:              producerID,
		ProducerSendTransportID: prec.TransportID,
		Kind:                    c.Kind(),
		RTPParameters:           c.RTPParameters(),
		ServerConsumerID:        rec.ID,
	}, nil
}

// commitConsumer is commitProducer for consumers.
func (o *Orchestrator) commitConsumer(sess *core.PeerSession, id string) error {
	if err := sess.AddConsumer(id); err != nil {
		o.discardConsumer(id)
		return err
	}
	if _, ok := o.Resources.Consumers.Get(id); !ok {
		sess.RemoveConsumer(id)
		return fmt.Errorf("%w: consumer %s closed", app.ErrResourceNotFound, id)
	}
	return nil
}

func (o *Orchestrator) discardConsumer(id string) {
	if rec, ok := o.Resources.Consumers.Remove(id); ok {
		o.closeConsumer(rec)
	}
}

// ResumeConsumer starts media flow on one of the peer's consumers.
// Resuming a running consumer is a no-op.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, peer domain.PeerID, consumerID string) error {
	if _, err := o.session(peer); err != nil {
		return err
	}
	rec, ok := o.Resources.Consumers.Get(consumerID)
	if !ok || rec.PeerID != peer {
		return fmt.Errorf("%w: consumer %s", app.ErrResourceNotFound, consumerID)
	}
	if err := rec.Handle.Resume(ctx); err != nil {
		return app.EngineError(err)
	}
	return nil
}

func (o *Orchestrator) PauseProducer(ctx context.Context, peer domain.PeerID, producerID string) error {
	return o.setProducerPaused(ctx, peer, producerID, true)
}

func (o *Orchestrator) ResumeProducer(ctx context.Context, peer domain.PeerID, producerID string) error {
	return o.setProducerPaused(ctx, peer, producerID, false)
}

// setProducerPaused pauses or resumes the peer's producer and tells the
// owner of every subscribed consumer.
func (o *Orchestrator) setProducerPaused(ctx context.Context, peer domain.PeerID, producerID string, paused bool) error {
	if _, err := o.session(peer); err != nil {
		return err
	}
	rec, ok := o.Resources.Producers.Get(producerID)
	if !ok {
		log.Debug().Str("module", "orch").Str("sid", string(peer)).Str("producer", producerID).Bool("paused", paused).Msg("unknown producer, ignored")
		return nil
	}
	if rec.PeerID != peer {
		return fmt.Errorf("%w: producer %s", app.ErrResourceNotFound, producerID)
	}

	var err error
	event := app.EventConsumerResume
	if paused {
		event = app.EventConsumerPause
		err = rec.Handle.Pause(ctx)
	} else {
		err = rec.Handle.Resume(ctx)
	}
	if err != nil {
		return app.EngineError(err)
	}

	for _, id := range rec.Subscribers {
		crec, ok := o.Resources.Consumers.Get(id)
		if !ok {
			continue
		}
		o.notify(crec.PeerID, event, app.ConsumerState{
			ID:                      crec.ID,
			ProducerSendTransportID: crec.ProducerTransportID,
		})
	}
	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("producer", producerID).Bool("paused", paused).Int("subscribers", len(rec.Subscribers)).Msg("producer state changed")
	return nil
}
