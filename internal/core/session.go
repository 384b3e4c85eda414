package core

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrSessionClosed = errors.New("session closed")

type SessionState int32

const (
	StateConnected SessionState = iota
	StateJoined
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// PeerSession is the per-connection state of one peer. The id lists are
// weak references into the resource registries.
type PeerSession struct {
	id     domain.PeerID
	signal SignalConnection
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	display    domain.Display
	room       domain.RoomName
	state      SessionState
	transports []string
	producers  []string
	consumers  []string
}

func (s *PeerSession) ID() domain.PeerID { return s.id }

// Context is cancelled when the session is closed.
func (s *PeerSession) Context() context.Context { return s.ctx }

func (s *PeerSession) Signal() SignalConnection { return s.signal }

// Send enqueues a frame on the peer's signal connection without blocking.
func (s *PeerSession) Send(f Frame) error {
	if s.signal == nil {
		return ErrSessionClosed
	}
	return s.signal.TrySend(f)
}

func (s *PeerSession) Display() domain.Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room reports the joined room, if any.
func (s *PeerSession) Room() (domain.RoomName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.state == StateJoined
}

// RoomName returns the last room set on the session, also after it was
// closed.
func (s *PeerSession) RoomName() domain.RoomName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *PeerSession) SetRoom(name domain.RoomName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	s.room = name
	s.state = StateJoined
	return nil
}

// LeaveRoom drops the room association and returns the previous room.
func (s *PeerSession) LeaveRoom() (domain.RoomName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, joined := s.room, s.state == StateJoined
	s.room = ""
	if s.state == StateJoined {
		s.state = StateConnected
	}
	return prev, joined
}

func (s *PeerSession) AddTransport(id string) error { return s.add(&s.transports, id) }
func (s *PeerSession) AddProducer(id string) error  { return s.add(&s.producers, id) }
func (s *PeerSession) AddConsumer(id string) error  { return s.add(&s.consumers, id) }

func (s *PeerSession) RemoveTransport(id string) { s.remove(&s.transports, id) }
func (s *PeerSession) RemoveProducer(id string)  { s.remove(&s.producers, id) }
func (s *PeerSession) RemoveConsumer(id string)  { s.remove(&s.consumers, id) }

func (s *PeerSession) Transports() []string { return s.snapshot(s.transports) }
func (s *PeerSession) Producers() []string  { return s.snapshot(s.producers) }
func (s *PeerSession) Consumers() []string  { return s.snapshot(s.consumers) }

func (s *PeerSession) add(list *[]string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	if !slices.Contains(*list, id) {
		*list = append(*list, id)
	}
	return nil
}

func (s *PeerSession) remove(list *[]string, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = slices.DeleteFunc(*list, func(v string) bool { return v == id })
}

func (s *PeerSession) snapshot(list []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(list)
}

func (s *PeerSession) close() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.cancel()
}

type SessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*PeerSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[domain.PeerID]*PeerSession)}
}

// Open registers a fresh session in state Connected. An existing session
// with the same id is closed and replaced.
func (st *SessionStore) Open(id domain.PeerID, display domain.Display, signal SignalConnection) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PeerSession{
		id:      id,
		signal:  signal,
		ctx:     ctx,
		cancel:  cancel,
		display: display,
		state:   StateConnected,
	}
	st.mu.Lock()
	prev := st.sessions[id]
	st.sessions[id] = s
	st.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	log.Info().Str("module", "core.sessions").Str("sid", string(id)).Str("name", display.Name).Msg("session opened")
	return s
}

func (st *SessionStore) Get(id domain.PeerID) (*PeerSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Close marks the session disconnected, cancels its context and forgets it.
func (st *SessionStore) Close(id domain.PeerID) (*PeerSession, bool) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.close()
	log.Info().Str("module", "core.sessions").Str("sid", string(id)).Msg("session closed")
	return s, true
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// All returns every open session.
func (st *SessionStore) All() []*PeerSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*PeerSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
