package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var ErrRoomNotFound = errors.New("room not found")

type RoomManagerConfig struct {
	Worker engine.Worker
	Codecs []engine.RTPCodecCapability
	// CloseEmpty tears a room and its router down when its last member
	// leaves. Otherwise empty rooms are kept for later joiners.
	CloseEmpty bool
}

type RoomManager struct {
	worker     engine.Worker
	codecs     []engine.RTPCodecCapability
	closeEmpty bool

	creating singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.RoomName]*Room
}

func NewRoomManager(cfg RoomManagerConfig) *RoomManager {
	codecs := cfg.Codecs
	if len(codecs) == 0 {
		codecs = engine.DefaultCodecs()
	}
	return &RoomManager{
		worker:     cfg.Worker,
		codecs:     codecs,
		closeEmpty: cfg.CloseEmpty,
		rooms:      make(map[domain.RoomName]*Room),
	}
}

// EnsureRoom returns the named room with peer added to its members, creating
// the room and its router on first use. Concurrent first joins share a
// single router.
func (rm *RoomManager) EnsureRoom(ctx context.Context, name domain.RoomName, peer domain.PeerID) (*Room, error) {
	for {
		room, err := rm.getOrCreate(ctx, name)
		if err != nil {
			return nil, err
		}
		if room.addMember(peer) {
			log.Info().Str("module", "core.rooms").Str("room", string(name)).Str("sid", string(peer)).Int("members", room.MemberCount()).Msg("member added")
			return room, nil
		}
		// torn down between lookup and join
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (rm *RoomManager) getOrCreate(ctx context.Context, name domain.RoomName) (*Room, error) {
	if room, ok := rm.Get(name); ok {
		return room, nil
	}
	v, err, _ := rm.creating.Do(string(name), func() (any, error) {
		if room, ok := rm.Get(name); ok {
			return room, nil
		}
		router, err := rm.worker.CreateRouter(ctx, rm.codecs)
		if err != nil {
			return nil, fmt.Errorf("create router for room %s: %w", name, err)
		}
		room := NewRoom(name, router)
		rm.mu.Lock()
		rm.rooms[name] = room
		rm.mu.Unlock()
		log.Info().Str("module", "core.rooms").Str("room", string(name)).Str("router", router.ID()).Msg("room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Leave removes peer from the room. With CloseEmpty the room's router is
// closed once nobody is left.
func (rm *RoomManager) Leave(name domain.RoomName, peer domain.PeerID) error {
	room, ok := rm.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	if room.removeMember(peer) {
		log.Info().Str("module", "core.rooms").Str("room", string(name)).Str("sid", string(peer)).Msg("member removed")
	}
	if !rm.closeEmpty {
		return nil
	}

	rm.mu.Lock()
	if cur, ok := rm.rooms[name]; !ok || cur != room || !room.closeIfEmpty() {
		rm.mu.Unlock()
		return nil
	}
	delete(rm.rooms, name)
	rm.mu.Unlock()

	room.router.Close()
	log.Info().Str("module", "core.rooms").Str("room", string(name)).Msg("empty room closed")
	return nil
}

func (rm *RoomManager) Get(name domain.RoomName) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[name]
	return room, ok
}

func (rm *RoomManager) List() []domain.RoomInfo {
	rm.mu.RLock()
	out := make([]domain.RoomInfo, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, r.Info())
	}
	rm.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.Name), string(b.Name)) })
	return out
}

// Close closes every router and forgets all rooms.
func (rm *RoomManager) Close() {
	rm.mu.Lock()
	rooms := rm.rooms
	rm.rooms = make(map[domain.RoomName]*Room)
	rm.mu.Unlock()
	for _, r := range rooms {
		r.router.Close()
	}
}

func (rm *RoomManager) Members(name domain.RoomName) ([]domain.PeerID, error) {
	room, ok := rm.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return room.Members(), nil
}
