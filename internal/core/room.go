package core

import (
	"slices"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
)

// Room binds a room name to its router and member set.
// It never closes the router itself; RoomManager does.
type Room struct {
	name   domain.RoomName
	router engine.Router

	mu      sync.RWMutex
	members map[domain.PeerID]struct{}
	closed  bool
}

func NewRoom(name domain.RoomName, router engine.Router) *Room {
	return &Room{
		name:    name,
		router:  router,
		members: make(map[domain.PeerID]struct{}),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }
func (r *Room) Router() engine.Router { return r.router }

// addMember reports false when the room has already been torn down.
func (r *Room) addMember(peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.members[peer] = struct{}{}
	return true
}

func (r *Room) removeMember(peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[peer]; !ok {
		return false
	}
	delete(r.members, peer)
	return true
}

// closeIfEmpty marks an empty room closed so no one can join it anymore.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.closed {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) Has(peer domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[peer]
	return ok
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns the member ids in a stable order.
func (r *Room) Members() []domain.PeerID {
	r.mu.RLock()
	out := make([]domain.PeerID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *Room) Info() domain.RoomInfo {
	return domain.RoomInfo{
		Name:        r.name,
		RouterID:    r.router.ID(),
		MemberCount: r.MemberCount(),
	}
}
