package core

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
)

var ErrDuplicateID = errors.New("duplicate id")

type TransportRecord struct {
	ID       string
	PeerID   domain.PeerID
	RoomID   domain.RoomName
	Consumer bool
	Handle   engine.Transport
}

type ProducerRecord struct {
	ID          string
	PeerID      domain.PeerID
	RoomID      domain.RoomName
	TransportID string
	Kind        engine.MediaKind
	Handle      engine.Producer
	// Subscribers holds the ids of consumers fed by this producer at the
	// time the record was read.
	Subscribers []string
}

type ConsumerRecord struct {
	ID                  string
	PeerID              domain.PeerID
	RoomID              domain.RoomName
	TransportID         string
	ProducerID          string
	ProducerTransportID string
	Handle              engine.Consumer
}

type slot[R any] struct {
	rec R
	seq uint64
}

// table is an id-keyed map that remembers insertion order.
type table[R any] struct {
	mu    sync.RWMutex
	items map[string]slot[R]
	seq   uint64
}

func (t *table[R]) add(id string, rec R) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		t.items = make(map[string]slot[R])
	}
	if _, ok := t.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.seq++
	t.items[id] = slot[R]{rec: rec, seq: t.seq}
	return nil
}

func (t *table[R]) get(id string) (R, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.items[id]
	return s.rec, ok
}

func (t *table[R]) remove(id string) (R, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return s.rec, ok
}

func (t *table[R]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *table[R]) filter(keep func(R) bool) []R {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ordered(t.items, keep)
}

// take removes and returns every record matching keep.
func (t *table[R]) take(keep func(R) bool) []R {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := ordered(t.items, keep)
	for id, s := range t.items {
		if keep(s.rec) {
			delete(t.items, id)
		}
	}
	return out
}

func ordered[R any](items map[string]slot[R], keep func(R) bool) []R {
	slots := make([]slot[R], 0, len(items))
	for _, s := range items {
		if keep(s.rec) {
			slots = append(slots, s)
		}
	}
	slices.SortFunc(slots, func(a, b slot[R]) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]R, len(slots))
	for i, s := range slots {
		out[i] = s.rec
	}
	return out
}

type TransportRegistry struct{ t table[TransportRecord] }

func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{}
}

func (r *TransportRegistry) Add(rec TransportRecord) error { return r.t.add(rec.ID, rec) }

func (r *TransportRegistry) Get(id string) (TransportRecord, bool) { return r.t.get(id) }

func (r *TransportRegistry) Remove(id string) (TransportRecord, bool) { return r.t.remove(id) }

func (r *TransportRegistry) Len() int { return r.t.len() }

// ByPeer returns the peer's transport for the given direction.
func (r *TransportRegistry) ByPeer(peer domain.PeerID, consumer bool) (TransportRecord, bool) {
	recs := r.t.filter(func(rec TransportRecord) bool {
		return rec.PeerID == peer && rec.Consumer == consumer
	})
	if len(recs) == 0 {
		return TransportRecord{}, false
	}
	return recs[0], true
}

// ConsumingInRoom lists the consuming transports of a room.
func (r *TransportRegistry) ConsumingInRoom(room domain.RoomName) []TransportRecord {
	return r.t.filter(func(rec TransportRecord) bool {
		return rec.RoomID == room && rec.Consumer
	})
}

func (r *TransportRegistry) TakeByPeer(peer domain.PeerID) []TransportRecord {
	return r.t.take(func(rec TransportRecord) bool { return rec.PeerID == peer })
}

type ProducerRegistry struct {
	t table[ProducerRecord]

	subMu sync.Mutex
	subs  map[string][]string
}

func NewProducerRegistry() *ProducerRegistry {
	return &ProducerRegistry{subs: make(map[string][]string)}
}

func (r *ProducerRegistry) Add(rec ProducerRecord) error {
	rec.Subscribers = nil
	return r.t.add(rec.ID, rec)
}

func (r *ProducerRegistry) Get(id string) (ProducerRecord, bool) {
	rec, ok := r.t.get(id)
	if ok {
		rec.Subscribers = r.subscribers(id)
	}
	return rec, ok
}

// Remove deletes the producer and returns it with its final subscriber set.
func (r *ProducerRegistry) Remove(id string) (ProducerRecord, bool) {
	rec, ok := r.t.remove(id)
	if !ok {
		return rec, false
	}
	rec.Subscribers = r.dropSubscribers(id)
	return rec, true
}

func (r *ProducerRegistry) TakeByPeer(peer domain.PeerID) []ProducerRecord {
	return r.takeWith(func(rec ProducerRecord) bool { return rec.PeerID == peer })
}

func (r *ProducerRegistry) TakeByTransport(transportID string) []ProducerRecord {
	return r.takeWith(func(rec ProducerRecord) bool { return rec.TransportID == transportID })
}

func (r *ProducerRegistry) takeWith(keep func(ProducerRecord) bool) []ProducerRecord {
	recs := r.t.take(keep)
	for i := range recs {
		recs[i].Subscribers = r.dropSubscribers(recs[i].ID)
	}
	return recs
}

// InRoom returns the room's producers in creation order, skipping those
// owned by except.
func (r *ProducerRegistry) InRoom(room domain.RoomName, except domain.PeerID) []ProducerRecord {
	return r.t.filter(func(rec ProducerRecord) bool {
		return rec.RoomID == room && rec.PeerID != except
	})
}

func (r *ProducerRegistry) Len() int { return r.t.len() }

// Subscribe attaches a consumer to a producer. It reports false when the
// producer is already gone.
func (r *ProducerRegistry) Subscribe(producerID, consumerID string) bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if _, ok := r.t.get(producerID); !ok {
		return false
	}
	if !slices.Contains(r.subs[producerID], consumerID) {
		r.subs[producerID] = append(r.subs[producerID], consumerID)
	}
	return true
}

func (r *ProducerRegistry) Unsubscribe(producerID, consumerID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	subs, ok := r.subs[producerID]
	if !ok {
		return
	}
	subs = slices.DeleteFunc(subs, func(id string) bool { return id == consumerID })
	if len(subs) == 0 {
		delete(r.subs, producerID)
		return
	}
	r.subs[producerID] = subs
}

func (r *ProducerRegistry) subscribers(producerID string) []string {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return slices.Clone(r.subs[producerID])
}

func (r *ProducerRegistry) dropSubscribers(producerID string) []string {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	subs := r.subs[producerID]
	delete(r.subs, producerID)
	return subs
}

type ConsumerRegistry struct{ t table[ConsumerRecord] }

func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{}
}

func (r *ConsumerRegistry) Add(rec ConsumerRecord) error { return r.t.add(rec.ID, rec) }

func (r *ConsumerRegistry) Get(id string) (ConsumerRecord, bool) { return r.t.get(id) }

func (r *ConsumerRegistry) Remove(id string) (ConsumerRecord, bool) { return r.t.remove(id) }

func (r *ConsumerRegistry) Len() int { return r.t.len() }

func (r *ConsumerRegistry) TakeByPeer(peer domain.PeerID) []ConsumerRecord {
	return r.t.take(func(rec ConsumerRecord) bool { return rec.PeerID == peer })
}

func (r *ConsumerRegistry) TakeByTransport(transportID string) []ConsumerRecord {
	return r.t.take(func(rec ConsumerRecord) bool { return rec.TransportID == transportID })
}

// Resources groups the three registries.
type Resources struct {
	Transports *TransportRegistry
	Producers  *ProducerRegistry
	Consumers  *ConsumerRegistry
}

func NewResources() *Resources {
	return &Resources{
		Transports: NewTransportRegistry(),
		Producers:  NewProducerRegistry(),
		Consumers:  NewConsumerRegistry(),
	}
}
