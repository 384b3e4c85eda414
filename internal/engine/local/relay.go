package local

import (
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// relay fans one producer's packets out to its consumers' out tracks.
type relay struct {
	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	logger    zerolog.Logger
}

func newRelay(logger zerolog.Logger) *relay {
	return &relay{
		outTracks: make(map[string]*OutTrack),
		logger:    logger,
	}
}

func (r *relay) forward(pkt *rtp.Packet) int {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	sent := 0
	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateMuted:
		case TrackStateOk:
			if !ot.write(pkt) {
				r.logger.Debug().Str("consumer", consumerID).Msg("out track full, packet dropped")
				continue
			}
			sent++
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
	return sent
}

func (r *relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *relay) addOutTrack(consumerID string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outTracks[consumerID]; ok {
		ot.MarkDelete()
		delete(r.outTracks, consumerID)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}
