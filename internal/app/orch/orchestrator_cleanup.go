package orch

import (
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const closeWorkers = 8

// Disconnect tears down everything the peer owns. The session is closed
// first so that requests still in flight cannot register new resources.
func (o *Orchestrator) Disconnect(peer domain.PeerID) {
	sess, ok := o.Sessions.Close(peer)
	if !ok {
		log.Debug().Str("module", "orch").Str("sid", string(peer)).Msg("disconnect: no session")
	}

	o.releaseResources(peer)

	if !ok {
		return
	}
	if room := sess.RoomName(); room != "" {
		o.leave(room, peer)
	}
	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("room", string(sess.RoomName())).Msg("peer disconnected")
}

// releaseResources closes the peer's consumers, then producers, then
// transports. Within a phase handles are closed concurrently.
func (o *Orchestrator) releaseResources(peer domain.PeerID) {
	consumers := o.Resources.Consumers.TakeByPeer(peer)
	closeAll(consumers, o.closeConsumer)

	producers := o.Resources.Producers.TakeByPeer(peer)
	closeAll(producers, o.closeProducer)

	transports := o.Resources.Transports.TakeByPeer(peer)
	closeAll(transports, o.closeTransport)

	if n := len(consumers) + len(producers) + len(transports); n > 0 {
		log.Info().Str("module", "orch").Str("sid", string(peer)).Int("consumers", len(consumers)).Int("producers", len(producers)).Int("transports", len(transports)).Msg("resources released")
	}
}

func closeAll[R any](recs []R, closeFn func(R)) {
	if len(recs) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(closeWorkers)
	for _, rec := range recs {
		p.Go(func() { closeFn(rec) })
	}
	p.Wait()
}

// closeConsumer closes a consumer already taken out of the registry.
func (o *Orchestrator) closeConsumer(rec core.ConsumerRecord) {
	o.Resources.Producers.Unsubscribe(rec.ProducerID, rec.ID)
	rec.Handle.Close()
	if sess, ok := o.Sessions.Get(rec.PeerID); ok {
		sess.RemoveConsumer(rec.ID)
	}
}

// closeProducer closes a producer already taken out of the registry and
// every consumer fed by it, telling their owners.
func (o *Orchestrator) closeProducer(rec core.ProducerRecord) {
	rec.Handle.Close()
	for _, id := range rec.Subscribers {
		crec, ok := o.Resources.Consumers.Remove(id)
		if !ok {
			continue
		}
		crec.Handle.Close()
		if sess, ok := o.Sessions.Get(crec.PeerID); ok {
			sess.RemoveConsumer(crec.ID)
		}
		o.notify(crec.PeerID, app.EventProducerClosed, app.ProducerClosed{
			RemoteProducerID:        rec.ID,
			ProducerSendTransportID: rec.TransportID,
		})
	}
	if sess, ok := o.Sessions.Get(rec.PeerID); ok {
		sess.RemoveProducer(rec.ID)
	}
	log.Debug().Str("module", "orch").Str("sid", string(rec.PeerID)).Str("producer", rec.ID).Int("subscribers", len(rec.Subscribers)).Msg("producer closed")
}

func (o *Orchestrator) closeTransport(rec core.TransportRecord) {
	rec.Handle.Close()
	if sess, ok := o.Sessions.Get(rec.PeerID); ok {
		sess.RemoveTransport(rec.ID)
	}
}

// onTransportClosed runs when the engine reports a transport closed, for
// whatever reason. Producers and consumers still registered on it are
// closed and pruned.
func (o *Orchestrator) onTransportClosed(id string) {
	if rec, ok := o.Resources.Transports.Remove(id); ok {
		if sess, ok := o.Sessions.Get(rec.PeerID); ok {
			sess.RemoveTransport(id)
		}
		log.Info().Str("module", "orch").Str("sid", string(rec.PeerID)).Str("transport", id).Msg("transport closed")
	}
	for _, rec := range o.Resources.Consumers.TakeByTransport(id) {
		o.closeConsumer(rec)
	}
	for _, rec := range o.Resources.Producers.TakeByTransport(id) {
		o.closeProducer(rec)
	}
}
