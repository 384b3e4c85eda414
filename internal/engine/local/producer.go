package local

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var ssrcGen = randutil.NewMathRandomGenerator()

func randomSSRC() uint32 {
	for {
		if v := ssrcGen.Uint32(); v != 0 {
			return v
		}
	}
}

type Producer struct {
	id        string
	kind      engine.MediaKind
	params    engine.RTPParameters
	transport *Transport
	relay     *relay

	paused atomic.Bool

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool
}

func newProducer(t *Transport, opts engine.ProducerOptions) *Producer {
	id := newID()
	p := &Producer{
		id:        id,
		kind:      opts.Kind,
		params:    opts.RTPParameters,
		transport: t,
		relay:     newRelay(log.With().Str("module", "engine.local.relay").Str("producer", id).Logger()),
		consumers: make(map[string]*Consumer),
	}
	p.paused.Store(opts.Paused)
	return p
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() engine.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() engine.RTPParameters { return p.params }
func (p *Producer) Paused() bool                        { return p.paused.Load() }

func (p *Producer) cname() string {
	if p.params.RTCP != nil && p.params.RTCP.CNAME != "" {
		return p.params.RTCP.CNAME
	}
	return p.id[:8]
}

func (p *Producer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Closed() {
		return engine.ErrClosed
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Closed() {
		return engine.ErrClosed
	}
	p.paused.Store(false)
	return nil
}

// WriteRTP relays pkt to every consumer that is not paused. Packets
// written while the producer is paused are dropped.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	if p.Closed() {
		return engine.ErrClosed
	}
	if p.paused.Load() {
		return nil
	}
	p.relay.forward(pkt)
	return nil
}

func (p *Producer) attach(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.consumers[c.id] = c
	p.relay.addOutTrack(c.id, c.out)
	return nil
}

func (p *Producer) detach(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, consumerID)
	p.relay.removeOutTrack(consumerID)
}

// Close closes the producer and every consumer subscribed to it.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.relay.markAllDelete()
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	log.Debug().Str("module", "engine.local").Str("producer", p.id).Msg("producer closed")
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
