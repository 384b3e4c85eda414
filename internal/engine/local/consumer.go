package local

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    engine.RTPParameters
	out       *OutTrack

	closeOnce sync.Once
	done      chan struct{}
}

func newConsumer(t *Transport, p *Producer, params engine.RTPParameters, paused bool) *Consumer {
	c := &Consumer{
		id:        newID(),
		producer:  p,
		transport: t,
		params:    params,
		out:       NewOutTrack(params.Encodings[0].SSRC, params.Codecs[0].PayloadType),
		done:      make(chan struct{}),
	}
	if paused {
		c.out.MarkMuted()
	}
	return c
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() engine.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() engine.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.out.GetState() == TrackStateMuted }

func (c *Consumer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return engine.ErrClosed
	}
	c.out.MarkMuted()
	return nil
}

// Resume is idempotent on a consumer that is already running.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return engine.ErrClosed
	}
	c.out.MarkOk()
	return nil
}

func (c *Consumer) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-c.out.packets:
		return pkt, nil
	case <-c.done:
		return nil, engine.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.MarkDelete()
		c.producer.detach(c.id)
		c.transport.removeConsumer(c.id)
		log.Debug().Str("module", "engine.local").Str("consumer", c.id).Msg("consumer closed")
	})
}

func (c *Consumer) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
