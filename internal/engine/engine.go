package engine

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

var (
	ErrClosed           = errors.New("engine object closed")
	ErrNotFound         = errors.New("engine object not found")
	ErrUnsupportedCodec = errors.New("codec not supported by router")
	ErrPortsExhausted   = errors.New("no free rtc port")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrInvalidDTLS      = errors.New("invalid dtls parameters")
	ErrInvalidKind      = errors.New("invalid media kind")
)

// Worker is the media engine process. Its death invalidates every object
// it ever created.
type Worker interface {
	CreateRouter(ctx context.Context, codecs []RTPCodecCapability) (Router, error)
	// Died yields the fatal error once the worker is gone.
	Died() <-chan error
	Close()
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close()
	Closed() bool
}

type Transport interface {
	ID() string
	ICEParameters() ICEParameters
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters
	DTLSState() DTLSState
	Connect(ctx context.Context, remote DTLSParameters) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close()
	Closed() bool
	// OnClose registers fn to run once the transport is closed.
	OnClose(fn func())
	OnDTLSStateChange(fn func(DTLSState))
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Close()
	Closed() bool
	// WriteRTP feeds one packet of this producer's stream into the engine.
	WriteRTP(pkt *rtp.Packet) error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Close()
	Closed() bool
	// ReadRTP blocks until the next forwarded packet is available.
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}
