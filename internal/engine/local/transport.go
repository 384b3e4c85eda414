package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
)

type Transport struct {
	id         string
	router     *Router
	port       uint16
	ice        engine.ICEParameters
	candidates []engine.ICECandidate

	mu        sync.Mutex
	dtlsState engine.DTLSState
	remote    *engine.DTLSParameters
	producers map[string]*Producer
	consumers map[string]*Consumer
	mids      int
	closed    bool
	onClose   []func()
	onDTLS    []func(engine.DTLSState)
}

func newTransport(r *Router, port uint16, ice engine.ICEParameters, candidates []engine.ICECandidate) *Transport {
	return &Transport{
		id:         newID(),
		router:     r,
		port:       port,
		ice:        ice,
		candidates: candidates,
		dtlsState:  engine.DTLSStateNew,
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

func (t *Transport) ID() string                          { return t.id }
func (t *Transport) ICEParameters() engine.ICEParameters { return t.ice }

func (t *Transport) ICECandidates() []engine.ICECandidate {
	out := make([]engine.ICECandidate, len(t.candidates))
	copy(out, t.candidates)
	return out
}

func (t *Transport) DTLSParameters() engine.DTLSParameters {
	return engine.DTLSParameters{
		Role:         "auto",
		Fingerprints: t.router.worker.fingerprints,
	}
}

func (t *Transport) DTLSState() engine.DTLSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState
}

func (t *Transport) Connect(ctx context.Context, remote engine.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprint", engine.ErrInvalidDTLS)
	}
	switch remote.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("%w: role %q", engine.ErrInvalidDTLS, remote.Role)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engine.ErrClosed
	}
	if t.remote != nil {
		t.mu.Unlock()
		return engine.ErrAlreadyConnected
	}
	t.remote = &remote
	t.dtlsState = engine.DTLSStateConnected
	observers := append([]func(engine.DTLSState){}, t.onDTLS...)
	t.mu.Unlock()

	log.Debug().Str("module", "engine.local").Str("transport", t.id).Msg("dtls connected")
	for _, fn := range observers {
		fn(engine.DTLSStateConnected)
	}
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", engine.ErrInvalidKind, opts.Kind)
	}
	if len(opts.RTPParameters.Codecs) == 0 {
		return nil, fmt.Errorf("%w: no codecs in rtp parameters", engine.ErrUnsupportedCodec)
	}
	for _, c := range opts.RTPParameters.Codecs {
		if engine.KindOfMime(c.MimeType) != opts.Kind {
			return nil, fmt.Errorf("%w: %s is not %s", engine.ErrInvalidKind, c.MimeType, opts.Kind)
		}
		if _, ok := t.router.routerCodec(c); !ok {
			return nil, fmt.Errorf("%w: %s/%d", engine.ErrUnsupportedCodec, c.MimeType, c.ClockRate)
		}
	}

	p := newProducer(t, opts)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		p.Close()
		return nil, err
	}
	log.Debug().Str("module", "engine.local").Str("transport", t.id).Str("producer", p.id).Str("kind", string(p.kind)).Msg("producer created")
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("%w: producer %s", engine.ErrNotFound, opts.ProducerID)
	}
	codec, ok := matchCodec(p.params.Codecs, opts.RTPCapabilities)
	if !ok {
		return nil, fmt.Errorf("%w: cannot consume producer %s", engine.ErrUnsupportedCodec, p.id)
	}
	rc, _ := t.router.routerCodec(codec)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	mid := strconv.Itoa(t.mids)
	t.mids++
	t.mu.Unlock()

	params := engine.RTPParameters{
		MID: mid,
		Codecs: []engine.RTPCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RTCPFeedback: codec.RTCPFeedback,
		}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: randomSSRC()}},
		RTCP:      &engine.RTCPParameters{CNAME: p.cname(), ReducedSize: true},
	}
	c := newConsumer(t, p, params, opts.Paused)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := p.attach(c); err != nil {
		c.Close()
		return nil, err
	}
	log.Debug().Str("module", "engine.local").Str("transport", t.id).Str("consumer", c.id).Str("producer", p.id).Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *Transport) OnDTLSStateChange(fn func(engine.DTLSState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDTLS = append(t.onDTLS, fn)
}

// Close closes every producer and consumer created on the transport,
// then reports DTLS state "closed" and runs the close observers.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.dtlsState = engine.DTLSStateClosed
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	dtlsObservers := t.onDTLS
	closeObservers := t.onClose
	t.onDTLS, t.onClose = nil, nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.router.removeTransport(t.id)
	t.router.worker.ports.release(t.port)

	log.Debug().Str("module", "engine.local").Str("transport", t.id).Msg("transport closed")
	for _, fn := range dtlsObservers {
		fn(engine.DTLSStateClosed)
	}
	for _, fn := range closeObservers {
		fn()
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}
