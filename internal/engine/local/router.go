package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/pion/randutil"
	"github.com/rs/zerolog/log"
)

const (
	iceUfragLen = 16
	icePwdLen   = 32
	iceRunes    = "abcdefghijklmnopqrstuvwxyz0123456789"

	udpPriority = 1076302079
	tcpPriority = 1076276479
)

type Router struct {
	id     string
	worker *Worker
	caps   engine.RTPCapabilities

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
	closeOnce  sync.Once
}

func newRouter(w *Worker, caps engine.RTPCapabilities) *Router {
	return &Router{
		id:         newID(),
		worker:     w,
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() engine.RTPCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.ListenIPs) == 0 {
		return nil, fmt.Errorf("create transport: no listen ip")
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("create transport: neither udp nor tcp enabled")
	}

	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLen, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("ice ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLen, iceRunes)
	if err != nil {
		return nil, fmt.Errorf("ice pwd: %w", err)
	}
	port, err := r.worker.ports.acquire()
	if err != nil {
		return nil, err
	}

	t := newTransport(r, port, engine.ICEParameters{
		UsernameFragment: ufrag,
		Password:         pwd,
		ICELite:          true,
	}, buildCandidates(opts, port))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.worker.ports.release(port)
		return nil, engine.ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	log.Debug().Str("module", "engine.local").Str("router", r.id).Str("transport", t.id).Uint16("port", port).Msg("transport created")
	return t, nil
}

func buildCandidates(opts engine.TransportOptions, port uint16) []engine.ICECandidate {
	udpPrio, tcpPrio := uint32(udpPriority), uint32(tcpPriority)
	if !opts.PreferUDP {
		udpPrio, tcpPrio = tcpPrio, udpPrio
	}
	var out []engine.ICECandidate
	for i, l := range opts.ListenIPs {
		ip := l.AnnouncedIP
		if ip == "" {
			ip = l.IP
		}
		if opts.EnableUDP {
			out = append(out, engine.ICECandidate{
				Foundation: fmt.Sprintf("udpcandidate%d", i),
				Priority:   udpPrio - uint32(i),
				IP:         ip,
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			})
		}
		if opts.EnableTCP {
			out = append(out, engine.ICECandidate{
				Foundation: fmt.Sprintf("tcpcandidate%d", i),
				Priority:   tcpPrio - uint32(i),
				IP:         ip,
				Protocol:   "tcp",
				Port:       port,
				Type:       "host",
				TCPType:    "passive",
			})
		}
	}
	return out
}

func (r *Router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	_, ok = matchCodec(p.params.Codecs, caps)
	return ok
}

// matchCodec returns the first producer codec the capabilities can receive.
func matchCodec(codecs []engine.RTPCodecParameters, caps engine.RTPCapabilities) (engine.RTPCodecParameters, bool) {
	for _, pc := range codecs {
		for _, c := range caps.Codecs {
			if engine.SameCodec(pc, c) {
				return pc, true
			}
		}
	}
	return engine.RTPCodecParameters{}, false
}

func (r *Router) routerCodec(pc engine.RTPCodecParameters) (engine.RTPCodecCapability, bool) {
	for _, c := range r.caps.Codecs {
		if engine.SameCodec(pc, c) {
			return c, true
		}
	}
	return engine.RTPCodecCapability{}, false
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

// addProducer rejects a producer closed before it got here; Close may
// already have run its removeProducer.
func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || p.Closed() {
		return engine.ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		transports := make([]*Transport, 0, len(r.transports))
		for _, t := range r.transports {
			transports = append(transports, t)
		}
		r.mu.Unlock()

		for _, t := range transports {
			t.Close()
		}
		r.worker.removeRouter(r.id)
		log.Debug().Str("module", "engine.local").Str("router", r.id).Msg("router closed")
	})
}

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
