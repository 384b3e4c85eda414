// Package local is an in-process media engine. It issues the ICE and
// DTLS parameters a browser needs, tracks the router/transport/producer/
// consumer object graph and relays RTP written to a producer to its
// consumers. Network I/O (ICE checks, DTLS handshake, SRTP) is not done here:
// the advertised host candidates point at ports that are reserved but never
// bound, so a real browser cannot complete ICE against this engine.
package local

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const firstDynamicPayloadType = 100

type Settings struct {
	RTCMinPort uint16
	RTCMaxPort uint16
}

type Worker struct {
	ports        *portPool
	fingerprints []webrtc.DTLSFingerprint

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool

	died     chan error
	diedOnce sync.Once
}

func NewWorker(settings Settings) (*Worker, error) {
	if settings.RTCMinPort == 0 || settings.RTCMaxPort < settings.RTCMinPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", settings.RTCMinPort, settings.RTCMaxPort)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}
	w := &Worker{
		ports:        newPortPool(settings.RTCMinPort, settings.RTCMaxPort),
		fingerprints: fingerprints,
		routers:      make(map[string]*Router),
		died:         make(chan error, 1),
	}
	log.Info().
		Str("module", "engine.local").
		Uint16("rtc_min_port", settings.RTCMinPort).
		Uint16("rtc_max_port", settings.RTCMaxPort).
		Msg("worker started")
	return w, nil
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.RTPCodecCapability) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := buildCapabilities(codecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, engine.ErrClosed
	}
	r := newRouter(w, caps)
	w.routers[r.id] = r
	log.Debug().Str("module", "engine.local").Str("router", r.id).Msg("router created")
	return r, nil
}

func (w *Worker) Died() <-chan error { return w.died }

// Kill simulates a fatal worker failure: every router is closed and err is
// delivered on Died.
func (w *Worker) Kill(err error) {
	w.diedOnce.Do(func() {
		log.Error().Err(err).Str("module", "engine.local").Msg("worker died")
		w.closeRouters()
		w.died <- err
	})
}

func (w *Worker) Close() {
	w.closeRouters()
}

func (w *Worker) closeRouters() {
	w.mu.Lock()
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

// buildCapabilities validates the router codec list and assigns payload
// types to codecs that do not prefer one.
func buildCapabilities(codecs []engine.RTPCodecCapability) (engine.RTPCapabilities, error) {
	out := engine.RTPCapabilities{Codecs: make([]engine.RTPCodecCapability, 0, len(codecs))}
	next := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		if !c.Kind.Valid() || engine.KindOfMime(c.MimeType) != c.Kind {
			return engine.RTPCapabilities{}, fmt.Errorf("%w: %q for %s", engine.ErrInvalidKind, c.Kind, c.MimeType)
		}
		if c.ClockRate == 0 {
			return engine.RTPCapabilities{}, fmt.Errorf("%w: %s without clock rate", engine.ErrUnsupportedCodec, c.MimeType)
		}
		if c.PreferredPayloadType == 0 {
			c.PreferredPayloadType = next
			next++
		}
		out.Codecs = append(out.Codecs, c)
	}
	return out, nil
}

func newID() string { return uuid.NewString() }

type portPool struct {
	mu    sync.Mutex
	min   uint16
	max   uint16
	inUse map[uint16]struct{}
}

func newPortPool(min, max uint16) *portPool {
	return &portPool{min: min, max: max, inUse: make(map[uint16]struct{})}
}

func (p *portPool) acquire() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := uint32(p.min); port <= uint32(p.max); port++ {
		if _, ok := p.inUse[uint16(port)]; !ok {
			p.inUse[uint16(port)] = struct{}{}
			return uint16(port), nil
		}
	}
	return 0, engine.ErrPortsExhausted
}

func (p *portPool) release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}
