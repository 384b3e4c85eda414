package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, min, max uint16) *Worker {
	t.Helper()
	w, err := NewWorker(Settings{RTCMinPort: min, RTCMaxPort: max})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func transportOpts() engine.TransportOptions {
	return engine.TransportOptions{
		ListenIPs: []engine.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"}},
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	}
}

func vp8Params() engine.RTPParameters {
	return engine.RTPParameters{
		Codecs:    []engine.RTPCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: 1111}},
	}
}

func clientCaps() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: engine.DefaultCodecs()}
}

func remoteDTLS() engine.DTLSParameters {
	return engine.DTLSParameters{
		Role:         "client",
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
}

func TestNewWorker_RejectsBadPortRange(t *testing.T) {
	_, err := NewWorker(Settings{RTCMinPort: 3000, RTCMaxPort: 2000})
	assert.Error(t, err)
}

func TestRouter_CapabilitiesAssignPayloadTypes(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)

	r, err := w.CreateRouter(ctx, engine.DefaultCodecs())
	require.NoError(t, err)

	caps := r.RTPCapabilities()
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
}

func TestRouter_RejectsMismatchedKind(t *testing.T) {
	w := newTestWorker(t, 2000, 2020)
	_, err := w.CreateRouter(context.Background(), []engine.RTPCodecCapability{
		{Kind: engine.KindVideo, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000},
	})
	assert.ErrorIs(t, err, engine.ErrInvalidKind)
}

func TestTransport_Parameters(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, err := w.CreateRouter(ctx, engine.DefaultCodecs())
	require.NoError(t, err)

	tr, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)

	ice := tr.ICEParameters()
	assert.Len(t, ice.UsernameFragment, iceUfragLen)
	assert.Len(t, ice.Password, icePwdLen)
	assert.True(t, ice.ICELite)

	cands := tr.ICECandidates()
	require.Len(t, cands, 2)
	assert.Equal(t, "udp", cands[0].Protocol)
	assert.Equal(t, "127.0.0.1", cands[0].IP)
	assert.Greater(t, cands[0].Priority, cands[1].Priority)
	assert.Equal(t, uint16(2000), cands[0].Port)

	dtls := tr.DTLSParameters()
	assert.NotEmpty(t, dtls.Fingerprints)
	assert.Equal(t, engine.DTLSStateNew, tr.DTLSState())
}

func TestTransport_PortsExhaustedAndReleased(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2000)
	r, err := w.CreateRouter(ctx, engine.DefaultCodecs())
	require.NoError(t, err)

	first, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)

	_, err = r.CreateWebRtcTransport(ctx, transportOpts())
	assert.ErrorIs(t, err, engine.ErrPortsExhausted)

	first.Close()
	_, err = r.CreateWebRtcTransport(ctx, transportOpts())
	assert.NoError(t, err)
}

func TestTransport_Connect(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	tr, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)

	var states []engine.DTLSState
	tr.OnDTLSStateChange(func(s engine.DTLSState) { states = append(states, s) })

	assert.ErrorIs(t, tr.Connect(ctx, engine.DTLSParameters{}), engine.ErrInvalidDTLS)
	require.NoError(t, tr.Connect(ctx, remoteDTLS()))
	assert.ErrorIs(t, tr.Connect(ctx, remoteDTLS()), engine.ErrAlreadyConnected)

	tr.Close()
	assert.Equal(t, []engine.DTLSState{engine.DTLSStateConnected, engine.DTLSStateClosed}, states)
	assert.ErrorIs(t, tr.Connect(ctx, remoteDTLS()), engine.ErrClosed)
}

func TestProduceConsume_RelaysAndRespectsPause(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	send, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)
	recv, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)

	p, err := send.Produce(ctx, engine.ProducerOptions{Kind: engine.KindVideo, RTPParameters: vp8Params()})
	require.NoError(t, err)
	require.True(t, r.CanConsume(p.ID(), clientCaps()))

	c, err := recv.Consume(ctx, engine.ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: clientCaps(), Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	assert.Equal(t, p.ID(), c.ProducerID())
	assert.Equal(t, engine.KindVideo, c.Kind())
	assert.Equal(t, uint8(101), c.RTPParameters().Codecs[0].PayloadType)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: 1111, SequenceNumber: 1}, Payload: []byte{1, 2, 3}}

	// paused consumer receives nothing
	require.NoError(t, p.WriteRTP(pkt))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = c.ReadRTP(short)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, p.WriteRTP(pkt))
	got, err := c.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(101), got.PayloadType)
	assert.Equal(t, c.RTPParameters().Encodings[0].SSRC, got.SSRC)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, uint32(1111), pkt.SSRC, "source packet untouched")

	require.NoError(t, p.Pause(ctx))
	require.NoError(t, p.WriteRTP(pkt))
	short, cancel = context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = c.ReadRTP(short)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProduce_UnsupportedCodec(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	tr, _ := r.CreateWebRtcTransport(ctx, transportOpts())

	_, err := tr.Produce(ctx, engine.ProducerOptions{
		Kind: engine.KindVideo,
		RTPParameters: engine.RTPParameters{Codecs: []engine.RTPCodecParameters{
			{MimeType: webrtc.MimeTypeH264, PayloadType: 102, ClockRate: 90000},
		}},
	})
	assert.ErrorIs(t, err, engine.ErrUnsupportedCodec)

	_, err = tr.Produce(ctx, engine.ProducerOptions{Kind: engine.KindAudio, RTPParameters: vp8Params()})
	assert.ErrorIs(t, err, engine.ErrInvalidKind)
}

func TestCanConsume_CapabilityMismatch(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	send, _ := r.CreateWebRtcTransport(ctx, transportOpts())
	recv, _ := r.CreateWebRtcTransport(ctx, transportOpts())
	p, err := send.Produce(ctx, engine.ProducerOptions{Kind: engine.KindVideo, RTPParameters: vp8Params()})
	require.NoError(t, err)

	audioOnly := engine.RTPCapabilities{Codecs: engine.DefaultCodecs()[:1]}
	assert.False(t, r.CanConsume(p.ID(), audioOnly))
	assert.False(t, r.CanConsume("missing", clientCaps()))

	_, err = recv.Consume(ctx, engine.ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: audioOnly})
	assert.ErrorIs(t, err, engine.ErrUnsupportedCodec)
	_, err = recv.Consume(ctx, engine.ConsumerOptions{ProducerID: "missing", RTPCapabilities: clientCaps()})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestClose_Cascades(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	send, _ := r.CreateWebRtcTransport(ctx, transportOpts())
	recv, _ := r.CreateWebRtcTransport(ctx, transportOpts())
	p, err := send.Produce(ctx, engine.ProducerOptions{Kind: engine.KindVideo, RTPParameters: vp8Params()})
	require.NoError(t, err)
	c, err := recv.Consume(ctx, engine.ConsumerOptions{ProducerID: p.ID(), RTPCapabilities: clientCaps()})
	require.NoError(t, err)

	closes := 0
	send.OnClose(func() { closes++ })

	send.Close()
	send.Close()
	assert.Equal(t, 1, closes)
	assert.True(t, p.Closed())
	assert.True(t, c.Closed())
	assert.False(t, recv.Closed())
	assert.False(t, r.CanConsume(p.ID(), clientCaps()))

	_, err = c.ReadRTP(ctx)
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, p.WriteRTP(&rtp.Packet{}), engine.ErrClosed)

	r.Close()
	assert.True(t, recv.Closed())
	assert.True(t, r.Closed())
}

func TestWorker_KillDeliversDeath(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())

	boom := errors.New("boom")
	w.Kill(boom)
	w.Kill(errors.New("again"))

	select {
	case err := <-w.Died():
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("worker death not reported")
	}
	assert.True(t, r.Closed())

	_, err := w.CreateRouter(ctx, engine.DefaultCodecs())
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestRouter_RejectsProducerClosedBeforeRegistration(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, 2000, 2020)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())
	tr, err := r.CreateWebRtcTransport(ctx, transportOpts())
	require.NoError(t, err)

	lt := tr.(*Transport)
	p := newProducer(lt, engine.ProducerOptions{Kind: engine.KindVideo, RTPParameters: vp8Params()})
	p.Close()

	assert.ErrorIs(t, lt.router.addProducer(p), engine.ErrClosed)
	assert.False(t, r.CanConsume(p.id, clientCaps()))
}

func TestWorker_CloseDoesNotReportDeath(t *testing.T) {
	ctx := context.Background()
	w, err := NewWorker(Settings{RTCMinPort: 2000, RTCMaxPort: 2020})
	require.NoError(t, err)
	r, _ := w.CreateRouter(ctx, engine.DefaultCodecs())

	w.Close()
	assert.True(t, r.Closed())
	select {
	case err := <-w.Died():
		t.Fatalf("unexpected death: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
