package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/dkeye/VoiceSFU/internal/engine/local"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type recorder struct {
	mu   sync.Mutex
	msgs []app.Message
	full bool
}

func (r *recorder) TrySend(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return core.ErrBackpressure
	}
	var m app.Message
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) events(name string) []app.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []app.Message
	for _, m := range r.msgs {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func decode[T any](t *testing.T, m app.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.Data, &v))
	return v
}

func newTestOrchestrator(t *testing.T, closeEmpty bool, policy app.Policy) *Orchestrator {
	t.Helper()
	w, err := local.NewWorker(local.Settings{RTCMinPort: 40000, RTCMaxPort: 40100})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	rooms := core.NewRoomManager(core.RoomManagerConfig{Worker: w, CloseEmpty: closeEmpty})
	return New(rooms, policy, TransportConfig{
		ListenIPs: []engine.ListenIP{{IP: "0.0.0.0", AnnouncedIP: "127.0.0.1"}},
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	})
}

func connect(o *Orchestrator, id domain.PeerID) *recorder {
	rec := &recorder{}
	o.Connect(id, domain.Display{Name: string(id)}, rec)
	return rec
}

func join(t *testing.T, o *Orchestrator, id domain.PeerID, room string) engine.RTPCapabilities {
	t.Helper()
	caps, err := o.Join(context.Background(), id, room)
	require.NoError(t, err)
	return caps
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

func videoParams() engine.RTPParameters {
	return engine.RTPParameters{
		Codecs:    []engine.RTPCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: 1234}},
	}
}

func audioParams() engine.RTPParameters {
	return engine.RTPParameters{
		Codecs:    []engine.RTPCodecParameters{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: 5678}},
	}
}

func produce(t *testing.T, o *Orchestrator, id domain.PeerID) (app.TransportParams, app.ProduceResult) {
	t.Helper()
	ctx := context.Background()
	tp, err := o.CreateTransport(ctx, id, false)
	require.NoError(t, err)
	require.NoError(t, o.ConnectTransport(ctx, id, remoteDTLS()))
	res, err := o.Produce(ctx, id, engine.KindVideo, videoParams(), nil)
	require.NoError(t, err)
	return tp, res
}

func TestScenario_LobbyLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	bRec := connect(o, "b")

	capsA := join(t, o, "a", "lobby")
	capsB := join(t, o, "b", "lobby")
	assert.Equal(t, capsA, capsB)
	require.Len(t, o.RoomList(), 1)
	members, err := o.Rooms.Members("lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, members)

	recvB, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)
	require.NoError(t, o.ConnectRecvTransport(ctx, "b", recvB.ID, remoteDTLS()))

	sendA, res := produce(t, o, "a")
	assert.False(t, res.ProducersExist)

	news := bRec.events(app.EventNewProducer)
	require.Len(t, news, 1)
	assert.Equal(t, res.ID, decode[app.NewProducer](t, news[0]).ProducerID)

	ids, err := o.ListProducers("b")
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, ids)
	ids, err = o.ListProducers("a")
	require.NoError(t, err)
	assert.Empty(t, ids)

	params, err := o.Consume(ctx, "b", recvB.ID, res.ID, clientCaps())
	require.NoError(t, err)
	assert.Equal(t, res.ID, params.ProducerID)
	assert.Equal(t, sendA.ID, params.ProducerSendTransportID)
	assert.Equal(t, engine.KindVideo, params.Kind)
	assert.Equal(t, params.ID, params.ServerConsumerID)
	require.NotEmpty(t, params.RTPParameters.Codecs)

	require.NoError(t, o.ResumeConsumer(ctx, "b", params.ID))
	require.NoError(t, o.ResumeConsumer(ctx, "b", params.ID))

	require.NoError(t, o.PauseProducer(ctx, "a", res.ID))
	pauses := bRec.events(app.EventConsumerPause)
	require.Len(t, pauses, 1)
	assert.Equal(t, app.ConsumerState{ID: params.ID, ProducerSendTransportID: sendA.ID}, decode[app.ConsumerState](t, pauses[0]))

	require.NoError(t, o.ResumeProducer(ctx, "a", res.ID))
	resumes := bRec.events(app.EventConsumerResume)
	require.Len(t, resumes, 1)
	assert.Equal(t, params.ID, decode[app.ConsumerState](t, resumes[0]).ID)

	o.Disconnect("a")

	closed := bRec.events(app.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, app.ProducerClosed{RemoteProducerID: res.ID, ProducerSendTransportID: sendA.ID}, decode[app.ProducerClosed](t, closed[0]))

	members, err = o.Rooms.Members("lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"b"}, members)

	_, ok := o.Resources.Transports.Get(sendA.ID)
	assert.False(t, ok)
	_, ok = o.Resources.Producers.Get(res.ID)
	assert.False(t, ok)
	_, ok = o.Resources.Consumers.Get(params.ID)
	assert.False(t, ok)

	sessB, ok := o.Sessions.Get("b")
	require.True(t, ok)
	assert.Empty(t, sessB.Consumers())
	assert.Equal(t, []string{recvB.ID}, sessB.Transports())
}

func TestProduce_ProducersExist(t *testing.T) {
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "other")

	_, first := produce(t, o, "a")
	assert.False(t, first.ProducersExist)
	_, second := produce(t, o, "b")
	assert.True(t, second.ProducersExist)
}

func TestFanout_OnlyRoomPeersWithConsumingTransport(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	withRecv := connect(o, "b")
	noRecv := connect(o, "c")
	elsewhere := connect(o, "d")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	join(t, o, "c", "lobby")
	join(t, o, "d", "other")

	_, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)
	_, err = o.CreateTransport(ctx, "c", false)
	require.NoError(t, err)
	_, err = o.CreateTransport(ctx, "d", true)
	require.NoError(t, err)

	produce(t, o, "a")

	assert.Len(t, withRecv.events(app.EventNewProducer), 1)
	assert.Empty(t, noRecv.events(app.EventNewProducer))
	assert.Empty(t, elsewhere.events(app.EventNewProducer))
}

func TestJoin_Errors(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)

	_, err := o.Join(ctx, "ghost", "lobby")
	assert.ErrorIs(t, err, app.ErrSessionClosed)

	connect(o, "a")
	_, err = o.Join(ctx, "a", "   ")
	assert.ErrorIs(t, err, app.ErrBadRequest)

	_, err = o.CreateTransport(ctx, "a", false)
	assert.ErrorIs(t, err, app.ErrNotJoined)
	_, err = o.ListProducers("a")
	assert.ErrorIs(t, err, app.ErrNotJoined)
}

func TestJoin_SameRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	join(t, o, "a", "lobby")
	tp, err := o.CreateTransport(ctx, "a", false)
	require.NoError(t, err)

	join(t, o, "a", "lobby")

	members, err := o.Rooms.Members("lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a"}, members)
	_, ok := o.Resources.Transports.Get(tp.ID)
	assert.True(t, ok)
}

func TestJoin_SwitchRoomReleasesResources(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	bRec := connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	recvB, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)
	sendA, res := produce(t, o, "a")
	_, err = o.Consume(ctx, "b", recvB.ID, res.ID, clientCaps())
	require.NoError(t, err)

	join(t, o, "a", "other")

	require.Len(t, bRec.events(app.EventProducerClosed), 1)
	_, ok := o.Resources.Transports.Get(sendA.ID)
	assert.False(t, ok)
	lobby, err := o.Rooms.Members("lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"b"}, lobby)
	other, err := o.Rooms.Members("other")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a"}, other)

	sessA, ok := o.Sessions.Get("a")
	require.True(t, ok)
	assert.Equal(t, core.StateJoined, sessA.State())
	assert.Empty(t, sessA.Transports())
	assert.Empty(t, sessA.Producers())
}

func TestCreateTransport_OnePerDirection(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	join(t, o, "a", "lobby")

	send, err := o.CreateTransport(ctx, "a", false)
	require.NoError(t, err)
	assert.NotEmpty(t, send.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, send.ICECandidates)
	assert.NotEmpty(t, send.DTLSParameters.Fingerprints)

	_, err = o.CreateTransport(ctx, "a", false)
	assert.ErrorIs(t, err, app.ErrTransportExists)
	_, err = o.CreateTransport(ctx, "a", true)
	assert.NoError(t, err)
}

func TestConsume_Errors(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	sendA, res := produce(t, o, "a")
	recvB, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)

	audioOnly := engine.RTPCapabilities{Codecs: engine.DefaultCodecs()[:1]}
	_, err = o.Consume(ctx, "b", recvB.ID, res.ID, audioOnly)
	assert.ErrorIs(t, err, app.ErrCapabilityMismatch)

	_, err = o.Consume(ctx, "b", recvB.ID, "missing", clientCaps())
	assert.ErrorIs(t, err, app.ErrResourceNotFound)

	_, err = o.Consume(ctx, "b", sendA.ID, res.ID, clientCaps())
	assert.ErrorIs(t, err, app.ErrResourceNotFound)

	assert.ErrorIs(t, o.ConnectRecvTransport(ctx, "b", sendA.ID, remoteDTLS()), app.ErrResourceNotFound)
	assert.ErrorIs(t, o.ResumeConsumer(ctx, "b", "missing"), app.ErrResourceNotFound)
	assert.Zero(t, o.Resources.Consumers.Len())
}

func TestProduce_Errors(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	join(t, o, "a", "lobby")

	_, err := o.Produce(ctx, "a", engine.KindAudio, audioParams(), nil)
	assert.ErrorIs(t, err, app.ErrResourceNotFound)

	_, err = o.CreateTransport(ctx, "a", false)
	require.NoError(t, err)
	_, err = o.Produce(ctx, "a", "data", audioParams(), nil)
	assert.ErrorIs(t, err, app.ErrBadRequest)

	h264 := engine.RTPParameters{Codecs: []engine.RTPCodecParameters{{MimeType: webrtc.MimeTypeH264, PayloadType: 102, ClockRate: 90000}}}
	_, err = o.Produce(ctx, "a", engine.KindVideo, h264, nil)
	assert.ErrorIs(t, err, app.ErrBadRequest)

	res, err := o.Produce(ctx, "a", engine.KindAudio, audioParams(), map[string]any{"source": "mic"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
}

func TestPauseProducer_UnknownAndForeign(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	_, res := produce(t, o, "a")

	assert.NoError(t, o.PauseProducer(ctx, "a", "missing"))
	assert.ErrorIs(t, o.PauseProducer(ctx, "b", res.ID), app.ErrResourceNotFound)

	rec, ok := o.Resources.Producers.Get(res.ID)
	require.True(t, ok)
	assert.False(t, rec.Handle.Paused())
	require.NoError(t, o.PauseProducer(ctx, "a", res.ID))
	assert.True(t, rec.Handle.Paused())
}

func TestTransportClose_CascadesToProducers(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, false, nil)
	connect(o, "a")
	bRec := connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	recvB, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)
	sendA, res := produce(t, o, "a")
	params, err := o.Consume(ctx, "b", recvB.ID, res.ID, clientCaps())
	require.NoError(t, err)

	rec, ok := o.Resources.Transports.Get(sendA.ID)
	require.True(t, ok)
	rec.Handle.Close()

	_, ok = o.Resources.Transports.Get(sendA.ID)
	assert.False(t, ok)
	_, ok = o.Resources.Producers.Get(res.ID)
	assert.False(t, ok)
	_, ok = o.Resources.Consumers.Get(params.ID)
	assert.False(t, ok)
	require.Len(t, bRec.events(app.EventProducerClosed), 1)

	sessA, ok := o.Sessions.Get("a")
	require.True(t, ok)
	assert.Empty(t, sessA.Transports())
	assert.Empty(t, sessA.Producers())

	_, err = o.CreateTransport(ctx, "a", false)
	assert.NoError(t, err)
}

func TestDisconnect_CloseEmptyRoom(t *testing.T) {
	o := newTestOrchestrator(t, true, nil)
	connect(o, "a")
	join(t, o, "a", "lobby")
	room, ok := o.Rooms.Get("lobby")
	require.True(t, ok)

	o.Disconnect("a")

	_, ok = o.Rooms.Get("lobby")
	assert.False(t, ok)
	assert.True(t, room.Router().Closed())
	assert.Zero(t, o.Sessions.Len())
}

func TestDisconnect_Unknown(t *testing.T) {
	o := newTestOrchestrator(t, false, nil)
	assert.NotPanics(t, func() { o.Disconnect("ghost") })

	connect(o, "a")
	o.Disconnect("a")
	o.Disconnect("a")
	_, err := o.CreateTransport(context.Background(), "a", false)
	assert.ErrorIs(t, err, app.ErrSessionClosed)
}

func TestBackpressure_KickMember(t *testing.T) {
	ctrl := gomock.NewController(t)
	policy := app.NewMockPolicy(ctrl)

	ctx := context.Background()
	o := newTestOrchestrator(t, false, policy)
	connect(o, "a")
	slow := connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	_, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	policy.EXPECT().
		OnBackPressure(domain.RoomName("lobby"), gomock.Any()).
		Return(app.KickMember).
		Times(1)

	produce(t, o, "a")

	assert.Eventually(t, func() bool {
		_, ok := o.Sessions.Get("b")
		members, err := o.Rooms.Members("lobby")
		return !ok && err == nil && len(members) == 1 && members[0] == "a"
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return o.Resources.Transports.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBackpressure_DropEventKeepsPeer(t *testing.T) {
	ctrl := gomock.NewController(t)
	policy := app.NewMockPolicy(ctrl)

	ctx := context.Background()
	o := newTestOrchestrator(t, false, policy)
	connect(o, "a")
	slow := connect(o, "b")
	join(t, o, "a", "lobby")
	join(t, o, "b", "lobby")
	_, err := o.CreateTransport(ctx, "b", true)
	require.NoError(t, err)
	slow.full = true

	policy.EXPECT().OnBackPressure(gomock.Any(), gomock.Any()).Return(app.DropEvent)

	produce(t, o, "a")

	_, ok := o.Sessions.Get("b")
	assert.True(t, ok)
}
