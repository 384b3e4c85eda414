package signal

import (
	"errors"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

var (
	errUnknownEvent = errors.New("unknown event")
	errRateLimited  = errors.New("rate limited")
)

type request struct {
	peer domain.PeerID
	conn *WsSignalConn
	msg  app.Message
}

// decode fills v from the request data. Missing data leaves v untouched.
func (r request) decode(v any) error {
	if len(r.msg.Data) == 0 || string(r.msg.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.msg.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", app.ErrBadRequest, r.msg.Event, err)
	}
	return nil
}

type errorPayload struct {
	Error string `json:"error"`
}

type paramsPayload struct {
	Params any `json:"params"`
}

type joinRequest struct {
	RoomName string `json:"roomName"`
}

type joinResponse struct {
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportRequest struct {
	Consumer bool `json:"consumer"`
}

type connectRequest struct {
	DTLSParameters            engine.DTLSParameters `json:"dtlsParameters"`
	ServerConsumerTransportID string                `json:"serverConsumerTransportId"`
}

type produceRequest struct {
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData"`
}

type consumeRequest struct {
	ServerConsumerTransportID string                 `json:"serverConsumerTransportId"`
	RemoteProducerID          string                 `json:"remoteProducerId"`
	RTPCapabilities           engine.RTPCapabilities `json:"rtpCapabilities"`
}

type consumerResumeRequest struct {
	ServerConsumerID string `json:"serverConsumerId"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

func (ctl *SignalWSController) handleJoin(req request) {
	if !ctl.limiter.Allow(req.peer) {
		ctl.replyErr(req.conn, req.msg, errRateLimited)
		return
	}
	var p joinRequest
	if err := req.decode(&p); err != nil {
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.replyErr(req.conn, req.msg, app.ErrSessionClosed)
		return
	}
	caps, err := ctl.Orch.Join(sess.Context(), req.peer, p.RoomName)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(req.peer)).Str("room", p.RoomName).Msg("join failed")
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	ctl.reply(req.conn, req.msg, joinResponse{RTPCapabilities: caps})
}

func (ctl *SignalWSController) handleCreateTransport(req request) {
	if !ctl.limiter.Allow(req.peer) {
		ctl.replyErr(req.conn, req.msg, errRateLimited)
		return
	}
	var p createTransportRequest
	if err := req.decode(&p); err != nil {
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.replyErr(req.conn, req.msg, app.ErrSessionClosed)
		return
	}
	params, err := ctl.Orch.CreateTransport(sess.Context(), req.peer, p.Consumer)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(req.peer)).Bool("consumer", p.Consumer).Msg("create transport failed")
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	ctl.reply(req.conn, req.msg, paramsPayload{Params: params})
}

func (ctl *SignalWSController) handleGetProducers(req request) {
	ids, err := ctl.Orch.ListProducers(req.peer)
	if err != nil {
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	ctl.reply(req.conn, req.msg, ids)
}

func (ctl *SignalWSController) handleTransportConnect(req request) {
	var p connectRequest
	if err := req.decode(&p); err != nil {
		ctl.ack(req, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.ack(req, app.ErrSessionClosed)
		return
	}
	ctl.ack(req, ctl.Orch.ConnectTransport(sess.Context(), req.peer, p.DTLSParameters))
}

func (ctl *SignalWSController) handleRecvConnect(req request) {
	var p connectRequest
	if err := req.decode(&p); err != nil {
		ctl.ack(req, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.ack(req, app.ErrSessionClosed)
		return
	}
	ctl.ack(req, ctl.Orch.ConnectRecvTransport(sess.Context(), req.peer, p.ServerConsumerTransportID, p.DTLSParameters))
}

func (ctl *SignalWSController) handleProduce(req request) {
	var p produceRequest
	if err := req.decode(&p); err != nil {
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.replyErr(req.conn, req.msg, app.ErrSessionClosed)
		return
	}
	res, err := ctl.Orch.Produce(sess.Context(), req.peer, p.Kind, p.RTPParameters, p.AppData)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(req.peer)).Str("kind", string(p.Kind)).Msg("produce failed")
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	ctl.reply(req.conn, req.msg, res)
}

func (ctl *SignalWSController) handleConsume(req request) {
	var p consumeRequest
	if err := req.decode(&p); err != nil {
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.replyErr(req.conn, req.msg, app.ErrSessionClosed)
		return
	}
	params, err := ctl.Orch.Consume(sess.Context(), req.peer, p.ServerConsumerTransportID, p.RemoteProducerID, p.RTPCapabilities)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(req.peer)).Str("producer", p.RemoteProducerID).Msg("consume failed")
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	ctl.reply(req.conn, req.msg, paramsPayload{Params: params})
}

func (ctl *SignalWSController) handleConsumerResume(req request) {
	var p consumerResumeRequest
	if err := req.decode(&p); err != nil {
		ctl.ack(req, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.ack(req, app.ErrSessionClosed)
		return
	}
	ctl.ack(req, ctl.Orch.ResumeConsumer(sess.Context(), req.peer, p.ServerConsumerID))
}

func (ctl *SignalWSController) handleProducerPause(req request, paused bool) {
	var p producerRequest
	if err := req.decode(&p); err != nil {
		ctl.ack(req, err)
		return
	}
	sess, ok := ctl.Orch.Sessions.Get(req.peer)
	if !ok {
		ctl.ack(req, app.ErrSessionClosed)
		return
	}
	if paused {
		ctl.ack(req, ctl.Orch.PauseProducer(sess.Context(), req.peer, p.ProducerID))
		return
	}
	ctl.ack(req, ctl.Orch.ResumeProducer(sess.Context(), req.peer, p.ProducerID))
}
