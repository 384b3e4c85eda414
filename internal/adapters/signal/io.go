package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(ctl.settings.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.settings.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.settings.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump handles the peer's messages one at a time, so a peer's requests
// are applied in the order it sent them.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, peer domain.PeerID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(peer)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(peer)
		ctl.limiter.Forget(peer)
	}()

	c.conn.SetReadLimit(ctl.settings.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(peer)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
		ctl.handleSignal(peer, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(peer domain.PeerID, c *WsSignalConn, data []byte) {
	var msg app.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(peer)).Msg("bad json")
		ctl.sendEvent(c, app.EventError, errorPayload{Error: "bad json"})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("sid", string(peer)).Str("event", msg.Event).Interface("panic", r).Msg("handler panic")
			ctl.replyErr(c, msg, errors.New("internal error"))
		}
	}()

	req := request{peer: peer, conn: c, msg: msg}
	switch msg.Event {
	case app.EventJoinRoom:
		ctl.handleJoin(req)
	case app.EventCreateTransport:
		ctl.handleCreateTransport(req)
	case app.EventGetProducers:
		ctl.handleGetProducers(req)
	case app.EventTransportConnect:
		ctl.handleTransportConnect(req)
	case app.EventTransportProduce:
		ctl.handleProduce(req)
	case app.EventTransportRecvConnect:
		ctl.handleRecvConnect(req)
	case app.EventConsume:
		ctl.handleConsume(req)
	case app.EventConsumerResume:
		ctl.handleConsumerResume(req)
	case app.EventProducerPaused:
		ctl.handleProducerPause(req, true)
	case app.EventProducerResume:
		ctl.handleProducerPause(req, false)
	default:
		log.Warn().Str("module", "signal").Str("sid", string(peer)).Str("event", msg.Event).Msg("unknown signal")
		ctl.replyErr(c, msg, errUnknownEvent)
	}
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, event string, payload any) {
	frame, err := app.EncodeEvent(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("encode event")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", event).Msg("event dropped")
	}
}

func (ctl *SignalWSController) reply(c *WsSignalConn, msg app.Message, payload any) {
	frame, err := app.EncodeReply(msg.Event, msg.ID, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", msg.Event).Msg("encode reply")
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", msg.Event).Msg("reply dropped")
	}
}

// replyErr reports a failed request. createWebRtcTransport and consume
// carry the error inside "params" like their successful answers.
func (ctl *SignalWSController) replyErr(c *WsSignalConn, msg app.Message, err error) {
	switch msg.Event {
	case app.EventCreateTransport, app.EventConsume:
		ctl.reply(c, msg, paramsPayload{Params: errorPayload{Error: err.Error()}})
	default:
		ctl.reply(c, msg, errorPayload{Error: err.Error()})
	}
}

// ack answers fire-and-forget requests, but only when the client asked
// for an acknowledgement. Failures are always reported.
func (ctl *SignalWSController) ack(req request, err error) {
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(req.peer)).Str("event", req.msg.Event).Msg("request failed")
		ctl.replyErr(req.conn, req.msg, err)
		return
	}
	if len(req.msg.ID) > 0 {
		ctl.reply(req.conn, req.msg, struct{}{})
	}
}
