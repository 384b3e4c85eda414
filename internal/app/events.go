package app

import (
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/goccy/go-json"
)

// Signaling event names.
const (
	EventConnectionSuccess    = "connection-success"
	EventJoinRoom             = "joinRoom"
	EventCreateTransport      = "createWebRtcTransport"
	EventGetProducers         = "getProducers"
	EventTransportConnect     = "transport-connect"
	EventTransportProduce     = "transport-produce"
	EventTransportRecvConnect = "transport-recv-connect"
	EventConsume              = "consume"
	EventConsumerResume       = "consumer-resume"
	EventProducerPaused       = "producer-media-paused"
	EventProducerResume       = "producer-media-resume"
	EventNewProducer          = "new-producer"
	EventProducerClosed       = "producer-closed"
	EventConsumerPause        = "consumer-pause"
	EventError                = "error"
)

// Message is the signaling envelope in both directions. ID carries the
// client's ack id and is echoed on the matching response.
type Message struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data"`
}

// EncodeEvent builds a server-initiated frame.
func EncodeEvent(event string, data any) (core.Frame, error) {
	return json.Marshal(outgoing{Event: event, Data: data})
}

// EncodeReply builds the response to a request carrying ack id id.
func EncodeReply(event string, id json.RawMessage, data any) (core.Frame, error) {
	return json.Marshal(outgoing{Event: event, ID: id, Data: data})
}

type ConnectionSuccess struct {
	SessionID string `json:"sessionId"`
}

type NewProducer struct {
	ProducerID string `json:"producerId"`
}

type ProducerClosed struct {
	RemoteProducerID        string `json:"remoteProducerId"`
	ProducerSendTransportID string `json:"producerSendTransportId"`
}

// ConsumerState is the payload of consumer-pause and consumer-resume.
type ConsumerState struct {
	ID                      string `json:"id"`
	ProducerSendTransportID string `json:"producerSendTransportId"`
}

type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  engine.ICEParameters  `json:"iceParameters"`
	ICECandidates  []engine.ICECandidate `json:"iceCandidates"`
	DTLSParameters engine.DTLSParameters `json:"dtlsParameters"`
}

type ProduceResult struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

type ConsumeParams struct {
	ID                      string               `json:"id"`
	ProducerID              string               `json:"producerId"`
	ProducerSendTransportID string               `json:"producerSendTransportId"`
	Kind                    engine.MediaKind     `json:"kind"`
	RTPParameters           engine.RTPParameters `json:"rtpParameters"`
	ServerConsumerID        string               `json:"serverConsumerId"`
}
