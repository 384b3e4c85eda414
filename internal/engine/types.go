// Package engine describes the media engine the coordinator drives:
// one worker owning routers, each router owning WebRTC transports that
// produce or consume media. The shapes of the RTP, ICE and DTLS
// parameters follow the mediasoup client conventions so browsers can
// hand them straight to their device.
package engine

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Valid reports whether k names a known media kind.
func (k MediaKind) Valid() bool {
	return webrtc.NewRTPCodecType(string(k)) != webrtc.RTPCodecType(0)
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC       uint32 `json:"ssrc,omitempty"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate int    `json:"maxBitrate,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             *RTCPParameters                `json:"rtcp,omitempty"`
}

// ICEParameters are the local ICE credentials of a transport.
type ICEParameters = webrtc.ICEParameters

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

type DTLSState string

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

type ListenIP struct {
	IP          string `mapstructure:"ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
}

type TransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate int
	AppData                         map[string]any
}

type ProducerOptions struct {
	Kind          MediaKind
	RTPParameters RTPParameters
	Paused        bool
	AppData       map[string]any
}

type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
}

// SameCodec reports whether a negotiated codec and a capability describe
// the same media format. Mime types compare case-insensitively.
func SameCodec(p RTPCodecParameters, c RTPCodecCapability) bool {
	if !strings.EqualFold(p.MimeType, c.MimeType) || p.ClockRate != c.ClockRate {
		return false
	}
	if c.Kind == KindAudio && channelsOf(p.Channels) != channelsOf(c.Channels) {
		return false
	}
	return true
}

func channelsOf(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// KindOfMime derives the media kind from a mime type such as "audio/opus".
func KindOfMime(mime string) MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return MediaKind(kind)
}
