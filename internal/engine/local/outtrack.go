package local

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

const outTrackBuffer = 64

// OutTrack is the egress side of one consumer: packets from the producer
// land here with the consumer's payload type and SSRC.
type OutTrack struct {
	ssrc        uint32
	payloadType uint8
	packets     chan *rtp.Packet
	state       atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(ssrc uint32, payloadType uint8) *OutTrack {
	return &OutTrack{
		ssrc:        ssrc,
		payloadType: payloadType,
		packets:     make(chan *rtp.Packet, outTrackBuffer),
	}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// write rewrites the packet for this subscriber and queues it without
// blocking. It reports false when the queue is full.
func (ot *OutTrack) write(pkt *rtp.Packet) bool {
	out := pkt.Clone()
	out.SSRC = ot.ssrc
	out.PayloadType = ot.payloadType
	select {
	case ot.packets <- out:
		return true
	default:
		return false
	}
}
