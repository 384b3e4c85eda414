package app

import (
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

//go:generate mockgen -destination=mock_policy.go -package=app . Policy

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropEvent
)

func (a BackpressureAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropEvent:
		return "drop"
	}
	return "unknown"
}

// Policy decides what happens to a peer whose signal queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomName, peer *core.PeerSession) BackpressureAction
}

type SimplePolicy struct {
	KickSlow bool
}

func (p SimplePolicy) OnBackPressure(room domain.RoomName, peer *core.PeerSession) BackpressureAction {
	if p.KickSlow {
		return KickMember
	}
	return DropEvent
}
