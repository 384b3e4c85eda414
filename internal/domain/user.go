// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxNameLen     = 36
	MaxRoomNameLen = 64
)

var (
	ErrNameTooLong     = errors.New("name too long")
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

// PeerID identifies one signaling connection for the lifetime of the process.
type PeerID string

func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

// Display is what other participants see of a peer.
type Display struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// NewDisplay trims and validates a display name. An empty name is allowed.
func NewDisplay(name string) (Display, error) {
	name = strings.TrimSpace(name)
	if len(name) > MaxNameLen {
		return Display{}, ErrNameTooLong
	}
	return Display{Name: name}, nil
}
