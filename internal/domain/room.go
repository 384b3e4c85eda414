package domain

import "strings"

type RoomName string

// ParseRoomName validates a room name received from a client.
func ParseRoomName(raw string) (RoomName, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

type RoomInfo struct {
	Name        RoomName `json:"name"`
	RouterID    string   `json:"router_id"`
	MemberCount int      `json:"client_count"`
}

type MemberInfo struct {
	ID   PeerID `json:"id"`
	Name string `json:"name"`
}
