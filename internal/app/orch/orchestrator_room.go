package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
)

// Join puts the peer into the named room and returns the router's RTP
// capabilities. Joining the current room again is a no-op; joining a
// different room releases everything held in the old one first.
func (o *Orchestrator) Join(ctx context.Context, peer domain.PeerID, roomName string) (engine.RTPCapabilities, error) {
	sess, err := o.session(peer)
	if err != nil {
		return engine.RTPCapabilities{}, err
	}
	name, err := domain.ParseRoomName(roomName)
	if err != nil {
		return engine.RTPCapabilities{}, errors.Join(app.ErrBadRequest, err)
	}

	if cur, ok := sess.Room(); ok {
		if cur == name {
			if room, ok := o.Rooms.Get(name); ok {
				return room.Router().RTPCapabilities(), nil
			}
		}
		o.leaveRoom(sess)
		log.Info().Str("module", "orch").Str("sid", string(peer)).Str("from_room", string(cur)).Str("to_room", string(name)).Msg("switching room")
	}

	room, err := o.Rooms.EnsureRoom(ctx, name, peer)
	if err != nil {
		return engine.RTPCapabilities{}, app.EngineError(err)
	}
	if err := sess.SetRoom(name); err != nil {
		o.leave(name, peer)
		return engine.RTPCapabilities{}, err
	}
	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("room", string(name)).Msg("joined room")
	return room.Router().RTPCapabilities(), nil
}

// leaveRoom releases the peer's media resources and membership but keeps
// the session open.
func (o *Orchestrator) leaveRoom(sess *core.PeerSession) {
	o.releaseResources(sess.ID())
	if prev, ok := sess.LeaveRoom(); ok {
		o.leave(prev, sess.ID())
	}
}

func (o *Orchestrator) leave(name domain.RoomName, peer domain.PeerID) {
	if err := o.Rooms.Leave(name, peer); err != nil {
		log.Warn().Str("module", "orch").Str("sid", string(peer)).Str("room", string(name)).Err(err).Msg("leave room")
	}
}

func (o *Orchestrator) RoomList() []domain.RoomInfo {
	return o.Rooms.List()
}

// RoomMembers lists the members of a room with their display names.
func (o *Orchestrator) RoomMembers(name domain.RoomName) ([]domain.MemberInfo, error) {
	ids, err := o.Rooms.Members(name)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	out := make([]domain.MemberInfo, 0, len(ids))
	for _, id := range ids {
		info := domain.MemberInfo{ID: id}
		if sess, ok := o.Sessions.Get(id); ok {
			info.Name = sess.Display().Name
		}
		out = append(out, info)
	}
	return out, nil
}
