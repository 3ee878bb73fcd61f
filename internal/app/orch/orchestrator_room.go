package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/dkeye/VideoPeers/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleJoin(sid core.SessionID, data json.RawMessage) {
	var req core.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("bad join payload")
		o.sendError(sid, "bad_payload")
		return
	}
	if err := o.Join(sid, req.Email, req.Room); err != nil {
		if errors.Is(err, core.ErrRoomFull) {
			o.send(sid, core.EventRoomFull, core.RoomFull{Room: req.Room})
			return
		}
		o.sendError(sid, err.Error())
	}
}

// Join moves sid into room, announces it to the members already there and
// acknowledges to sid with its identifier.
func (o *Orchestrator) Join(sid core.SessionID, email, room string) error {
	name, err := domain.NewRoomName(room)
	if err != nil {
		return err
	}
	if err := o.Registry.UpdateEmail(sid, email); err != nil {
		return err
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return core.ErrNotInRoom
	}

	// A move only leaves the current room once the target has taken sid.
	o.mu.Lock()
	rs := o.Rooms.GetOrCreate(name)
	if err := rs.AddMember(sid, session); err != nil {
		if rs.MemberCount() == 0 {
			o.Rooms.StopRoom(name)
		}
		o.mu.Unlock()
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(name)).Msg("room full")
		return err
	}
	if current, _, ok := o.Registry.RoomOf(sid); ok && current != name {
		o.leaveLocked(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}
	o.Registry.UpdateRoom(sid, name)
	o.mu.Unlock()
	o.Metrics.rooms(len(o.Rooms.List()))

	p := session.Meta().Participant
	o.broadcast(rs, sid, core.EventUserJoined, core.UserJoined{Email: p.Email, ID: string(p.ID)})
	o.send(sid, core.EventRoomJoin, core.JoinAck{Email: p.Email, Room: string(name), ID: string(p.ID)})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(name)).Msg("joined room")
	return nil
}

// Leave removes sid from its room and tells the remaining members.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	o.leaveLocked(sid)
	o.mu.Unlock()
	o.Metrics.rooms(len(o.Rooms.List()))
}

func (o *Orchestrator) leaveLocked(sid core.SessionID) {
	name, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	rs, ok := o.Rooms.Get(name)
	if !ok {
		return
	}
	if !rs.RemoveMember(sid) {
		return
	}
	if rs.MemberCount() == 0 {
		o.Rooms.StopRoom(name)
		return
	}
	o.broadcast(rs, sid, core.EventUserLeft, core.UserLeft{ID: string(sid)})
}

// KickBySID removes sid from its room and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) EvictRoom(name domain.RoomName) {
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(name)
}
