// Package orch is the room directory and call relay: it routes signaling
// frames between the participants of one room.
package orch

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/VideoPeers/internal/app"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/dkeye/VideoPeers/internal/domain"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *Metrics

	// mu serializes membership changes; relaying does not take it.
	mu sync.Mutex
}

// Connect registers a new signaling connection under sid.
func (o *Orchestrator) Connect(sid core.SessionID, token string, conn core.SignalConnection, cancel func()) {
	p := o.Registry.GetOrCreateParticipant(sid)
	sess := core.NewMemberSession(domain.NewMember(p)).UpdateSignal(conn)
	o.Registry.BindSignal(sid, token, sess, cancel)
	o.Metrics.connected(o.Registry.Count())
}

// Disconnect leaves the room and forgets sid. Safe to call more than once.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.Leave(sid)
	if o.Registry.Unbind(sid) {
		o.Metrics.connected(o.Registry.Count())
	}
}

// OnFrame handles one inbound frame from sid.
func (o *Orchestrator) OnFrame(sid core.SessionID, data core.Frame) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("bad envelope")
		o.Metrics.Drop("bad_envelope")
		return
	}
	o.Metrics.frame(env.Event)

	switch env.Event {
	case core.EventRoomJoin:
		o.handleJoin(sid, env.Data)
	case core.EventRoomLeave:
		o.Leave(sid)
	default:
		if _, ok := core.RelayRoutes[env.Event]; ok {
			o.Relay(sid, env.Event, env.Data)
			return
		}
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("event", env.Event).Msg("unknown event")
		o.Metrics.Drop("unknown_event")
	}
}

// send delivers one event to sid directly, outside of any room.
func (o *Orchestrator) send(sid core.SessionID, event string, payload any) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return
	}
	frame, err := core.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("marshal frame")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("event", event).Msg("send failed")
		o.Metrics.Drop("backpressure")
	}
}

func (o *Orchestrator) sendError(sid core.SessionID, msg string) {
	o.send(sid, core.EventError, core.ErrorMessage{Error: msg})
}

// broadcast sends to every member of room except from and applies the
// back-pressure policy to members that could not keep up.
func (o *Orchestrator) broadcast(room core.RoomService, from core.SessionID, event string, payload any) {
	frame, err := core.NewFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("marshal frame")
		return
	}
	res := room.Broadcast(from, frame)
	for _, slow := range res.Dropped {
		o.onSlow(room, slow)
	}
}

func (o *Orchestrator) onSlow(room core.RoomService, slow core.MemberSession) {
	o.Metrics.Drop("backpressure")
	if o.Policy == nil {
		return
	}
	action := o.Policy.OnBackPressure(room, slow)
	log.Warn().
		Str("module", "orch").
		Str("room", string(room.Room().Name)).
		Str("sid", string(slow.Meta().Participant.ID)).
		Stringer("action", action).
		Msg("slow member")
	switch action {
	case app.KickMember:
		sid := core.SessionID(slow.Meta().Participant.ID)
		// Kicking re-enters the room broadcast; do it off the caller's stack.
		go o.KickBySID(sid)
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}
