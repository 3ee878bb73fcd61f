package orch

import (
	"encoding/json"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/rs/zerolog/log"
)

// Relay forwards a peer-addressed call event from sid to the participant in
// its `to` field. The payload is passed through untouched except that `to`
// is replaced by `from`. Both sides must share a room.
func (o *Orchestrator) Relay(sid core.SessionID, event string, data json.RawMessage) {
	out, ok := core.RelayRoutes[event]
	if !ok {
		return
	}
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("event", event).Logger()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		logger.Warn().Err(err).Msg("bad relay payload")
		o.Metrics.Drop("bad_payload")
		return
	}
	var to string
	if raw, ok := fields["to"]; ok {
		_ = json.Unmarshal(raw, &to)
	}
	if to == "" {
		logger.Warn().Msg("relay without target")
		o.Metrics.Drop("no_target")
		return
	}

	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		logger.Warn().Msg("sender not in a room")
		o.Metrics.Drop("not_in_room")
		return
	}
	target := core.SessionID(to)
	if r, _, ok := o.Registry.RoomOf(target); !ok || r != roomName {
		logger.Warn().Str("to", to).Msg("target not in sender's room")
		o.Metrics.Drop("not_in_room")
		return
	}
	rs, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}

	delete(fields, "to")
	from, _ := json.Marshal(string(sid))
	fields["from"] = from
	payload, err := json.Marshal(fields)
	if err != nil {
		logger.Error().Err(err).Msg("marshal relay payload")
		return
	}
	frame, err := json.Marshal(core.Envelope{Event: out, Data: payload})
	if err != nil {
		logger.Error().Err(err).Msg("marshal relay frame")
		return
	}

	if err := rs.SendTo(target, frame); err != nil {
		logger.Warn().Err(err).Str("to", to).Msg("relay send failed")
		if member, ok := rs.Member(target); ok {
			o.onSlow(rs, member)
		}
		return
	}
	o.Metrics.relayed(out)
	logger.Debug().Str("to", to).Str("as", out).Msg("relayed")
}
