package core

import "github.com/pion/webrtc/v4"

// Signaling event names. The relay rewrites `to` into `from` on forward.
const (
	EventRoomJoin   = "room:join"
	EventRoomLeave  = "room:leave"
	EventRoomFull   = "room:full"
	EventUserJoined = "user:joined"
	EventUserLeft   = "user:left"
	EventError      = "error"

	EventUserCall      = "user:call"
	EventIncomingCall  = "incoming:call"
	EventCallAccepted  = "call:accepted"
	EventCallInitiated = "call:initiated"
	EventNegoNeeded    = "peer:nego:needed"
	EventNegoDone      = "peer:nego:done"
	EventNegoFinal     = "peer:nego:final"
	EventCallEnd       = "call:end"
)

// RelayRoutes maps a peer-addressed event to the name it is delivered under.
var RelayRoutes = map[string]string{
	EventUserCall:      EventIncomingCall,
	EventCallAccepted:  EventCallAccepted,
	EventCallInitiated: EventCallInitiated,
	EventNegoNeeded:    EventNegoNeeded,
	EventNegoDone:      EventNegoFinal,
	EventCallEnd:       EventCallEnd,
}

type JoinRequest struct {
	Email string `json:"email"`
	Room  string `json:"room"`
}

// JoinAck echoes the join request back to the joiner with its identifier.
type JoinAck struct {
	Email string `json:"email"`
	Room  string `json:"room"`
	ID    string `json:"id"`
}

type UserJoined struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

type UserLeft struct {
	ID string `json:"id"`
}

type RoomFull struct {
	Room string `json:"room"`
}

type ErrorMessage struct {
	Error string `json:"error"`
}

// OfferMessage carries user:call, incoming:call and peer:nego:needed.
// Round numbers the offer on the offering side; zero means the peer does not
// number its rounds.
type OfferMessage struct {
	To    string                     `json:"to,omitempty"`
	From  string                     `json:"from,omitempty"`
	Offer *webrtc.SessionDescription `json:"offer"`
	Round uint64                     `json:"round,omitempty"`
}

// AnswerMessage carries call:accepted, peer:nego:done and peer:nego:final.
// Round echoes the round of the offer being answered.
type AnswerMessage struct {
	To    string                     `json:"to,omitempty"`
	From  string                     `json:"from,omitempty"`
	Ans   *webrtc.SessionDescription `json:"ans"`
	Round uint64                     `json:"round,omitempty"`
}

// Notice carries call:initiated and call:end.
type Notice struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}
