package core

import "errors"

// Call negotiation failures. None of them is fatal to a session; callers
// match them with errors.Is.
var (
	ErrPrimitiveUnavailable     = errors.New("connection primitive unavailable")
	ErrMediaAcquisitionFailed   = errors.New("media acquisition failed")
	ErrInvalidRemoteDescription = errors.New("invalid remote description")
	ErrNegotiationFailed        = errors.New("negotiation failed")
	ErrNoPendingOffer           = errors.New("no pending local offer")
	ErrStaleEvent               = errors.New("stale event ignored")

	ErrBusy                = errors.New("already in a call")
	ErrNoRemoteParticipant = errors.New("no remote participant")
	ErrInvalidState        = errors.New("invalid call state")
	ErrCallEnded           = errors.New("call ended")
	ErrSessionClosed       = errors.New("session closed")
)

// Directory and transport failures.
var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("participant not in room")
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)
