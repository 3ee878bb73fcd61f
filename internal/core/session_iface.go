package core

import "github.com/dkeye/VideoPeers/internal/domain"

type SessionID string

func (s SessionID) Participant() domain.ParticipantID { return domain.ParticipantID(s) }

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
