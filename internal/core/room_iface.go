package core

import (
	"github.com/dkeye/VideoPeers/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID    domain.ParticipantID `json:"id"`
	Email string               `json:"email"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Member(sid SessionID) (MemberSession, bool)

	// AddMember fails with ErrRoomFull once the room reached its capacity.
	AddMember(sid SessionID, ms MemberSession) error
	RemoveMember(sid SessionID) bool
	Broadcast(from SessionID, data Frame) PublishResult
	SendTo(sid SessionID, data Frame) error
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
	Capacity    int             `json:"capacity"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}
