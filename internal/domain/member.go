package domain

import "time"

// Member represents participant's presence in a room.
// No transport or lifecycle logic here.
type Member struct {
	Participant *Participant
	JoinedAt    time.Time
}

func NewMember(p *Participant) *Member {
	return &Member{Participant: p, JoinedAt: time.Now()}
}
