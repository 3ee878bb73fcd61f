// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 36
	MaxEmailLen         = 254
)

var (
	ErrEmailTooLong = errors.New("email too long")
	ErrEmailEmpty   = errors.New("email empty")
)

// ParticipantID is issued by the directory when a connection is accepted.
type ParticipantID string

type Participant struct {
	ID    ParticipantID `json:"id"`
	Email string        `json:"email"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, email string) (*Participant, error) {
	p := &Participant{ID: id}
	if err := p.SetEmail(email); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetEmail(email string) error {
	email = strings.TrimSpace(email)
	if len(email) == 0 {
		return ErrEmailEmpty
	}
	if len(email) > MaxEmailLen {
		return ErrEmailTooLong
	}
	p.Email = email
	return nil
}
