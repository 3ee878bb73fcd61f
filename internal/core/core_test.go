package core

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/VideoPeers/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	frames []Frame
	full   bool
}

func (s *stubConn) TrySend(f Frame) error {
	if s.full {
		return ErrBackpressure
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *stubConn) Close() {}

func newMember(t *testing.T, id string, conn SignalConnection) MemberSession {
	t.Helper()
	p, err := domain.NewParticipant(domain.ParticipantID(id), id+"@example.com")
	require.NoError(t, err)
	return NewMemberSession(domain.NewMember(p)).UpdateSignal(conn)
}

func TestRoomCapacity(t *testing.T) {
	room := NewRoomService(&domain.Room{Name: "lobby"})
	require.NoError(t, room.AddMember("a", newMember(t, "a", &stubConn{})))
	require.NoError(t, room.AddMember("b", newMember(t, "b", &stubConn{})))

	err := room.AddMember("c", newMember(t, "c", &stubConn{}))
	assert.ErrorIs(t, err, ErrRoomFull)

	// rejoining is not counted twice
	require.NoError(t, room.AddMember("a", newMember(t, "a", &stubConn{})))
	assert.Equal(t, 2, room.MemberCount())

	assert.True(t, room.RemoveMember("b"))
	assert.False(t, room.RemoveMember("b"))
	require.NoError(t, room.AddMember("c", newMember(t, "c", &stubConn{})))

	snap := room.MembersSnapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.ParticipantID("a"), snap[0].ID)
	assert.Equal(t, domain.ParticipantID("c"), snap[1].ID)
}

func TestRoomBroadcastReportsDropped(t *testing.T) {
	room := NewRoomService(&domain.Room{Name: "lobby", Capacity: 3})
	a, b, c := &stubConn{}, &stubConn{}, &stubConn{full: true}
	require.NoError(t, room.AddMember("a", newMember(t, "a", a)))
	require.NoError(t, room.AddMember("b", newMember(t, "b", b)))
	require.NoError(t, room.AddMember("c", newMember(t, "c", c)))

	res := room.Broadcast("a", Frame("x"))
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.ParticipantID("c"), res.Dropped[0].Meta().Participant.ID)
	assert.Empty(t, a.frames)
	assert.Len(t, b.frames, 1)

	assert.ErrorIs(t, room.SendTo("zz", Frame("x")), ErrNotInRoom)
	assert.ErrorIs(t, room.SendTo("c", Frame("x")), ErrBackpressure)
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(EventUserLeft, UserLeft{ID: "p1"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(f, &env))
	assert.Equal(t, EventUserLeft, env.Event)
	assert.JSONEq(t, `{"id":"p1"}`, string(env.Data))
}
