package orch

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VideoPeers/internal/app"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recConn struct {
	mu       sync.Mutex
	frames   []core.Envelope
	full     bool
	canceled atomic.Bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return core.ErrBackpressure
	}
	var env core.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *recConn) Close() {}

func (c *recConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *recConn) last(t *testing.T, event string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			require.NoError(t, json.Unmarshal(c.frames[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s frame", event)
}

func newOrch(capacity int) (*Orchestrator, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(capacity),
		Policy:   app.SimplePolicy{},
		Metrics:  NewMetrics(reg),
	}, reg
}

func connect(o *Orchestrator, sid core.SessionID) *recConn {
	c := &recConn{}
	o.Connect(sid, "token-"+string(sid), c, func() { c.canceled.Store(true) })
	return c
}

func frame(t *testing.T, event string, payload any) core.Frame {
	t.Helper()
	f, err := core.NewFrame(event, payload)
	require.NoError(t, err)
	return f
}

func TestJoinAnnouncesAndAcknowledges(t *testing.T) {
	o, _ := newOrch(2)
	x := connect(o, "x")
	y := connect(o, "y")

	o.OnFrame("x", frame(t, core.EventRoomJoin, core.JoinRequest{Email: "x@example.com", Room: "lobby"}))
	var ack core.JoinAck
	x.last(t, core.EventRoomJoin, &ack)
	assert.Equal(t, core.JoinAck{Email: "x@example.com", Room: "lobby", ID: "x"}, ack)

	o.OnFrame("y", frame(t, core.EventRoomJoin, core.JoinRequest{Email: "y@example.com", Room: "lobby"}))
	var joined core.UserJoined
	x.last(t, core.EventUserJoined, &joined)
	assert.Equal(t, core.UserJoined{Email: "y@example.com", ID: "y"}, joined)
	assert.Equal(t, []string{core.EventRoomJoin}, y.events())

	rooms := o.Rooms.List()
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].MemberCount)
}

func TestJoinFullRoom(t *testing.T) {
	o, _ := newOrch(2)
	for _, sid := range []core.SessionID{"a", "b"} {
		connect(o, sid)
		require.NoError(t, o.Join(sid, string(sid)+"@example.com", "lobby"))
	}
	c := connect(o, "c")
	o.OnFrame("c", frame(t, core.EventRoomJoin, core.JoinRequest{Email: "c@example.com", Room: "lobby"}))

	var full core.RoomFull
	c.last(t, core.EventRoomFull, &full)
	assert.Equal(t, "lobby", full.Room)
	_, _, ok := o.Registry.RoomOf("c")
	assert.False(t, ok)
}

func TestJoinRejectsBadInput(t *testing.T) {
	o, _ := newOrch(2)
	c := connect(o, "a")
	o.OnFrame("a", frame(t, core.EventRoomJoin, core.JoinRequest{Email: "", Room: "lobby"}))
	var msg core.ErrorMessage
	c.last(t, core.EventError, &msg)
	assert.NotEmpty(t, msg.Error)

	o.OnFrame("a", core.Frame(`{"event":"room:join","data":"nope"}`))
	c.last(t, core.EventError, &msg)
	assert.Equal(t, "bad_payload", msg.Error)
}

func TestRelayRewritesTarget(t *testing.T) {
	o, reg := newOrch(2)
	x := connect(o, "x")
	y := connect(o, "y")
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("y", "y@example.com", "lobby"))

	tests := []struct {
		in, out string
	}{
		{core.EventUserCall, core.EventIncomingCall},
		{core.EventCallAccepted, core.EventCallAccepted},
		{core.EventCallInitiated, core.EventCallInitiated},
		{core.EventNegoNeeded, core.EventNegoNeeded},
		{core.EventNegoDone, core.EventNegoFinal},
		{core.EventCallEnd, core.EventCallEnd},
	}
	for _, tt := range tests {
		o.OnFrame("x", core.Frame(`{"event":"`+tt.in+`","data":{"to":"y","round":7,"extra":{"k":1}}}`))
		var got map[string]any
		y.last(t, tt.out, &got)
		assert.Equal(t, "x", got["from"], tt.in)
		assert.NotContains(t, got, "to", tt.in)
		assert.EqualValues(t, 7, got["round"], tt.in)
		assert.Equal(t, map[string]any{"k": float64(1)}, got["extra"], tt.in)
	}
	assert.NotContains(t, x.events(), core.EventIncomingCall)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Relayed.WithLabelValues(core.EventNegoFinal)))
	n, err := testutil.GatherAndCount(reg, "videopeers_signal_frames_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestRelayRequiresSharedRoom(t *testing.T) {
	o, _ := newOrch(2)
	connect(o, "x")
	z := connect(o, "z")
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("z", "z@example.com", "other"))

	o.OnFrame("x", frame(t, core.EventUserCall, core.OfferMessage{To: "z"}))
	o.OnFrame("x", frame(t, core.EventUserCall, core.OfferMessage{To: "ghost"}))
	o.OnFrame("x", frame(t, core.EventUserCall, core.OfferMessage{}))
	assert.NotContains(t, z.events(), core.EventIncomingCall)
	assert.Equal(t, 2.0, testutil.ToFloat64(o.Metrics.Dropped.WithLabelValues("not_in_room")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Dropped.WithLabelValues("no_target")))
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	o, _ := newOrch(2)
	x := connect(o, "x")
	connect(o, "y")
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("y", "y@example.com", "lobby"))

	o.Disconnect("y")
	o.Disconnect("y")
	var left core.UserLeft
	x.last(t, core.EventUserLeft, &left)
	assert.Equal(t, "y", left.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Connected))

	o.Disconnect("x")
	assert.Empty(t, o.Rooms.List())
}

func TestRejoinMovesRooms(t *testing.T) {
	o, _ := newOrch(2)
	connect(o, "x")
	y := connect(o, "y")
	require.NoError(t, o.Join("y", "y@example.com", "lobby"))
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("x", "x@example.com", "other"))

	var left core.UserLeft
	y.last(t, core.EventUserLeft, &left)
	assert.Equal(t, "x", left.ID)
	name, _, ok := o.Registry.RoomOf("x")
	require.True(t, ok)
	assert.EqualValues(t, "other", name)
}

func TestMoveIntoFullRoomKeepsCurrentRoom(t *testing.T) {
	o, _ := newOrch(2)
	connect(o, "a")
	b := connect(o, "b")
	require.NoError(t, o.Join("a", "a@example.com", "lobby"))
	require.NoError(t, o.Join("b", "b@example.com", "lobby"))
	for _, sid := range []core.SessionID{"c", "d"} {
		connect(o, sid)
		require.NoError(t, o.Join(sid, string(sid)+"@example.com", "annex"))
	}

	err := o.Join("a", "a@example.com", "annex")
	require.ErrorIs(t, err, core.ErrRoomFull)

	name, _, ok := o.Registry.RoomOf("a")
	require.True(t, ok)
	assert.EqualValues(t, "lobby", name)
	assert.Equal(t, []string{core.EventRoomJoin}, b.events())
	for _, info := range o.Rooms.List() {
		assert.Equal(t, 2, info.MemberCount, info.Name)
	}

	o.OnFrame("a", frame(t, core.EventCallEnd, core.Notice{To: "b"}))
	var end core.Notice
	b.last(t, core.EventCallEnd, &end)
	assert.Equal(t, "a", end.From)
}

func TestSlowTargetIsKicked(t *testing.T) {
	o, _ := newOrch(2)
	connect(o, "x")
	y := connect(o, "y")
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("y", "y@example.com", "lobby"))

	y.mu.Lock()
	y.full = true
	y.mu.Unlock()
	o.OnFrame("x", frame(t, core.EventCallEnd, core.Notice{To: "y"}))

	require.Eventually(t, y.canceled.Load, time.Second, 10*time.Millisecond)
	_, _, ok := o.Registry.RoomOf("y")
	assert.False(t, ok)
}

func TestEvictRoom(t *testing.T) {
	o, _ := newOrch(2)
	x := connect(o, "x")
	y := connect(o, "y")
	require.NoError(t, o.Join("x", "x@example.com", "lobby"))
	require.NoError(t, o.Join("y", "y@example.com", "lobby"))

	o.EvictRoom("lobby")
	assert.True(t, x.canceled.Load())
	assert.True(t, y.canceled.Load())
	_, ok := o.Rooms.Get("lobby")
	assert.False(t, ok)
}
