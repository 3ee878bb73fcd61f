package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VideoPeers/internal/adapters/signal"
	"github.com/dkeye/VideoPeers/internal/app"
	"github.com/dkeye/VideoPeers/internal/app/orch"
	"github.com/dkeye/VideoPeers/internal/config"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv    *httptest.Server
	client *http.Client
	hub    *orch.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	hub := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(2),
		Policy:   app.SimplePolicy{},
		Metrics:  orch.NewMetrics(reg),
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret", PingPeriod: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, hub, reg))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{srv: srv, client: &http.Client{Jar: jar}, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

// dial opens the signaling websocket carrying the jar's session cookie.
func (ts *testServer) dial(t *testing.T) *signal.Client {
	t.Helper()
	u, err := url.Parse(ts.srv.URL)
	require.NoError(t, err)
	header := http.Header{}
	for _, c := range ts.client.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/ws/signal"
	c, err := signal.Dial(context.Background(), wsURL, header, signal.Options{PingPeriod: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestWhoAmIKeepsToken(t *testing.T) {
	ts := newTestServer(t)

	var first, second WhoAmIResponse
	code, body := ts.do(t, http.MethodGet, "/api/whoami")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &first))
	require.NotEmpty(t, first.ClientToken)
	assert.Empty(t, first.Participants)

	_, body = ts.do(t, http.MethodGet, "/api/whoami")
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.ClientToken, second.ClientToken)
}

func TestRoomDirectory(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/whoami")

	c := ts.dial(t)
	acks := make(chan core.JoinAck, 1)
	c.On(core.EventRoomJoin, func(data json.RawMessage) {
		var ack core.JoinAck
		if json.Unmarshal(data, &ack) == nil {
			acks <- ack
		}
	})
	require.NoError(t, c.Emit(context.Background(), core.EventRoomJoin, core.JoinRequest{Email: "x@example.com", Room: "lobby"}))

	var ack core.JoinAck
	select {
	case ack = <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("no join ack")
	}

	var rooms RoomsResponse
	_, body := ts.do(t, http.MethodGet, "/api/rooms")
	require.NoError(t, json.Unmarshal(body, &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "lobby", string(rooms.Rooms[0].Name))
	assert.Equal(t, 1, rooms.Rooms[0].MemberCount)

	var members []core.MemberDTO
	code, body := ts.do(t, http.MethodGet, "/api/rooms/lobby/members")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &members))
	require.Len(t, members, 1)
	assert.Equal(t, ack.ID, string(members[0].ID))
	assert.Equal(t, "x@example.com", members[0].Email)

	var who WhoAmIResponse
	_, body = ts.do(t, http.MethodGet, "/api/whoami")
	require.NoError(t, json.Unmarshal(body, &who))
	assert.Equal(t, []core.SessionID{core.SessionID(ack.ID)}, who.Participants)

	code, _ = ts.do(t, http.MethodDelete, "/api/rooms/lobby/members/nobody")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodDelete, "/api/rooms/lobby/members/"+ack.ID)
	assert.Equal(t, http.StatusNoContent, code)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kicked client still connected")
	}

	code, _ = ts.do(t, http.MethodGet, "/api/rooms/lobby/members")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	require.NoError(t, c.Emit(context.Background(), core.EventRoomJoin, core.JoinRequest{Email: "x@example.com", Room: "lobby"}))

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/metrics")
		return strings.Contains(string(body), `videopeers_signal_frames_total{event="room:join"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}
