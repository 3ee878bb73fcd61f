package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VideoPeers/internal/adapters/signal"
	"github.com/dkeye/VideoPeers/internal/app"
	"github.com/dkeye/VideoPeers/internal/app/orch"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// Descriptions produced by fakePrim:
//
//	offer|<name>|<n>|<kinds>
//	answer|<name>|<kinds>|<offer sdp>
//
// kinds lists the attached local track kinds joined by "+".
func sdpKinds(sdp string) []string {
	parts := strings.SplitN(sdp, "|", 4)
	var raw string
	switch {
	case len(parts) == 4 && parts[0] == "offer":
		raw = parts[3]
	case len(parts) >= 3 && parts[0] == "answer":
		raw = parts[2]
	}
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "+")
}

func answeredOffer(sdp string) string {
	parts := strings.SplitN(sdp, "|", 4)
	if len(parts) != 4 || parts[0] != "answer" {
		return ""
	}
	return parts[3]
}

type fakeRemote struct{ kind webrtc.RTPCodecType }

func (r fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }
func (r fakeRemote) ID() string                { return r.kind.String() }
func (r fakeRemote) StreamID() string          { return "remote" }

// fakePrim mimics the signaling state machine of a peer connection.
type fakePrim struct {
	name string

	mu         sync.Mutex
	closed     bool
	haveOffer  bool
	localOffer string
	remote     *webrtc.SessionDescription
	negotiated bool
	offers     int
	rollbacks  int
	attached   map[webrtc.RTPCodecType]core.LocalTrack
	seen       map[string]bool

	// The description pair of the last completed round.
	local, remoteSDP string

	onNeg   func()
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePrim) kinds() string {
	var ks []string
	for k := range p.attached {
		ks = append(ks, k.String())
	}
	slices.Sort(ks)
	return strings.Join(ks, "+")
}

// learn fires OnTrack for kinds the remote side sends for the first time.
func (p *fakePrim) learn(sdp string) {
	fn := p.onTrack
	for _, k := range sdpKinds(sdp) {
		if p.seen[k] {
			continue
		}
		p.seen[k] = true
		if fn != nil {
			kind := webrtc.NewRTPCodecType(k)
			go fn(fakeRemote{kind: kind})
		}
	}
}

func (p *fakePrim) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, core.ErrPrimitiveUnavailable
	}
	p.offers++
	p.localOffer = fmt.Sprintf("offer|%s|%d|%s", p.name, p.offers, p.kinds())
	p.haveOffer = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.localOffer}, nil
}

func (p *fakePrim) CreateAnswer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, core.ErrPrimitiveUnavailable
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.HasPrefix(offer.SDP, "offer|") {
		return webrtc.SessionDescription{}, core.ErrInvalidRemoteDescription
	}
	if p.haveOffer {
		p.haveOffer = false
		p.localOffer = ""
		p.rollbacks++
	}
	ans := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer|%s|%s|%s", p.name, p.kinds(), offer.SDP),
	}
	p.remote = &offer
	p.local, p.remoteSDP = ans.SDP, offer.SDP
	p.negotiated = true
	p.learn(offer.SDP)
	return ans, nil
}

func (p *fakePrim) ApplyRemoteAnswer(_ context.Context, ans webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrPrimitiveUnavailable
	}
	if !p.haveOffer {
		if p.remote != nil && p.remote.SDP == ans.SDP {
			return nil
		}
		return core.ErrNoPendingOffer
	}
	if ans.Type != webrtc.SDPTypeAnswer || answeredOffer(ans.SDP) != p.localOffer {
		return core.ErrInvalidRemoteDescription
	}
	p.remote = &ans
	p.local, p.remoteSDP = p.localOffer, ans.SDP
	p.haveOffer = false
	p.negotiated = true
	p.learn(ans.SDP)
	return nil
}

func (p *fakePrim) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrPrimitiveUnavailable
	}
	if p.haveOffer {
		p.haveOffer = false
		p.localOffer = ""
		p.rollbacks++
	}
	return nil
}

func (p *fakePrim) AttachTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrPrimitiveUnavailable
	}
	if _, ok := p.attached[t.Kind()]; ok {
		return nil
	}
	p.attached[t.Kind()] = t
	if p.negotiated && p.onNeg != nil {
		go p.onNeg()
	}
	return nil
}

func (p *fakePrim) SetTrackEnabled(kind webrtc.RTPCodecType, on bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.attached[kind]
	if ok {
		t.SetEnabled(on)
	}
	return ok
}

func (p *fakePrim) ToggleTrackEnabled(kind webrtc.RTPCodecType) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.attached[kind]
	if !ok {
		return false, false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled(), true
}

func (p *fakePrim) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNeg = fn
	p.mu.Unlock()
}

func (p *fakePrim) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePrim) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePrim) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fail simulates the connection dropping.
func (p *fakePrim) fail() {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateFailed)
	}
}

func (p *fakePrim) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePrim) described() (local, remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, p.remoteSDP
}

func (p *fakePrim) counts() (offers, rollbacks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.rollbacks
}

func (p *fakePrim) senders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attached)
}

type fakeFactory struct {
	name  string
	mu    sync.Mutex
	prims []*fakePrim
}

func (f *fakeFactory) NewPrimitive(context.Context) (core.Primitive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePrim{
		name:     fmt.Sprintf("%s#%d", f.name, len(f.prims)+1),
		attached: make(map[webrtc.RTPCodecType]core.LocalTrack),
		seen:     make(map[string]bool),
	}
	f.prims = append(f.prims, p)
	return p, nil
}

func (f *fakeFactory) all() []*fakePrim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.prims)
}

func (f *fakeFactory) last() *fakePrim {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type fakeTrack struct {
	kind webrtc.RTPCodecType
	on   atomic.Bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) ID() string                { return t.kind.String() }
func (t *fakeTrack) Track() webrtc.TrackLocal  { return nil }
func (t *fakeTrack) Enabled() bool             { return t.on.Load() }
func (t *fakeTrack) SetEnabled(on bool)        { t.on.Store(on) }
func (t *fakeTrack) Stop()                     {}

type fakeMedia struct {
	tracks  []*fakeTrack
	stopped atomic.Bool
}

func (m *fakeMedia) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *fakeMedia) Stop() { m.stopped.Store(true) }

func (m *fakeMedia) track(kind webrtc.RTPCodecType) *fakeTrack {
	for _, t := range m.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

type fakeSource struct {
	failures atomic.Int32
	// blocking makes Acquire wait for its context, like a device that never opens.
	blocking atomic.Bool
	mu       sync.Mutex
	acquired []*fakeMedia
}

var errNoCamera = errors.New("no camera")

func (s *fakeSource) Acquire(ctx context.Context) (core.LocalMedia, error) {
	if s.blocking.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.failures.Add(-1) >= 0 {
		return nil, errNoCamera
	}
	m := &fakeMedia{}
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		t := &fakeTrack{kind: k}
		t.on.Store(true)
		m.tracks = append(m.tracks, t)
	}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		return nil
	}
	return s.acquired[len(s.acquired)-1]
}

type heldEmit struct {
	event   string
	payload any
}

// gate wraps a Signaler. It counts emits, can hold back chosen events until
// released, and can inject events as if the relay delivered them.
type gate struct {
	core.Signaler

	mu       sync.Mutex
	hold     map[string]bool
	held     []heldEmit
	emitted  map[string]int
	payloads map[string][]any
	handlers map[string][]func(json.RawMessage)
}

func newGate(inner core.Signaler) *gate {
	return &gate{
		Signaler: inner,
		hold:     make(map[string]bool),
		emitted:  make(map[string]int),
		payloads: make(map[string][]any),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

func (g *gate) Emit(ctx context.Context, event string, payload any) error {
	g.mu.Lock()
	g.emitted[event]++
	g.payloads[event] = append(g.payloads[event], payload)
	if g.hold[event] {
		g.held = append(g.held, heldEmit{event, payload})
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return g.Signaler.Emit(ctx, event, payload)
}

func (g *gate) On(event string, fn func(json.RawMessage)) func() {
	g.mu.Lock()
	g.handlers[event] = append(g.handlers[event], fn)
	g.mu.Unlock()
	return g.Signaler.On(event, fn)
}

func (g *gate) holdEvents(events ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range events {
		g.hold[e] = true
	}
}

func (g *gate) heldCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// release forwards everything held, in order, and stops holding. Emits
// racing with it wait, so the sender's order is kept.
func (g *gate) release(t *testing.T) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.held {
		require.NoError(t, g.Signaler.Emit(context.Background(), h.event, h.payload))
	}
	g.held = nil
	g.hold = make(map[string]bool)
}

func (g *gate) count(event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted[event]
}

func (g *gate) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.emitted {
		n += c
	}
	return n
}

func (g *gate) lastPayload(event string) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.payloads[event]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (g *gate) inject(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	g.mu.Lock()
	list := slices.Clone(g.handlers[event])
	g.mu.Unlock()
	for _, fn := range list {
		fn(data)
	}
}

type peer struct {
	id      string
	loop    *signal.Loopback
	sig     *gate
	prims   *fakeFactory
	media   *fakeSource
	sess    *Session
	history *lifecycles
}

type lifecycles struct {
	mu   sync.Mutex
	seen []Lifecycle
}

func (l *lifecycles) record(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.seen); n == 0 || l.seen[n-1] != st.Lifecycle {
		l.seen = append(l.seen, st.Lifecycle)
	}
}

func (l *lifecycles) list() []Lifecycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.seen)
}

func newHub(capacity int) *orch.Orchestrator {
	return &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(capacity),
		Policy:   app.SimplePolicy{},
	}
}

func newPeer(t *testing.T, hub *orch.Orchestrator, name string, opts ...Option) *peer {
	t.Helper()
	loop := signal.NewLoopback(hub, 0)
	p := &peer{
		loop:    loop,
		sig:     newGate(loop),
		prims:   &fakeFactory{name: name},
		media:   &fakeSource{},
		history: &lifecycles{},
	}
	opts = append([]Option{WithGlareBackoff(50 * time.Millisecond)}, opts...)
	p.sess = New(p.sig, p.prims, p.media, opts...)
	p.sess.OnChange(p.history.record)
	require.NoError(t, p.sess.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.sess.Close()
		p.loop.Close()
	})
	return p
}

func (p *peer) join(t *testing.T, room string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := p.sess.Join(ctx, p.loop.ID()+"@example.com", room)
	require.NoError(t, err)
	require.Equal(t, p.loop.ID(), id)
	p.id = id
}

func (p *peer) state(t *testing.T) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := p.sess.State(ctx)
	require.NoError(t, err)
	return st
}

func (p *peer) waitFor(t *testing.T, what string, cond func(State) bool) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return cond(p.state(t)) }, 3*time.Second, 5*time.Millisecond, "waiting for %s", what)
}

func settled(st State) bool {
	return st.Lifecycle == Active && st.Negotiation == Answered
}

// requireSameDescription checks both sides ended on one offer/answer pair.
func requireSameDescription(t *testing.T, a, b *peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		al, ar := a.prims.last().described()
		bl, br := b.prims.last().described()
		return al != "" && al == br && ar == bl
	}, 3*time.Second, 5*time.Millisecond)
}
