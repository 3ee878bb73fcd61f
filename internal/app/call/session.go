// Package call is the two-party call state machine. A Session follows one
// room membership: it learns the remote participant from the directory,
// places and answers calls, runs the offer/answer rounds on a fresh
// connection primitive per call and tears everything down on hangup.
//
// All state lives on a single goroutine. Signaling events, primitive
// callbacks, timers and commands are queued to it as closures; work that may
// block for long (media acquisition) runs elsewhere and re-enters the loop,
// where it is discarded if the call it belongs to is gone.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/dkeye/VideoPeers/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// activeCall is one call instance. A new one, with a new primitive, is made
// for every call, even to the same participant.
type activeCall struct {
	epoch     uint64
	peer      string
	initiator bool

	prim  core.Primitive
	media core.LocalMedia

	neg     Negotiation
	round   uint64 // last round offered by this side
	pending uint64 // round of the outstanding local offer, 0 if none

	lastAnswered uint64
	lastAnswer   string

	remoteOffer *webrtc.SessionDescription
	remoteRound uint64
	answer      *webrtc.SessionDescription // sent for remoteOffer

	wantReneg  bool
	deferReneg bool
	attachGen  uint64
	offeredGen uint64

	tracksSent   bool
	remoteTracks []string

	timer      *time.Timer
	timerSeq   uint64
	deferTimer *time.Timer
	deferSeq   uint64

	accepting bool
	reply     chan error
}

func (c *activeCall) replyWith(err error) {
	if c.reply == nil {
		return
	}
	c.reply <- err
	c.reply = nil
}

func (c *activeCall) disarm() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *activeCall) stopTimers() {
	c.disarm()
	c.deferSeq++
	if c.deferTimer != nil {
		c.deferTimer.Stop()
		c.deferTimer = nil
	}
}

type joinResult struct {
	id  string
	err error
}

type joinWait struct {
	room string
	res  chan joinResult
}

type Session struct {
	sig    core.Signaler
	prims  core.PrimitiveFactory
	media  core.MediaSource
	opts   options
	logger zerolog.Logger

	events    chan func()
	done      chan struct{}
	loopDone  chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	wg        conc.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	offs      []func()

	obsMu     sync.RWMutex
	observers []func(State)

	// Owned by the loop.
	self        string
	email       string
	room        string
	remote      string
	remoteEmail string
	life        Lifecycle
	callHidden  bool
	audioOn     bool
	videoOn     bool
	epoch       uint64
	call        *activeCall
	join        *joinWait
}

func New(sig core.Signaler, prims core.PrimitiveFactory, media core.MediaSource, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		sig:      sig,
		prims:    prims,
		media:    media,
		opts:     o,
		logger:   log.With().Str("module", "call").Logger(),
		events:   make(chan func(), 128),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		audioOn:  o.audioEnabled,
		videoOn:  o.videoEnabled,
	}
}

// Start subscribes to the signaler and runs the session loop until Close or
// until ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already started", core.ErrInvalidState)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	handlers := map[string]func(json.RawMessage){
		core.EventRoomJoin:      s.onJoinAck,
		core.EventRoomFull:      s.onRoomFull,
		core.EventError:         s.onRelayError,
		core.EventUserJoined:    s.onUserJoined,
		core.EventUserLeft:      s.onUserLeft,
		core.EventIncomingCall:  s.onIncomingCall,
		core.EventCallAccepted:  s.onCallAccepted,
		core.EventCallInitiated: s.onCallInitiated,
		core.EventNegoNeeded:    s.onRemoteOffer,
		core.EventNegoFinal:     s.onNegoFinal,
		core.EventCallEnd:       s.onCallEnd,
	}
	for event, fn := range handlers {
		s.offs = append(s.offs, s.sig.On(event, func(data json.RawMessage) {
			_ = s.post(s.ctx, func() { fn(data) })
		}))
	}

	s.wg.Go(s.loop)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return nil
}

// Close hangs up any call, unsubscribes and stops the loop. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		for _, off := range s.offs {
			off()
		}
		close(s.done)
		if !s.started.Load() {
			s.cancel()
			return
		}
		<-s.loopDone
		// The loop is gone; its state is ours now.
		s.hangup("session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) post(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return fmt.Errorf("%w: not started", core.ErrInvalidState)
	}
	select {
	case <-s.done:
		return core.ErrSessionClosed
	default:
	}
	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return core.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync queues fn from callbacks that may run on the loop itself.
func (s *Session) postAsync(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	default:
		go func() { _ = s.post(s.ctx, fn) }()
	}
}

func (s *Session) wait(ctx context.Context, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return core.ErrSessionClosed
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := s.post(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	return s.wait(ctx, res)
}

// await runs fn on the loop; fn or a later continuation answers on reply.
func (s *Session) await(ctx context.Context, fn func(reply chan error)) error {
	res := make(chan error, 1)
	if err := s.post(ctx, func() { fn(res) }); err != nil {
		return err
	}
	return s.wait(ctx, res)
}

func (s *Session) emit(event string, payload any) error {
	// A hangup on shutdown still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.emitTimeout)
	defer cancel()
	if err := s.sig.Emit(ctx, event, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
		return err
	}
	return nil
}

// OnChange registers fn to receive a snapshot after every transition.
// fn runs on the session loop and must not call back into the Session.
func (s *Session) OnChange(fn func(State)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Session) notify() {
	s.obsMu.RLock()
	obs := slices.Clone(s.observers)
	s.obsMu.RUnlock()
	if len(obs) == 0 {
		return
	}
	st := s.snapshot()
	for _, fn := range obs {
		fn(st)
	}
}

func (s *Session) State(ctx context.Context) (State, error) {
	res := make(chan State, 1)
	if err := s.post(ctx, func() { res <- s.snapshot() }); err != nil {
		return State{}, err
	}
	select {
	case st := <-res:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-s.done:
		return State{}, core.ErrSessionClosed
	}
}

func (s *Session) snapshot() State {
	st := State{
		Self:         s.self,
		Email:        s.email,
		Room:         s.room,
		Remote:       s.remote,
		RemoteEmail:  s.remoteEmail,
		Lifecycle:    s.life,
		AudioEnabled: s.audioOn,
		VideoEnabled: s.videoOn,
		CallButton:   s.remote != "" && s.life == Idle && !s.callHidden,
	}
	if c := s.call; c != nil {
		st.Negotiation = c.neg
		st.Round = c.round
		st.LocalMediaAcquired = c.media != nil
		st.TracksSent = c.tracksSent
		st.RemoteTracks = slices.Clone(c.remoteTracks)
		st.SendStreamsButton = s.life == Active && c.media != nil && !c.tracksSent
	}
	return st
}

func (s *Session) event(e *zerolog.Event, event string) *zerolog.Event {
	e = e.Str("event", event).Stringer("state", s.life)
	if s.self != "" {
		e = e.Str("self", s.self)
	}
	if c := s.call; c != nil {
		e = e.Str("peer", c.peer).Uint64("epoch", c.epoch)
	}
	return e
}

func decode[T any](s *Session, event string, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		s.event(s.logger.Warn(), event).Err(err).Msg("bad payload")
		return v, false
	}
	return v, true
}

func (s *Session) stale(event, from string) {
	s.event(s.logger.Debug(), event).Str("from", from).Err(core.ErrStaleEvent).Msg("ignored")
}

// Join enters room and returns the participant id the relay assigned.
func (s *Session) Join(ctx context.Context, email, room string) (string, error) {
	name, err := domain.NewRoomName(room)
	if err != nil {
		return "", err
	}
	if _, err := domain.NewParticipant("", email); err != nil {
		return "", err
	}
	res := make(chan joinResult, 1)
	err = s.do(ctx, func() error {
		if s.call != nil {
			return fmt.Errorf("%w: %s", core.ErrBusy, s.life)
		}
		if s.join != nil {
			return fmt.Errorf("%w: join in progress", core.ErrInvalidState)
		}
		if err := s.emit(core.EventRoomJoin, core.JoinRequest{Email: email, Room: string(name)}); err != nil {
			return err
		}
		s.join = &joinWait{room: string(name), res: res}
		return nil
	})
	if err != nil {
		return "", err
	}
	select {
	case r := <-res:
		return r.id, r.err
	case <-ctx.Done():
		_ = s.post(s.ctx, func() {
			if s.join != nil && s.join.res == res {
				s.join = nil
			}
		})
		return "", ctx.Err()
	case <-s.done:
		return "", core.ErrSessionClosed
	}
}

// Leave hangs up and leaves the current room.
func (s *Session) Leave(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.room == "" {
			return fmt.Errorf("%w: not in a room", core.ErrInvalidState)
		}
		s.hangup("left room")
		err := s.emit(core.EventRoomLeave, nil)
		s.room, s.remote, s.remoteEmail = "", "", ""
		s.notify()
		return err
	})
}

func (s *Session) finishJoin(r joinResult) {
	if s.join == nil {
		return
	}
	s.join.res <- r
	s.join = nil
}

func (s *Session) onJoinAck(data json.RawMessage) {
	ack, ok := decode[core.JoinAck](s, core.EventRoomJoin, data)
	if !ok || ack.ID == "" {
		return
	}
	s.self, s.email, s.room = ack.ID, ack.Email, ack.Room
	s.remote, s.remoteEmail, s.callHidden = "", "", false
	s.event(s.logger.Info(), core.EventRoomJoin).Str("room", ack.Room).Msg("joined")
	s.finishJoin(joinResult{id: ack.ID})
	s.notify()
}

func (s *Session) onRoomFull(data json.RawMessage) {
	msg, _ := decode[core.RoomFull](s, core.EventRoomFull, data)
	s.event(s.logger.Warn(), core.EventRoomFull).Str("room", msg.Room).Msg("room is full")
	s.finishJoin(joinResult{err: fmt.Errorf("%w: %s", core.ErrRoomFull, msg.Room)})
}

func (s *Session) onRelayError(data json.RawMessage) {
	msg, _ := decode[core.ErrorMessage](s, core.EventError, data)
	s.event(s.logger.Warn(), core.EventError).Str("error", msg.Error).Msg("relay error")
	if s.join != nil {
		s.finishJoin(joinResult{err: fmt.Errorf("join %s: %s", s.join.room, msg.Error)})
	}
}

func (s *Session) onUserJoined(data json.RawMessage) {
	msg, ok := decode[core.UserJoined](s, core.EventUserJoined, data)
	if !ok || msg.ID == "" {
		return
	}
	if s.call != nil {
		s.stale(core.EventUserJoined, msg.ID)
		return
	}
	s.remote, s.remoteEmail, s.callHidden = msg.ID, msg.Email, false
	s.event(s.logger.Info(), core.EventUserJoined).Str("remote", msg.ID).Str("email", msg.Email).Msg("remote participant joined")
	s.notify()
}

func (s *Session) onUserLeft(data json.RawMessage) {
	msg, ok := decode[core.UserLeft](s, core.EventUserLeft, data)
	if !ok || msg.ID == "" || msg.ID != s.remote {
		s.stale(core.EventUserLeft, msg.ID)
		return
	}
	s.event(s.logger.Info(), core.EventUserLeft).Str("remote", msg.ID).Msg("remote participant left")
	if s.call != nil {
		s.teardown("remote left", true)
		return
	}
	s.remote, s.remoteEmail = "", ""
	s.notify()
}

func (s *Session) onCallInitiated(data json.RawMessage) {
	msg, ok := decode[core.Notice](s, core.EventCallInitiated, data)
	if !ok || msg.From == "" || msg.From != s.remote {
		s.stale(core.EventCallInitiated, msg.From)
		return
	}
	s.callHidden = true
	s.notify()
}

func (s *Session) onCallEnd(data json.RawMessage) {
	msg, ok := decode[core.Notice](s, core.EventCallEnd, data)
	c := s.call
	if !ok || c == nil || msg.From == "" || msg.From != c.peer {
		s.stale(core.EventCallEnd, msg.From)
		return
	}
	s.event(s.logger.Info(), core.EventCallEnd).Msg("remote hung up")
	s.teardown("remote hung up", true)
}

// EndCall hangs up the current call and forgets the remote participant.
func (s *Session) EndCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.call == nil {
			return fmt.Errorf("%w: no call", core.ErrInvalidState)
		}
		s.hangup("local hangup")
		return nil
	})
}

// hangup ends the call, if any, and tells the peer.
func (s *Session) hangup(reason string) {
	c := s.call
	if c == nil {
		return
	}
	s.teardown(reason, true)
	_ = s.emit(core.EventCallEnd, core.Notice{To: c.peer})
}

// teardown ends the current call: primitive first, then capture, then the
// remote tracks. The session is Idle only once both are released.
func (s *Session) teardown(reason string, clearRemote bool) {
	c := s.call
	if c == nil {
		return
	}
	s.life = Ending
	s.notify()

	c.stopTimers()
	c.replyWith(fmt.Errorf("%w: %s", core.ErrCallEnded, reason))
	if c.prim != nil {
		if err := c.prim.Close(); err != nil {
			s.event(s.logger.Warn(), "teardown").Err(err).Msg("close primitive")
		}
	}
	if c.media != nil {
		c.media.Stop()
	}
	c.remoteTracks = nil

	s.call = nil
	s.life = Idle
	s.callHidden = false
	if clearRemote {
		s.remote, s.remoteEmail = "", ""
	}
	s.logger.Info().Str("peer", c.peer).Uint64("epoch", c.epoch).Str("reason", reason).Msg("call ended")
	s.notify()
}

func mediaErr(err error) error {
	if errors.Is(err, core.ErrMediaAcquisitionFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrMediaAcquisitionFailed, err)
}
