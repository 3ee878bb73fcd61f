package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/pion/webrtc/v4"
)

// Call invites the remote participant. It returns once the invite is sent,
// or with the reason it could not be.
//
// The round trip continues on the session after ctx ends; ctx only bounds
// the wait and media acquisition.
func (s *Session) Call(ctx context.Context) error {
	return s.await(ctx, func(reply chan error) {
		switch {
		case s.call != nil:
			reply <- fmt.Errorf("%w: %s", core.ErrBusy, s.life)
			return
		case s.remote == "":
			reply <- core.ErrNoRemoteParticipant
			return
		}
		s.epoch++
		c := &activeCall{epoch: s.epoch, peer: s.remote, initiator: true, reply: reply}
		s.call = c
		s.life = CallPending
		s.armRoundTimer(c)
		s.event(s.logger.Info(), "call").Msg("calling")
		s.notify()
		s.acquire(ctx, c, s.onCallMedia)
	})
}

// Accept answers a ringing call. With auto-accept on it is only needed to
// retry after media acquisition failed.
func (s *Session) Accept(ctx context.Context) error {
	return s.await(ctx, func(reply chan error) {
		c := s.call
		if c == nil || s.life != CallIncoming {
			reply <- fmt.Errorf("%w: nothing to accept in %s", core.ErrInvalidState, s.life)
			return
		}
		if c.accepting {
			if c.reply != nil {
				reply <- fmt.Errorf("%w: accept in progress", core.ErrInvalidState)
				return
			}
			c.reply = reply
			return
		}
		s.accept(ctx, c, reply)
	})
}

// SendStreams attaches the local tracks to the call, once.
func (s *Session) SendStreams(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.call
		if c == nil || s.life != Active {
			return fmt.Errorf("%w: no active call", core.ErrInvalidState)
		}
		return s.sendStreams(c)
	})
}

// acquire gets local media off the loop and hands the result to then on the
// loop, unless the call is gone by then. Acquisition ends with ctx or with
// the session, whichever is first.
func (s *Session) acquire(ctx context.Context, c *activeCall, then func(*activeCall, core.LocalMedia, error)) {
	actx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.wg.Go(func() {
		defer cancel()
		defer stop()
		m, err := s.media.Acquire(actx)
		perr := s.post(s.ctx, func() {
			if s.call != c {
				if m != nil {
					m.Stop()
				}
				s.logger.Debug().Uint64("epoch", c.epoch).Msg("media for a finished call dropped")
				return
			}
			then(c, m, err)
		})
		if perr != nil && m != nil {
			m.Stop()
		}
	})
}

func (s *Session) newPrimitive(c *activeCall) error {
	prim, err := s.prims.NewPrimitive(s.ctx)
	if err != nil {
		if !errors.Is(err, core.ErrPrimitiveUnavailable) {
			err = fmt.Errorf("%w: %v", core.ErrPrimitiveUnavailable, err)
		}
		return err
	}
	c.prim = prim
	prim.OnNegotiationNeeded(func() {
		s.postAsync(func() {
			if s.call == c {
				s.onNegotiationNeeded(c)
			}
		})
	})
	prim.OnTrack(func(t core.RemoteTrack) {
		s.postAsync(func() {
			if s.call == c {
				c.remoteTracks = append(c.remoteTracks, t.Kind().String()+"/"+t.ID())
				s.event(s.logger.Info(), "track").Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track")
				s.notify()
			}
		})
	})
	prim.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.postAsync(func() {
			if s.call == c && st == webrtc.PeerConnectionStateFailed {
				s.event(s.logger.Warn(), "connection").Msg("connection failed")
				_ = s.emit(core.EventCallEnd, core.Notice{To: c.peer})
				s.teardown("connection failed", false)
			}
		})
	})
	return nil
}

// applyDesired carries the mute/hold choice onto freshly acquired tracks.
func (s *Session) applyDesired(m core.LocalMedia) {
	for _, t := range m.Tracks() {
		t.SetEnabled(s.wantEnabled(t.Kind()))
	}
}

// fail drops the call after an error in its first round. The remote
// participant is kept so the call can be retried.
func (s *Session) fail(c *activeCall, err error, tellPeer bool) {
	s.event(s.logger.Warn(), "call").Err(err).Msg("call failed")
	c.replyWith(err)
	s.teardown(err.Error(), false)
	if tellPeer {
		_ = s.emit(core.EventCallEnd, core.Notice{To: c.peer})
	}
}

func (s *Session) onCallMedia(c *activeCall, m core.LocalMedia, err error) {
	if err != nil {
		s.fail(c, mediaErr(err), false)
		return
	}
	c.media = m
	s.applyDesired(m)
	if err := s.newPrimitive(c); err != nil {
		s.fail(c, err, false)
		return
	}
	offer, err := s.offer(c)
	if err != nil {
		s.fail(c, err, false)
		return
	}
	if err := s.emit(core.EventUserCall, core.OfferMessage{To: c.peer, Offer: &offer, Round: c.pending}); err != nil {
		s.fail(c, err, false)
		return
	}
	_ = s.emit(core.EventCallInitiated, core.Notice{To: c.peer})
	s.callHidden = true
	c.replyWith(nil)
	s.armRoundTimer(c)
	s.event(s.logger.Info(), core.EventUserCall).Uint64("round", c.pending).Msg("invite sent")
	s.notify()
}

// yields reports whether this side gives up its own invite when both sides
// invite each other at once. The lower participant id yields.
func (s *Session) yields(peer string) bool {
	return s.self != "" && s.self < peer
}

func (s *Session) onIncomingCall(data json.RawMessage) {
	msg, ok := decode[core.OfferMessage](s, core.EventIncomingCall, data)
	if !ok {
		return
	}
	if msg.From == "" || msg.Offer == nil || msg.Offer.Type != webrtc.SDPTypeOffer {
		s.event(s.logger.Warn(), core.EventIncomingCall).Str("from", msg.From).Err(core.ErrInvalidRemoteDescription).Msg("invite dropped")
		return
	}

	if c := s.call; c != nil {
		switch {
		case c.peer == msg.From && c.sameInvite(msg):
			s.duplicateInvite(c)
			return
		case c.peer != msg.From:
			s.event(s.logger.Warn(), core.EventIncomingCall).Str("from", msg.From).Err(core.ErrBusy).Msg("refusing second caller")
			_ = s.emit(core.EventCallEnd, core.Notice{To: msg.From})
			return
		case s.life == CallPending && !s.yields(msg.From):
			s.event(s.logger.Info(), core.EventIncomingCall).Msg("invites crossed, keeping ours")
			return
		case s.life == CallPending:
			s.event(s.logger.Info(), core.EventIncomingCall).Msg("invites crossed, answering theirs")
			c.replyWith(nil)
			s.teardown("invites crossed", false)
		default:
			s.event(s.logger.Info(), core.EventIncomingCall).Msg("peer restarted the call")
			s.teardown("superseded by a new invite", false)
		}
	}

	if s.remote != msg.From {
		s.remote, s.remoteEmail = msg.From, ""
	}
	s.epoch++
	c := &activeCall{
		epoch:       s.epoch,
		peer:        msg.From,
		remoteOffer: msg.Offer,
		remoteRound: msg.Round,
		neg:         OfferReceived,
	}
	s.call = c
	s.life = CallIncoming
	s.armRoundTimer(c)
	s.event(s.logger.Info(), core.EventIncomingCall).Uint64("round", msg.Round).Msg("incoming call")
	s.notify()
	if s.opts.autoAccept {
		s.accept(s.ctx, c, nil)
	}
}

// sameInvite reports whether msg is a redelivery of the invite c answers.
func (c *activeCall) sameInvite(msg core.OfferMessage) bool {
	return c.remoteOffer != nil && msg.Round == c.remoteRound && msg.Offer.SDP == c.remoteOffer.SDP
}

// duplicateInvite handles a redelivered invite: while ringing it is dropped,
// once answered the same answer goes out again.
func (s *Session) duplicateInvite(c *activeCall) {
	if c.answer == nil {
		s.stale(core.EventIncomingCall, c.peer)
		return
	}
	s.event(s.logger.Debug(), core.EventIncomingCall).Uint64("round", c.remoteRound).Msg("invite redelivered, answering again")
	_ = s.emit(core.EventCallAccepted, core.AnswerMessage{To: c.peer, Ans: c.answer, Round: c.remoteRound})
}

func (s *Session) accept(ctx context.Context, c *activeCall, reply chan error) {
	c.accepting = true
	c.reply = reply
	s.acquire(ctx, c, s.onAcceptMedia)
}

func (s *Session) onAcceptMedia(c *activeCall, m core.LocalMedia, err error) {
	c.accepting = false
	if err != nil {
		// Still ringing; Accept may be retried until the round times out.
		err = mediaErr(err)
		s.event(s.logger.Warn(), "accept").Err(err).Msg("cannot answer")
		c.replyWith(err)
		return
	}
	c.media = m
	s.applyDesired(m)
	if err := s.newPrimitive(c); err != nil {
		s.fail(c, err, true)
		return
	}
	ans, err := c.prim.CreateAnswer(s.ctx, *c.remoteOffer)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err), true)
		return
	}
	c.neg = AnswerSent
	c.answer = &ans
	if err := s.emit(core.EventCallAccepted, core.AnswerMessage{To: c.peer, Ans: &ans, Round: c.remoteRound}); err != nil {
		s.fail(c, err, false)
		return
	}
	c.neg = Answered
	c.disarm()
	s.life = Active
	c.replyWith(nil)
	s.event(s.logger.Info(), core.EventCallAccepted).Uint64("round", c.remoteRound).Msg("call answered")
	s.notify()
	s.afterHandshake(c)
}

func (s *Session) onCallAccepted(data json.RawMessage) {
	msg, ok := decode[core.AnswerMessage](s, core.EventCallAccepted, data)
	c := s.call
	if !ok || c == nil || !c.initiator || msg.From != c.peer || c.prim == nil {
		s.stale(core.EventCallAccepted, msg.From)
		return
	}
	applied, err := s.applyAnswer(c, core.EventCallAccepted, msg)
	if err != nil {
		if s.life == CallPending {
			s.fail(c, err, true)
			return
		}
		s.dropRound(c, err)
		return
	}
	if !applied {
		return
	}
	if s.life == CallPending {
		s.life = Active
		s.event(s.logger.Info(), core.EventCallAccepted).Msg("call accepted")
		s.notify()
		s.afterHandshake(c)
		return
	}
	s.notify()
	s.maybeRenegotiate(c)
}

func (s *Session) afterHandshake(c *activeCall) {
	if s.opts.autoSendStreams {
		if err := s.sendStreams(c); err != nil {
			s.event(s.logger.Warn(), "send_streams").Err(err).Msg("cannot send streams")
		}
	}
	s.maybeRenegotiate(c)
}

func (s *Session) sendStreams(c *activeCall) error {
	if c.tracksSent {
		return nil
	}
	if c.media == nil {
		return fmt.Errorf("%w: no local media", core.ErrInvalidState)
	}
	if c.prim == nil {
		return core.ErrPrimitiveUnavailable
	}
	for _, t := range c.media.Tracks() {
		t.SetEnabled(s.wantEnabled(t.Kind()))
		if err := c.prim.AttachTrack(t); err != nil {
			return fmt.Errorf("attach %s: %w", t.Kind(), err)
		}
		c.attachGen++
	}
	c.tracksSent = true
	s.event(s.logger.Info(), "send_streams").Int("tracks", len(c.media.Tracks())).Msg("streams attached")
	s.notify()
	return nil
}

// applyAnswer finalizes the round msg answers. It reports false, without an
// error, for duplicates of the last completed round and for answers to
// rounds that were abandoned or superseded.
func (s *Session) applyAnswer(c *activeCall, event string, msg core.AnswerMessage) (bool, error) {
	if msg.Ans == nil || msg.Ans.Type != webrtc.SDPTypeAnswer {
		return false, fmt.Errorf("%w: %w: expected answer", core.ErrNegotiationFailed, core.ErrInvalidRemoteDescription)
	}
	if c.pending == 0 || (msg.Round != 0 && msg.Round != c.pending) {
		if c.lastAnswer != "" && msg.Ans.SDP == c.lastAnswer && (msg.Round == 0 || msg.Round == c.lastAnswered) {
			s.event(s.logger.Debug(), event).Uint64("round", msg.Round).Msg("answer already applied")
			return false, nil
		}
		s.event(s.logger.Debug(), event).Uint64("round", msg.Round).Uint64("pending", c.pending).Err(core.ErrStaleEvent).Msg("answer for another round")
		return false, nil
	}
	if err := c.prim.ApplyRemoteAnswer(s.ctx, *msg.Ans); err != nil {
		return false, fmt.Errorf("%w: %w", core.ErrNegotiationFailed, err)
	}
	c.lastAnswered, c.lastAnswer = c.pending, msg.Ans.SDP
	c.pending = 0
	c.neg = Answered
	c.disarm()
	s.event(s.logger.Info(), event).Uint64("round", c.lastAnswered).Msg("answer applied")
	return true, nil
}

// offer starts a new round on this side.
func (s *Session) offer(c *activeCall) (webrtc.SessionDescription, error) {
	c.round++
	o, err := c.prim.CreateOffer(s.ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.pending = c.round
	c.offeredGen = c.attachGen
	c.neg = OfferSent
	return o, nil
}

// dropRound gives up the round in flight and returns to the last stable
// description. The call itself stays up.
func (s *Session) dropRound(c *activeCall, err error) {
	s.event(s.logger.Warn(), "negotiation").Err(err).Uint64("round", c.pending).Msg("round dropped")
	if rerr := c.prim.Rollback(); rerr != nil {
		s.event(s.logger.Warn(), "negotiation").Err(rerr).Msg("rollback")
	}
	c.pending = 0
	c.neg = Answered
	c.disarm()
	s.notify()
}

// stable reports whether this side may start a round now.
func (s *Session) stable(c *activeCall) bool {
	return s.life == Active && c.neg == Answered && !c.deferReneg
}

func (s *Session) onNegotiationNeeded(c *activeCall) {
	if c.attachGen <= c.offeredGen {
		return
	}
	if !s.stable(c) {
		c.wantReneg = true
		s.event(s.logger.Debug(), "negotiation_needed").Stringer("negotiation", c.neg).Msg("deferred until stable")
		return
	}
	s.renegotiate(c)
}

func (s *Session) maybeRenegotiate(c *activeCall) {
	if c.wantReneg && s.stable(c) {
		s.renegotiate(c)
	}
}

func (s *Session) renegotiate(c *activeCall) {
	c.wantReneg = false
	offer, err := s.offer(c)
	if err != nil {
		s.dropRound(c, err)
		return
	}
	if err := s.emit(core.EventNegoNeeded, core.OfferMessage{To: c.peer, Offer: &offer, Round: c.pending}); err != nil {
		s.dropRound(c, err)
		return
	}
	s.armRoundTimer(c)
	s.event(s.logger.Info(), core.EventNegoNeeded).Uint64("round", c.pending).Msg("renegotiation offer sent")
	s.notify()
}

// onRemoteOffer answers a renegotiation offer. An incoming offer is always
// answered, even with our own offer outstanding: ours is rolled back and
// abandoned. The initiator re-offers right away; the responder holds back
// until it has answered the initiator's next offer or the glare backoff
// elapses, so the two sides do not collide again.
func (s *Session) onRemoteOffer(data json.RawMessage) {
	msg, ok := decode[core.OfferMessage](s, core.EventNegoNeeded, data)
	c := s.call
	if !ok || c == nil || msg.From != c.peer || c.prim == nil || s.life != Active {
		s.stale(core.EventNegoNeeded, msg.From)
		return
	}
	if msg.Offer == nil || msg.Offer.Type != webrtc.SDPTypeOffer {
		s.event(s.logger.Warn(), core.EventNegoNeeded).Err(core.ErrInvalidRemoteDescription).Msg("offer dropped")
		return
	}

	abandoned := c.neg == OfferSent && c.pending != 0
	c.neg = OfferReceived
	ans, err := c.prim.CreateAnswer(s.ctx, *msg.Offer)
	if abandoned {
		c.pending = 0
		c.wantReneg = true
		c.disarm()
	}
	if err != nil {
		s.dropRound(c, fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err))
		s.maybeRenegotiate(c)
		return
	}

	switch {
	case abandoned && !c.initiator:
		c.deferReneg = true
		s.armDefer(c)
		s.event(s.logger.Info(), core.EventNegoNeeded).Uint64("round", msg.Round).Msg("offers crossed, yielding")
	case abandoned:
		s.event(s.logger.Info(), core.EventNegoNeeded).Uint64("round", msg.Round).Msg("offers crossed, will offer again")
	case c.deferReneg:
		c.deferReneg = false
		c.deferSeq++
		if c.deferTimer != nil {
			c.deferTimer.Stop()
			c.deferTimer = nil
		}
	}

	c.neg = AnswerSent
	if err := s.emit(core.EventNegoDone, core.AnswerMessage{To: c.peer, Ans: &ans, Round: msg.Round}); err != nil {
		s.event(s.logger.Warn(), core.EventNegoDone).Err(err).Msg("answer not sent")
	}
	c.neg = Answered
	s.notify()
	s.maybeRenegotiate(c)
}

func (s *Session) onNegoFinal(data json.RawMessage) {
	msg, ok := decode[core.AnswerMessage](s, core.EventNegoFinal, data)
	c := s.call
	if !ok || c == nil || msg.From != c.peer || c.prim == nil {
		s.stale(core.EventNegoFinal, msg.From)
		return
	}
	applied, err := s.applyAnswer(c, core.EventNegoFinal, msg)
	if err != nil {
		if c.pending != 0 {
			s.dropRound(c, err)
		} else {
			s.event(s.logger.Warn(), core.EventNegoFinal).Err(err).Msg("answer dropped")
		}
		return
	}
	if applied {
		s.notify()
		s.maybeRenegotiate(c)
	}
}

func (s *Session) armRoundTimer(c *activeCall) {
	c.disarm()
	if s.opts.negotiationTimeout <= 0 {
		return
	}
	seq := c.timerSeq
	c.timer = time.AfterFunc(s.opts.negotiationTimeout, func() {
		s.postAsync(func() {
			if s.call == c && c.timerSeq == seq {
				s.onRoundTimeout(c)
			}
		})
	})
}

func (s *Session) armDefer(c *activeCall) {
	c.deferSeq++
	seq := c.deferSeq
	if c.deferTimer != nil {
		c.deferTimer.Stop()
	}
	c.deferTimer = time.AfterFunc(s.opts.glareBackoff, func() {
		s.postAsync(func() {
			if s.call == c && c.deferSeq == seq && c.deferReneg {
				c.deferReneg = false
				c.deferTimer = nil
				s.maybeRenegotiate(c)
			}
		})
	})
}

func (s *Session) onRoundTimeout(c *activeCall) {
	err := fmt.Errorf("%w: no answer within %s", core.ErrNegotiationFailed, s.opts.negotiationTimeout)
	switch s.life {
	case CallPending, CallIncoming:
		s.fail(c, err, true)
	case Active:
		if c.neg == OfferSent {
			s.dropRound(c, err)
		}
	}
}
