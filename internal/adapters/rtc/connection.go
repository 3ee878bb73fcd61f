package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type attachedTrack struct {
	track  core.LocalTrack
	sender *webrtc.RTPSender
}

// Connection is the pion implementation of core.Primitive.
// Descriptions are exchanged complete: every offer and answer waits for ICE
// gathering, there is no candidate trickling.
type Connection struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc

	mu         sync.Mutex
	closed     bool
	negotiated bool
	attached   map[webrtc.RTPCodecType]*attachedTrack
	remotes    []*remoteTrack

	onNeg   func()
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

var _ core.Primitive = (*Connection)(nil)

func newConnection(ctx context.Context, pc *webrtc.PeerConnection, gatherTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		pc:            pc,
		gatherTimeout: gatherTimeout,
		logger:        log.With().Str("module", "webrtc").Logger(),
		ctx:           ctx,
		cancel:        cancel,
		attached:      make(map[webrtc.RTPCodecType]*attachedTrack),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := newRemoteTrack(track)
		c.mu.Lock()
		c.remotes = append(c.remotes, rt)
		fn := c.onTrack
		c.mu.Unlock()

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.requestKeyframe(track)
		}
		go rt.drain(c.ctx, c.logger)
		if fn != nil {
			fn(rt)
		}
	})

	return c
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ensureTransceivers adds receive-only transceivers for kinds that have none,
// so the very first offer carries audio and video sections even before any
// local track is attached.
func (c *Connection) ensureTransceivers() error {
	if c.pc.CurrentRemoteDescription() != nil || c.pc.PendingRemoteDescription() != nil {
		return nil
	}
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) waitGathering(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.gatherTimeout).Msg("ICE gathering incomplete, sending partial description")
	case <-ctx.Done():
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if c.isClosed() {
		return webrtc.SessionDescription{}, core.ErrPrimitiveUnavailable
	}
	if err := c.ensureTransceivers(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: transceivers: %v", core.ErrNegotiationFailed, err)
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", core.ErrNegotiationFailed, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", core.ErrNegotiationFailed, err)
	}
	c.waitGathering(ctx, gatherComplete)
	return *c.pc.LocalDescription(), nil
}

func (c *Connection) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if c.isClosed() {
		return webrtc.SessionDescription{}, core.ErrPrimitiveUnavailable
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %q", core.ErrInvalidRemoteDescription, offer.Type)
	}
	// Never refuse an offer because of our own: drop ours and answer theirs.
	if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := c.Rollback(); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: rollback: %v", core.ErrNegotiationFailed, err)
		}
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", core.ErrInvalidRemoteDescription, err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", core.ErrNegotiationFailed, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", core.ErrNegotiationFailed, err)
	}
	c.waitGathering(ctx, gatherComplete)
	c.markNegotiated()
	return *c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyRemoteAnswer(_ context.Context, answer webrtc.SessionDescription) error {
	if c.isClosed() {
		return core.ErrPrimitiveUnavailable
	}
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		if cur := c.pc.CurrentRemoteDescription(); cur != nil && cur.Type == answer.Type && cur.SDP == answer.SDP {
			return nil
		}
		return core.ErrNoPendingOffer
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return fmt.Errorf("%w: expected answer, got %q", core.ErrInvalidRemoteDescription, answer.Type)
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRemoteDescription, err)
	}
	c.markNegotiated()
	return nil
}

func (c *Connection) Rollback() error {
	if c.isClosed() {
		return core.ErrPrimitiveUnavailable
	}
	pending := c.pc.PendingLocalDescription()
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer || pending == nil {
		return nil
	}
	// pion parses the rollback description, so it carries the pending SDP.
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (c *Connection) markNegotiated() {
	c.mu.Lock()
	c.negotiated = true
	c.mu.Unlock()
}

func (c *Connection) AttachTrack(t core.LocalTrack) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrPrimitiveUnavailable
	}
	if _, ok := c.attached[t.Kind()]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sender, err := c.pc.AddTrack(t.Track())
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	go c.drainRTCP(sender)

	c.mu.Lock()
	c.attached[t.Kind()] = &attachedTrack{track: t, sender: sender}
	fire := c.negotiated
	fn := c.onNeg
	c.mu.Unlock()

	c.logger.Info().Str("kind", t.Kind().String()).Str("track_id", t.ID()).Bool("renegotiate", fire).Msg("track attached")
	if fire && fn != nil {
		go fn()
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func (c *Connection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) requestKeyframe(track *webrtc.TrackRemote) {
	err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil {
		c.logger.Debug().Err(err).Msg("PLI")
	}
}

func (c *Connection) SetTrackEnabled(kind webrtc.RTPCodecType, on bool) bool {
	c.mu.Lock()
	at, ok := c.attached[kind]
	c.mu.Unlock()
	if !ok {
		return false
	}
	at.track.SetEnabled(on)
	return true
}

func (c *Connection) ToggleTrackEnabled(kind webrtc.RTPCodecType) (bool, bool) {
	c.mu.Lock()
	at, ok := c.attached[kind]
	c.mu.Unlock()
	if !ok {
		return false, false
	}
	on := !at.track.Enabled()
	at.track.SetEnabled(on)
	return on, true
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNeg = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// RemoteStats reports RTP packets received per remote track id.
func (c *Connection) RemoteStats() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.remotes))
	for _, rt := range c.remotes {
		out[rt.ID()] = rt.Packets()
	}
	return out
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onNeg, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()

	c.cancel()
	err := c.pc.Close()
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
