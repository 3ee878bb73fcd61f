package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Mute and hold act on the local sender only. They never renegotiate and
// never reach the signaling channel. The choice is remembered and applied to
// tracks acquired or attached later.

func (s *Session) SetAudioEnabled(ctx context.Context, on bool) error {
	return s.do(ctx, func() error {
		s.setEnabled(webrtc.RTPCodecTypeAudio, on)
		return nil
	})
}

func (s *Session) SetVideoEnabled(ctx context.Context, on bool) error {
	return s.do(ctx, func() error {
		s.setEnabled(webrtc.RTPCodecTypeVideo, on)
		return nil
	})
}

// ToggleAudio flips mute and returns whether audio is now enabled.
func (s *Session) ToggleAudio(ctx context.Context) (bool, error) {
	return s.toggle(ctx, webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips hold and returns whether video is now enabled.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	return s.toggle(ctx, webrtc.RTPCodecTypeVideo)
}

func (s *Session) toggle(ctx context.Context, kind webrtc.RTPCodecType) (bool, error) {
	res := make(chan bool, 1)
	err := s.do(ctx, func() error {
		on := !s.wantEnabled(kind)
		if c := s.call; c != nil && c.prim != nil {
			if enabled, ok := c.prim.ToggleTrackEnabled(kind); ok {
				on = enabled
			}
		}
		s.record(kind, on)
		res <- on
		return nil
	})
	if err != nil {
		return false, err
	}
	return <-res, nil
}

func (s *Session) setEnabled(kind webrtc.RTPCodecType, on bool) {
	if c := s.call; c != nil && c.prim != nil {
		if !c.prim.SetTrackEnabled(kind, on) {
			s.event(s.logger.Debug(), "toggle").Str("kind", kind.String()).Msg("no sender yet")
		}
	}
	s.record(kind, on)
}

func (s *Session) record(kind webrtc.RTPCodecType, on bool) {
	if s.wantEnabled(kind) == on {
		return
	}
	if kind == webrtc.RTPCodecTypeAudio {
		s.audioOn = on
	} else {
		s.videoOn = on
	}
	s.event(s.logger.Info(), "toggle").Str("kind", kind.String()).Bool("enabled", on).Msg("local track toggled")
	s.notify()
}

func (s *Session) wantEnabled(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeAudio {
		return s.audioOn
	}
	return s.videoOn
}
