package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// remoteTrack wraps an incoming track and consumes its packets.
type remoteTrack struct {
	src *webrtc.TrackRemote

	packets atomic.Uint64
	lost    atomic.Uint64
	lastSeq uint16
	started bool
}

func newRemoteTrack(src *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{src: src}
}

func (r *remoteTrack) Kind() webrtc.RTPCodecType { return r.src.Kind() }
func (r *remoteTrack) ID() string                { return r.src.ID() }
func (r *remoteTrack) StreamID() string          { return r.src.StreamID() }
func (r *remoteTrack) Packets() uint64           { return r.packets.Load() }
func (r *remoteTrack) Lost() uint64              { return r.lost.Load() }

// record is only called from drain.
func (r *remoteTrack) record(pkt *rtp.Packet) {
	r.packets.Add(1)
	seq := pkt.SequenceNumber
	if r.started {
		if gap := seq - r.lastSeq; gap > 1 && gap < 1<<15 {
			r.lost.Add(uint64(gap - 1))
		}
	}
	r.lastSeq = seq
	r.started = true
}

// drain reads RTP packets until the track ends. A headless peer has nowhere
// to render them, so it only counts.
func (r *remoteTrack) drain(ctx context.Context, logger zerolog.Logger) {
	l := logger.With().Str("track_id", r.src.ID()).Str("kind", r.src.Kind().String()).Logger()
	for {
		select {
		case <-ctx.Done():
			l.Debug().Uint64("packets", r.Packets()).Uint64("lost", r.Lost()).Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			l.Debug().Err(err).Uint64("packets", r.Packets()).Uint64("lost", r.Lost()).Msg("remote track ended")
			return
		}
		r.record(pkt)
	}
}
