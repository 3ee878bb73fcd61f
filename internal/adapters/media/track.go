package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// Track is one local sample track. A muted track keeps its pump running and
// drops samples, so the negotiated stream stays in place.
type Track struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewTrack(kind webrtc.RTPCodecType, streamID string) (*Track, error) {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), streamID)
	if err != nil {
		return nil, err
	}
	return &Track{kind: kind, local: local}, nil
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Track() webrtc.TrackLocal  { return t.local }

func (t *Track) GetState() TrackState {
	return TrackState(t.state.Load())
}

func (t *Track) Enabled() bool { return t.GetState() == TrackStateOk }

func (t *Track) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *Track) Stop() {
	t.state.Store(int32(TrackStateStopped))
}
