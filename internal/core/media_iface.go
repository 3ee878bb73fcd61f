package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalTrack is one captured track. Enabled is local only: a disabled track
// stays negotiated but sends nothing.
type LocalTrack interface {
	Kind() webrtc.RTPCodecType
	ID() string
	Track() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

// LocalMedia is the result of one capture acquisition.
type LocalMedia interface {
	Tracks() []LocalTrack
	// Stop releases capture; idempotent.
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

type RemoteTrack interface {
	Kind() webrtc.RTPCodecType
	ID() string
	StreamID() string
}

// Primitive owns one native peer connection for the lifetime of one call.
type Primitive interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies a remote offer and creates and applies the answer.
	// An outstanding local offer is rolled back first.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyRemoteAnswer finalizes a round this side offered. Applying the
	// answer already in place is a no-op.
	ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	// Rollback drops an outstanding local offer, if any.
	Rollback() error

	AttachTrack(t LocalTrack) error
	// SetTrackEnabled reports false when no track of that kind is attached.
	SetTrackEnabled(kind webrtc.RTPCodecType, on bool) bool
	ToggleTrackEnabled(kind webrtc.RTPCodecType) (enabled bool, ok bool)

	// OnNegotiationNeeded fires when the attached track set changes after the
	// initial handshake completed.
	OnNegotiationNeeded(fn func())
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	// Close releases the connection; idempotent.
	Close() error
}

type PrimitiveFactory interface {
	NewPrimitive(ctx context.Context) (Primitive, error)
}
