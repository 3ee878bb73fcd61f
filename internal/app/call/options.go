package call

import "time"

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultGlareBackoff       = 2 * time.Second
	defaultEmitTimeout        = 5 * time.Second
)

type options struct {
	autoAccept         bool
	autoSendStreams    bool
	negotiationTimeout time.Duration
	glareBackoff       time.Duration
	emitTimeout        time.Duration
	audioEnabled       bool
	videoEnabled       bool
}

func defaultOptions() options {
	return options{
		autoAccept:         true,
		autoSendStreams:    true,
		negotiationTimeout: DefaultNegotiationTimeout,
		glareBackoff:       DefaultGlareBackoff,
		emitTimeout:        defaultEmitTimeout,
		audioEnabled:       true,
		videoEnabled:       true,
	}
}

type Option func(*options)

// WithAutoAccept answers incoming calls without waiting for Accept.
func WithAutoAccept(on bool) Option {
	return func(o *options) { o.autoAccept = on }
}

// WithAutoSendStreams attaches local tracks as soon as a call becomes active.
func WithAutoSendStreams(on bool) Option {
	return func(o *options) { o.autoSendStreams = on }
}

// WithNegotiationTimeout bounds every offer/answer round. Zero disables it.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *options) { o.negotiationTimeout = d }
}

// WithGlareBackoff is how long the polite side holds back its own offer
// after yielding to the other side's.
func WithGlareBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.glareBackoff = d
		}
	}
}

// WithInitialMute starts with audio muted and/or video on hold.
func WithInitialMute(audioMuted, videoOnHold bool) Option {
	return func(o *options) {
		o.audioEnabled = !audioMuted
		o.videoEnabled = !videoOnHold
	}
}
