package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers    []string
	GatherTimeout time.Duration
	// UDPPortMin and UDPPortMax bound the ephemeral ICE ports; zero means any.
	UDPPortMin uint16
	UDPPortMax uint16
}

func DefaultConfig() Config {
	return Config{
		ICEServers:    []string{"stun:stun.l.google.com:19302", "stun:global.stun.twilio.com:3478"},
		GatherTimeout: 5 * time.Second,
	}
}

func (c Config) webrtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewAPI builds a pion API with the default codecs and interceptors and
// pion logging bridged into zerolog.
func NewAPI(cfg Config, logger zerolog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory creates one Connection per call.
type Factory struct {
	api *webrtc.API
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	api, err := NewAPI(cfg, log.Logger)
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewPrimitive(ctx context.Context) (core.Primitive, error) {
	pc, err := f.api.NewPeerConnection(f.cfg.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPrimitiveUnavailable, err)
	}
	return newConnection(ctx, pc, f.cfg.GatherTimeout), nil
}
