package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	RoomCapacity int     `mapstructure:"room_capacity"`
	SendBuffer   int     `mapstructure:"send_buffer"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
}

// Peer configures the headless call peer.
type Peer struct {
	Server    string `mapstructure:"server"`
	Room      string `mapstructure:"room"`
	Email     string `mapstructure:"email"`
	VideoFile string `mapstructure:"video"`
	AudioFile string `mapstructure:"audio"`
	LogLevel  string `mapstructure:"log_level"`

	ICEServers    []string      `mapstructure:"ice"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`

	AutoCall   bool `mapstructure:"auto_call"`
	AutoAccept bool `mapstructure:"auto_accept"`
	AutoSend   bool `mapstructure:"auto_send"`

	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	GlareBackoff       time.Duration `mapstructure:"glare_backoff"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
}

func configFile(v *viper.Viper, prefix string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", prefix, env)

	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return fileName
}

func read(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func Load() (*Config, error) {
	v := viper.New()
	fileName := configFile(v, "config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("room_capacity", 2)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_burst", 100)

	read(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

// PeerFlags declares the peer flags on fs.
func PeerFlags(fs *pflag.FlagSet) {
	fs.String("server", "ws://localhost:8080/api/ws/signal", "signaling websocket URL")
	fs.String("room", "main", "room to join")
	fs.String("email", "", "participant email")
	fs.String("video", "", "IVF (VP8) file to send as video")
	fs.String("audio", "", "Ogg (Opus) file to send as audio")
	fs.String("log-level", "info", "log level")
	fs.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	fs.Duration("gather-timeout", 5*time.Second, "ICE gathering timeout")
	fs.Bool("auto-call", false, "call the other participant as soon as they join")
	fs.Bool("auto-accept", true, "accept incoming calls without a command")
	fs.Bool("auto-send", true, "attach local tracks as soon as the call connects")
	fs.Duration("negotiation-timeout", 30*time.Second, "give up on an unanswered offer after this long")
	fs.Duration("glare-backoff", 2*time.Second, "delay before retrying a renegotiation lost to glare")
	fs.Duration("ping-period", 54*time.Second, "websocket keepalive period")
}

// LoadPeer resolves peer settings from flags, VIDEOPEERS_* variables and
// config/peer.<env>.yaml, in that order of precedence.
func LoadPeer(fs *pflag.FlagSet) (*Peer, error) {
	v := viper.New()
	fileName := configFile(v, "peer")

	v.SetEnvPrefix("videopeers")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	read(v, fileName)

	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("email is required")
	}
	return &cfg, nil
}
