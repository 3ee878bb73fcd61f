package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/VideoPeers/internal/adapters/media"
	"github.com/dkeye/VideoPeers/internal/adapters/rtc"
	sig "github.com/dkeye/VideoPeers/internal/adapters/signal"
	"github.com/dkeye/VideoPeers/internal/app/call"
	"github.com/dkeye/VideoPeers/internal/config"
)

const usage = "commands: call, accept, send, mute, unmute, hold, resume, end, status, quit"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("peer", pflag.ExitOnError)
	config.PeerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadPeer(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("peer stopped")
	}
}

func run(ctx context.Context, cfg *config.Peer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := sig.Dial(ctx, cfg.Server, nil, sig.Options{PingPeriod: cfg.PingPeriod})
	if err != nil {
		return err
	}
	defer client.Close()

	factory, err := rtc.NewFactory(rtc.Config{ICEServers: cfg.ICEServers, GatherTimeout: cfg.GatherTimeout})
	if err != nil {
		return err
	}

	opts := []call.Option{
		call.WithAutoAccept(cfg.AutoAccept),
		call.WithAutoSendStreams(cfg.AutoSend),
		call.WithNegotiationTimeout(cfg.NegotiationTimeout),
	}
	if cfg.GlareBackoff > 0 {
		opts = append(opts, call.WithGlareBackoff(cfg.GlareBackoff))
	}
	sess := call.New(client, factory, &media.FileSource{VideoPath: cfg.VideoFile, AudioPath: cfg.AudioFile}, opts...)

	var lastRemote string
	sess.OnChange(func(st call.State) {
		if st.Remote != lastRemote {
			lastRemote = st.Remote
			if cfg.AutoCall && st.CallButton {
				// commands block on the loop this observer runs on
				go func() {
					if err := sess.Call(ctx); err != nil {
						log.Warn().Err(err).Str("module", "peer").Msg("auto call")
					}
				}()
			}
		}
		log.Debug().Str("module", "peer").Str("state", st.Lifecycle.String()).Str("negotiation", st.Negotiation.String()).Msg("state changed")
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	id, err := sess.Join(joinCtx, cfg.Email, cfg.Room)
	joinCancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", cfg.Room, err)
	}
	log.Info().Str("module", "peer").Str("id", id).Str("room", cfg.Room).Msg("joined")
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("signaling connection lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := command(ctx, sess, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// command runs one stdin line and reports whether the peer should exit.
func command(ctx context.Context, sess *call.Session, line string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	switch line {
	case "":
		return false
	case "call":
		err = sess.Call(ctx)
	case "accept":
		err = sess.Accept(ctx)
	case "send":
		err = sess.SendStreams(ctx)
	case "mute":
		err = sess.SetAudioEnabled(ctx, false)
	case "unmute":
		err = sess.SetAudioEnabled(ctx, true)
	case "hold":
		err = sess.SetVideoEnabled(ctx, false)
	case "resume":
		err = sess.SetVideoEnabled(ctx, true)
	case "end":
		err = sess.EndCall(ctx)
	case "status":
		var st call.State
		if st, err = sess.State(ctx); err == nil {
			printState(st)
		}
	case "quit", "exit":
		_ = sess.Leave(ctx)
		return true
	default:
		fmt.Println(usage)
		return false
	}
	if err != nil {
		fmt.Printf("%s: %v\n", line, err)
	}
	return false
}

func printState(st call.State) {
	fmt.Printf("self=%s room=%s remote=%s(%s)\n", st.Self, st.Room, st.Remote, st.RemoteEmail)
	fmt.Printf("call=%s negotiation=%s round=%d\n", st.Lifecycle, st.Negotiation, st.Round)
	fmt.Printf("media=%t sent=%t audio=%t video=%t\n", st.LocalMediaAcquired, st.TracksSent, st.AudioEnabled, st.VideoEnabled)
	if len(st.RemoteTracks) > 0 {
		fmt.Printf("receiving %s\n", strings.Join(st.RemoteTracks, ", "))
	}
}
