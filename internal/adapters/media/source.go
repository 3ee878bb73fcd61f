// Package media provides file-backed local capture: VP8 from IVF files and
// Opus from Ogg files, looped while the call lasts.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// FileSource acquires one audio and one video track per call. A kind with no
// file configured still gets a track; it stays silent.
type FileSource struct {
	VideoPath string
	AudioPath string
}

var _ core.MediaSource = (*FileSource)(nil)

func openIVFReader(r io.Reader) (frameReader, error) { return openIVF(r) }
func openOggReader(r io.Reader) (frameReader, error) { return openOgg(r) }

// probe checks path can be opened and parsed before any track is created.
func probe(path string, open func(io.Reader) (frameReader, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = open(f)
	return err
}

func (s *FileSource) Acquire(ctx context.Context) (core.LocalMedia, error) {
	type input struct {
		kind webrtc.RTPCodecType
		path string
		open func(io.Reader) (frameReader, error)
	}
	inputs := []input{
		{webrtc.RTPCodecTypeAudio, s.AudioPath, openOggReader},
		{webrtc.RTPCodecTypeVideo, s.VideoPath, openIVFReader},
	}
	for _, in := range inputs {
		if in.path == "" {
			continue
		}
		if err := probe(in.path, in.open); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrMediaAcquisitionFailed, in.path, err)
		}
	}

	streamID := "videopeers-" + uuid.NewString()[:8]
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &fileMedia{cancel: cancel}
	for _, in := range inputs {
		t, err := NewTrack(in.kind, streamID)
		if err != nil {
			m.Stop()
			return nil, fmt.Errorf("%w: %v", core.ErrMediaAcquisitionFailed, err)
		}
		m.tracks = append(m.tracks, t)
		if in.path == "" {
			continue
		}
		logger := log.With().Str("module", "media").Str("kind", in.kind.String()).Str("file", in.path).Logger()
		m.wg.Go(func() { pump(pumpCtx, t, in.path, in.open, logger) })
	}
	log.Info().Str("module", "media").Str("stream_id", streamID).Msg("local media acquired")
	return m, nil
}

type fileMedia struct {
	tracks []*Track
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

func (m *fileMedia) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *fileMedia) Stop() {
	m.once.Do(func() {
		for _, t := range m.tracks {
			t.Stop()
		}
		m.cancel()
		m.wg.Wait()
		log.Info().Str("module", "media").Msg("local media stopped")
	})
}
