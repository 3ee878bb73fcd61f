package media

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

// frameReader yields the next sample of a looping file.
type frameReader interface {
	next() ([]byte, time.Duration, error)
}

type ivfFrames struct {
	r     *ivfreader.IVFReader
	frame time.Duration
}

func openIVF(f io.Reader) (*ivfFrames, error) {
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	frame := 33 * time.Millisecond
	if h.TimebaseDenominator != 0 && h.TimebaseNumerator != 0 {
		frame = time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
	}
	return &ivfFrames{r: r, frame: frame}, nil
}

func (v *ivfFrames) next() ([]byte, time.Duration, error) {
	data, _, err := v.r.ParseNextFrame()
	return data, v.frame, err
}

type oggFrames struct {
	r       *oggreader.OggReader
	granule uint64
}

func openOgg(f io.Reader) (*oggFrames, error) {
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	return &oggFrames{r: r}, nil
}

func (o *oggFrames) next() ([]byte, time.Duration, error) {
	data, h, err := o.r.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	samples := h.GranulePosition - o.granule
	o.granule = h.GranulePosition
	// Opus granule positions count 48kHz samples.
	return data, time.Duration(float64(samples)/48000*float64(time.Second)), nil
}

// pump streams path into t until ctx is done or the track is stopped, looping
// at end of file.
func pump(ctx context.Context, t *Track, path string, open func(io.Reader) (frameReader, error), logger zerolog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error().Err(err).Msg("pump open")
		return
	}
	defer f.Close()

	fr, err := open(f)
	if err != nil {
		logger.Error().Err(err).Msg("pump parse header")
		return
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	read := 0
	for {
		data, dur, err := fr.next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if read == 0 {
				logger.Warn().Msg("no frames in file, stopping")
				return
			}
			read = 0
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				logger.Error().Err(err).Msg("pump rewind")
				return
			}
			if fr, err = open(f); err != nil {
				logger.Error().Err(err).Msg("pump reopen")
				return
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("pump read, stopping")
			return
		}
		read++
		if dur <= 0 {
			continue
		}
		ticker.Reset(dur)

		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		case <-ticker.C:
		}

		switch t.GetState() {
		case TrackStateStopped:
			logger.Debug().Msg("track stopped")
			return
		case TrackStateMuted:
		case TrackStateOk:
			if err := t.local.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
				logger.Warn().Err(err).Msg("write sample")
			}
		}
	}
}
