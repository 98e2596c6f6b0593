package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a PCM WAV file as if it were a live device. Trailing
// silence is appended so the final utterance is flushed by the chunker.
type WAVSource struct {
	path       string
	sampleRate int
	realtime   bool
	padding    time.Duration
	logger     *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWAVSource prepares a replay of path. The file must be recorded at
// sampleRate.
func NewWAVSource(path string, sampleRate int, realtime bool, padding time.Duration, logger *slog.Logger) *WAVSource {
	return &WAVSource{
		path:       path,
		sampleRate: sampleRate,
		realtime:   realtime,
		padding:    padding,
		logger:     logger.With(slog.String("component", "wav-source")),
		done:       make(chan struct{}),
	}
}

func (w *WAVSource) Start(ctx context.Context, frameSamples int, deliver func([]float32)) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec, err := openDecoder(f, w.sampleRate)
	if err != nil {
		f.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		defer f.Close()
		if err := w.replay(ctx, dec, frameSamples, deliver); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("wav replay aborted", slogError(err))
			return
		}
		w.logger.Info("wav replay finished", slog.String("path", w.path))
	}()
	return nil
}

// Done is closed once the whole file and its padding have been delivered, or
// the replay was cancelled through Close or the Start context.
func (w *WAVSource) Done() <-chan struct{} { return w.done }

func (w *WAVSource) Close() error {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
	})
	return nil
}

func (w *WAVSource) replay(ctx context.Context, dec *wav.Decoder, frameSamples int, deliver func([]float32)) error {
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	frameDur := time.Duration(frameSamples) * time.Second / time.Duration(w.sampleRate)

	var tick <-chan time.Time
	if w.realtime {
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()
		tick = ticker.C
	}
	emit := func(frame []float32) {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() == nil {
			deliver(frame)
		}
	}

	rb := NewReblocker(frameSamples)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: w.sampleRate},
		Data:   make([]int, frameSamples*channels),
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := dec.PCMBuffer(buf)
		if n > 0 {
			rb.Feed(downmix(buf.Data[:n], channels, bitDepth), emit)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 || err != nil {
			break
		}
	}
	rb.Flush(emit)

	padFrames := int(w.padding / frameDur)
	for i := 0; i < padFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(make([]float32, frameSamples))
	}
	return ctx.Err()
}

// ReadWAV decodes a whole file into mono float32 samples.
func ReadWAV(path string, sampleRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	dec, err := openDecoder(f, sampleRate)
	if err != nil {
		return nil, err
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return downmix(buf.Data, int(dec.NumChans), int(dec.BitDepth)), nil
}

func openDecoder(f *os.File, sampleRate int) (*wav.Decoder, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", f.Name())
	}
	if int(dec.SampleRate) != sampleRate {
		return nil, fmt.Errorf("wav sample rate %d does not match capture rate %d", dec.SampleRate, sampleRate)
	}
	if dec.NumChans == 0 {
		return nil, errors.New("wav has no channels")
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	return dec, nil
}

// downmix averages interleaved integer samples to mono in [-1,1].
func downmix(data []int, channels, bitDepth int) []float32 {
	if channels < 1 {
		channels = 1
	}
	scale := float64(int64(1) << (bitDepth - 1))
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			v := float64(data[i*channels+c])
			if bitDepth == 8 {
				v -= 128
			}
			sum += v / scale
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}
