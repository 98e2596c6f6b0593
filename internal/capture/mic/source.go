// Package mic captures the default input device through miniaudio.
package mic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-guard/internal/capture"
)

// Source is a capture.Source backed by the default microphone, opened as
// mono float32 at the session sample rate.
type Source struct {
	sampleRate int
	logger     *slog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	started bool
}

var _ capture.Source = (*Source)(nil)

func New(sampleRate int, logger *slog.Logger) *Source {
	return &Source{
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "mic")),
	}
}

// Start opens and starts the device. miniaudio invokes the data callback from
// its own audio thread; frames are re-blocked there and handed to deliver.
func (s *Source) Start(_ context.Context, frameSamples int, deliver func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("microphone already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		s.logger.Debug("miniaudio", slog.String("message", msg))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(s.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	rb := capture.NewReblocker(frameSamples)
	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		n := min(int(framecount), len(pSample)/4)
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:]))
		}
		rb.Feed(samples, deliver)
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		freeContext(mctx)
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return fmt.Errorf("start capture device: %w", err)
	}

	s.mctx = mctx
	s.device = device
	s.started = true
	s.logger.Info("microphone started", slog.Int("sample_rate", s.sampleRate))
	return nil
}

// Close stops the device and frees the audio context. Calling it more than
// once is harmless.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	var err error
	if s.device != nil {
		err = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	if s.mctx != nil {
		freeContext(s.mctx)
		s.mctx = nil
	}
	s.logger.Info("microphone stopped")
	return err
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// Record captures d of audio from the default microphone and returns it as a
// single mono buffer.
func Record(ctx context.Context, sampleRate int, d time.Duration, logger *slog.Logger) ([]float32, error) {
	want := int(d.Seconds() * float64(sampleRate))
	if want <= 0 {
		return nil, errors.New("record duration must be positive")
	}
	frameSamples := max(1, sampleRate/100)
	var (
		mu  sync.Mutex
		out = make([]float32, 0, want)
	)
	full := make(chan struct{})
	var once sync.Once

	src := New(sampleRate, logger)
	if err := src.Start(ctx, frameSamples, func(frame []float32) {
		mu.Lock()
		defer mu.Unlock()
		if len(out) >= want {
			return
		}
		out = append(out, frame[:min(len(frame), want-len(out))]...)
		if len(out) >= want {
			once.Do(func() { close(full) })
		}
	}); err != nil {
		return nil, err
	}
	defer src.Close()

	select {
	case <-full:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d + 5*time.Second):
		return nil, errors.New("microphone delivered no audio")
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]float32(nil), out...), nil
}
