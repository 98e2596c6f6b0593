// Package capture turns a live frame source into a stream of transcribed,
// distress-screened utterances.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-guard/internal/chunker"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/distress"
	"github.com/loqalabs/loqa-guard/internal/dsp"
	"github.com/loqalabs/loqa-guard/internal/protocol"
	"github.com/loqalabs/loqa-guard/internal/stt"
	"github.com/loqalabs/loqa-guard/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrClosed is returned by Start once the session has been stopped.
	ErrClosed = errors.New("capture session closed")
	// ErrStopped is returned by blocking reads after Stop.
	ErrStopped = errors.New("capture session stopped")
)

const tracerName = "github.com/loqalabs/loqa-guard/internal/capture"

// Options carries the recognizer settings applied to every chunk.
type Options struct {
	Language string
	Task     stt.Task
	Timeout  time.Duration
}

// Detector screens transcripts for distress language. *distress.Detector
// satisfies it.
type Detector interface {
	Detect(text string) distress.Detection
}

// Transcript is one processed chunk together with its chunk metadata.
type Transcript struct {
	Output     protocol.Output
	Kind       chunker.Kind
	DurationMS float64
	Utterance  uint64
}

// Session wires a frame source through conditioning, voice activity
// detection and chunking into the recognizer and distress detector.
//
// The source callback is the only producer and runs the conditioner. The
// goroutine calling NextChunk, Next or Listen is the only consumer and owns
// the VAD and chunker.
type Session struct {
	cfg        config.CaptureConfig
	opts       Options
	source     Source
	recognizer stt.Recognizer
	detector   Detector
	logger     *slog.Logger
	tracer     trace.Tracer

	frameSamples int
	idleSleep    time.Duration

	conditioner *dsp.Conditioner
	vad         *vad.Detector
	chunker     *chunker.Chunker
	queue       *frameQueue

	mu        sync.Mutex
	started   bool
	stopped   bool
	listening atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once

	failures   atomic.Uint64
	noiseFloor atomic.Uint64
}

// New builds a session. The source is not touched until Start.
func New(cfg config.CaptureConfig, opts Options, source Source, recognizer stt.Recognizer, detector Detector, logger *slog.Logger) *Session {
	frameSamples := cfg.SampleRate * cfg.FrameMS / 1000
	s := &Session{
		cfg:          cfg,
		opts:         opts,
		source:       source,
		recognizer:   recognizer,
		detector:     detector,
		logger:       logger.With(slog.String("component", "capture")),
		tracer:       otel.Tracer(tracerName),
		frameSamples: frameSamples,
		idleSleep:    time.Duration(max(1, cfg.IdleSleepMS)) * time.Millisecond,
		conditioner:  dsp.NewConditioner(cfg.SampleRate, cfg.HighpassHz, cfg.Preemph),
		vad:          vad.New(cfg.EnergyFactor),
		chunker: chunker.New(
			chunker.FramesFor(cfg.MinChunkMS, cfg.FrameMS),
			chunker.FramesFor(cfg.SilenceMS, cfg.FrameMS),
		),
		queue: newFrameQueue(cfg.QueueFrames),
		done:  make(chan struct{}),
	}
	s.storeNoiseFloor()
	return s
}

// FrameSamples is the number of samples per frame.
func (s *Session) FrameSamples() int { return s.frameSamples }

// Start acquires the frame source. It is a no-op while started and fails
// with ErrClosed after Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if s.source == nil {
		return errors.New("capture source not configured")
	}
	if err := s.source.Start(ctx, s.frameSamples, s.deliver); err != nil {
		return fmt.Errorf("start capture source: %w", err)
	}
	s.started = true
	s.logger.Info("capture started",
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("frame_samples", s.frameSamples),
		slog.Int("queue_frames", s.cfg.QueueFrames))
	return nil
}

// Stop releases the source exactly once. It is safe to call at any time and
// from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		close(s.done)
		s.mu.Unlock()

		if started && s.source != nil {
			if err := s.source.Close(); err != nil {
				s.logger.Warn("capture source close failed", slogError(err))
			}
		}
		s.logger.Info("capture stopped", slog.Uint64("dropped_frames", s.queue.Dropped()))
	})
}

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver runs on the source goroutine.
func (s *Session) deliver(frame []float32) {
	if s.Stopped() || len(frame) == 0 {
		return
	}
	conditioned := s.conditioner.Apply(frame)
	if evicted := s.queue.push(conditioned); evicted > 0 {
		if n := s.queue.Dropped(); n == uint64(evicted) || n%100 == 0 {
			s.logger.Warn("capture queue full, dropping oldest frames", slog.Uint64("dropped_total", n))
		}
	}
}

// NextChunk blocks until the chunker emits a chunk. Empty polls are retried
// every idle_sleep_ms.
func (s *Session) NextChunk(ctx context.Context) (chunker.Chunk, error) {
	timer := time.NewTimer(s.idleSleep)
	defer timer.Stop()
	for {
		if s.Stopped() {
			return chunker.Chunk{}, ErrStopped
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.idleSleep)

		var frame []float32
		select {
		case frame = <-s.queue.ch:
		case <-timer.C:
			continue
		case <-s.done:
			return chunker.Chunk{}, ErrStopped
		case <-ctx.Done():
			return chunker.Chunk{}, ctx.Err()
		}
		if s.Stopped() {
			return chunker.Chunk{}, ErrStopped
		}

		decision := s.vad.Classify(frame)
		if !decision.Voiced {
			s.storeNoiseFloor()
		}
		if chunk, ok := s.chunker.Push(frame, decision.Voiced); ok {
			return chunk, nil
		}
	}
}

// Next blocks until a chunk has been transcribed and screened. Chunks whose
// transcription fails are logged, counted and skipped.
func (s *Session) Next(ctx context.Context) (Transcript, error) {
	for {
		chunk, err := s.NextChunk(ctx)
		if err != nil {
			return Transcript{}, err
		}
		out, err := s.transcribe(ctx, chunk.Samples, chunk.Kind)
		if err != nil {
			if ctx.Err() != nil {
				return Transcript{}, ctx.Err()
			}
			s.failures.Add(1)
			s.logger.Warn("transcription failed, dropping chunk",
				slog.String("chunk", string(chunk.Kind)),
				slog.Int("frames", chunk.Frames),
				slogError(err))
			continue
		}
		if s.Stopped() {
			return Transcript{}, ErrStopped
		}
		return Transcript{
			Output:     out,
			Kind:       chunk.Kind,
			DurationMS: float64(len(chunk.Samples)) * 1000 / float64(s.cfg.SampleRate),
			Utterance:  chunk.Utterance,
		}, nil
	}
}

// Listen streams outputs until Stop or ctx cancellation closes the channel.
// A session can be listened to once.
func (s *Session) Listen(ctx context.Context) <-chan protocol.Output {
	out := make(chan protocol.Output)
	if !s.listening.CompareAndSwap(false, true) {
		s.logger.Warn("capture session already has a listener")
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for {
			t, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrStopped) && ctx.Err() == nil {
					s.logger.Error("capture listen aborted", slogError(err))
				}
				return
			}
			select {
			case out <- t.Output:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Process transcribes an in-memory buffer in one shot, bypassing the VAD and
// chunker. An empty buffer yields the zero output without a recognizer call.
func (s *Session) Process(ctx context.Context, samples []float32) (protocol.Output, error) {
	if len(samples) == 0 {
		return protocol.Output{}, nil
	}
	return s.transcribe(ctx, samples, chunker.Final)
}

func (s *Session) transcribe(ctx context.Context, samples []float32, kind chunker.Kind) (protocol.Output, error) {
	if len(samples) == 0 {
		return protocol.Output{}, nil
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "capture.transcribe",
		trace.WithAttributes(
			attribute.String("chunk.kind", string(kind)),
			attribute.Int("chunk.samples", len(samples)),
		))
	defer span.End()

	start := time.Now()
	result, err := s.recognizer.Transcribe(ctx, stt.Request{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Language:   s.opts.Language,
		Task:       s.opts.Task,
	})
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return protocol.Output{}, err
	}

	out := protocol.Output{
		Transcription: strings.TrimSpace(result.Text),
		Confidence:    stt.Confidence(result),
		LatencyMS:     latency,
	}
	if out.Transcription != "" {
		det := s.screen(out.Transcription)
		out.EmergencyFlag = det.Flag
		out.TriggerReason = det.Reason
	}
	span.SetAttributes(
		attribute.Float64("transcript.confidence", out.Confidence),
		attribute.Bool("transcript.emergency", out.EmergencyFlag),
	)
	return out, nil
}

// screen runs the detector, treating a panic as no distress.
func (s *Session) screen(text string) (det distress.Detection) {
	if s.detector == nil {
		return distress.Detection{}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("distress detector panicked", slog.Any("panic", r))
			det = distress.Detection{}
		}
	}()
	return s.detector.Detect(text)
}

// Failures is the number of chunks dropped after a recognizer error.
func (s *Session) Failures() uint64 { return s.failures.Load() }

// DroppedFrames is the number of frames evicted from a full queue.
func (s *Session) DroppedFrames() uint64 { return s.queue.Dropped() }

// NoiseFloor is the latest noise floor estimate. It is safe to call from any
// goroutine.
func (s *Session) NoiseFloor() float64 {
	return math.Float64frombits(s.noiseFloor.Load())
}

func (s *Session) storeNoiseFloor() {
	s.noiseFloor.Store(math.Float64bits(s.vad.NoiseFloor()))
}
