package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-guard/internal/chunker"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/distress"
	"github.com/loqalabs/loqa-guard/internal/protocol"
	"github.com/loqalabs/loqa-guard/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.CaptureConfig {
	return config.Default().Capture
}

type fakeSource struct {
	mu           sync.Mutex
	deliver      func([]float32)
	frameSamples int
	startErr     error
	starts       int
	closes       int
}

func (f *fakeSource) Start(_ context.Context, frameSamples int, deliver func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.deliver = deliver
	f.frameSamples = frameSamples
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) push(frames ...[]float32) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	for _, fr := range frames {
		deliver(fr)
	}
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.closes
}

// tone returns n frames of a 1 kHz sine that ends on a zero crossing.
func tone(n, frameSamples, sampleRate int, amp float64) [][]float32 {
	frames := make([][]float32, n)
	idx := 0
	for i := range frames {
		fr := make([]float32, frameSamples)
		for j := range fr {
			fr[j] = float32(amp * math.Sin(2*math.Pi*1000*float64(idx)/float64(sampleRate)))
			idx++
		}
		frames[i] = fr
	}
	return frames
}

func silence(n, frameSamples int) [][]float32 {
	frames := make([][]float32, n)
	for i := range frames {
		frames[i] = make([]float32, frameSamples)
	}
	return frames
}

// utterance is leading silence, 600 ms of tone and enough silence to close it.
func utterance(frameSamples, sampleRate int) [][]float32 {
	var frames [][]float32
	frames = append(frames, silence(10, frameSamples)...)
	frames = append(frames, tone(20, frameSamples, sampleRate, 0.3)...)
	frames = append(frames, silence(40, frameSamples)...)
	return frames
}

func reply(text string) stt.MockReply {
	return stt.MockReply{Result: stt.Result{
		Text:     text,
		Segments: []stt.Segment{{AvgLogProb: stt.Float64(0)}},
	}}
}

func newSession(t *testing.T, src Source, rec stt.Recognizer) *Session {
	t.Helper()
	det := distress.New(distress.NewConfig(nil, nil, distress.DefaultThreshold, distress.MatcherSequence))
	s := New(testConfig(), Options{Task: stt.TaskTranscribe}, src, rec, det, newLogger())
	t.Cleanup(s.Stop)
	return s
}

func TestQueueDropsOldest(t *testing.T) {
	q := newFrameQueue(3)
	for i := 0; i < 5; i++ {
		q.push([]float32{float32(i)})
	}
	if q.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", q.Dropped())
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued frames, got %d", q.Len())
	}
	for want := 2; want < 5; want++ {
		got := <-q.ch
		if got[0] != float32(want) {
			t.Fatalf("expected frame %d, got %v", want, got[0])
		}
	}
}

func TestReblocker(t *testing.T) {
	rb := NewReblocker(2)
	var frames [][]float32
	emit := func(f []float32) { frames = append(frames, f) }
	rb.Feed([]float32{1, 2, 3}, emit)
	rb.Feed([]float32{4, 5}, emit)
	rb.Flush(emit)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[1][0] != 3 || frames[1][1] != 4 {
		t.Fatalf("unexpected second frame %v", frames[1])
	}
	if frames[2][0] != 5 || frames[2][1] != 0 {
		t.Fatalf("expected zero padded tail, got %v", frames[2])
	}
}

func TestSessionLifecycle(t *testing.T) {
	src := &fakeSource{}
	s := newSession(t, src, stt.NewMockRecognizer())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if src.frameSamples != 480 {
		t.Fatalf("expected 480 samples per frame, got %d", src.frameSamples)
	}

	s.Stop()
	s.Stop()
	starts, closes := src.counts()
	if starts != 1 || closes != 1 {
		t.Fatalf("expected one start and one close, got %d/%d", starts, closes)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.NextChunk(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	src := &fakeSource{}
	s := newSession(t, src, stt.NewMockRecognizer())
	s.Stop()
	if _, closes := src.counts(); closes != 0 {
		t.Fatalf("an unstarted source must not be closed, got %d closes", closes)
	}
}

func TestSessionStartError(t *testing.T) {
	boom := errors.New("device busy")
	src := &fakeSource{startErr: boom}
	s := newSession(t, src, stt.NewMockRecognizer())
	if err := s.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped start error, got %v", err)
	}
}

func TestSessionSilenceNeverEmits(t *testing.T) {
	src := &fakeSource{}
	rec := stt.NewMockRecognizer()
	s := newSession(t, src, rec)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.push(silence(300, 480)...)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := s.NextChunk(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if rec.Calls() != 0 {
		t.Fatalf("recognizer must not be called on silence")
	}
	if s.NoiseFloor() >= 1e-4 {
		t.Fatalf("expected noise floor to decay on silence, got %v", s.NoiseFloor())
	}
}

func TestSessionNextFinalOutput(t *testing.T) {
	src := &fakeSource{}
	rec := stt.NewMockRecognizer(reply("  I need help please  "))
	s := newSession(t, src, rec)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.push(utterance(480, 16000)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != chunker.Final {
		t.Fatalf("expected final chunk, got %s", got.Kind)
	}
	if got.Output.Transcription != "I need help please" {
		t.Fatalf("expected trimmed transcription, got %q", got.Output.Transcription)
	}
	if !got.Output.EmergencyFlag || !strings.HasPrefix(got.Output.TriggerReason, "phrase:i need help") {
		t.Fatalf("expected emergency output, got %+v", got.Output)
	}
	if got.Output.Confidence != 1 {
		t.Fatalf("expected confidence 1, got %v", got.Output.Confidence)
	}
	if got.Output.LatencyMS < 0 {
		t.Fatalf("latency must be non-negative")
	}
	if got.DurationMS < 600 || got.DurationMS > 700 {
		t.Fatalf("expected about 600ms of audio, got %v", got.DurationMS)
	}
	req := rec.LastRequest()
	if req.SampleRate != 16000 || len(req.Samples)%480 != 0 {
		t.Fatalf("unexpected request %d samples at %d Hz", len(req.Samples), req.SampleRate)
	}
}

// The high-pass filter decays for one frame after an abrupt stop. That frame
// is voiced, so a tone of exactly min_chunk_ms yields an interim one frame
// longer, and its final needs one extra frame of trailing silence.
func TestSessionConditionerTailAtChunkBoundary(t *testing.T) {
	src := &fakeSource{}
	s := newSession(t, src, stt.NewMockRecognizer())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := testConfig()
	fs := s.FrameSamples()
	minFrames := chunker.FramesFor(cfg.MinChunkMS, cfg.FrameMS)
	silenceFrames := chunker.FramesFor(cfg.SilenceMS, cfg.FrameMS)
	src.push(tone(minFrames, fs, cfg.SampleRate, 0.3)...)
	src.push(silence(silenceFrames, fs)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	interim, err := s.NextChunk(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interim.Kind != chunker.Interim || interim.Frames != minFrames+1 {
		t.Fatalf("expected interim of %d frames, got %s of %d", minFrames+1, interim.Kind, interim.Frames)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelShort()
	if _, err := s.NextChunk(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no final after %d silent frames, got %v", silenceFrames, err)
	}

	src.push(silence(1, fs)...)
	final, err := s.NextChunk(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Kind != chunker.Final || final.Frames != minFrames+1 || len(final.Samples) != (minFrames+1)*fs {
		t.Fatalf("unexpected final %s of %d frames", final.Kind, final.Frames)
	}
	if final.Utterance != interim.Utterance {
		t.Fatalf("interim and final of one utterance must share an id: %d vs %d", interim.Utterance, final.Utterance)
	}
}

func TestSessionSkipsFailedChunk(t *testing.T) {
	src := &fakeSource{}
	rec := stt.NewMockRecognizer(
		stt.MockReply{Err: errors.New("model unavailable")},
		reply("the kettle is boiling"),
	)
	s := newSession(t, src, rec)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.push(utterance(480, 16000)...)
	src.push(utterance(480, 16000)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Output.Transcription != "the kettle is boiling" || got.Output.EmergencyFlag {
		t.Fatalf("unexpected output %+v", got.Output)
	}
	if s.Failures() != 1 || rec.Calls() != 2 {
		t.Fatalf("expected one failure over two calls, got %d/%d", s.Failures(), rec.Calls())
	}
}

type panicDetector struct{}

func (panicDetector) Detect(string) distress.Detection { panic("boom") }

func TestSessionRecoversDetectorPanic(t *testing.T) {
	s := New(testConfig(), Options{}, &fakeSource{}, stt.NewMockRecognizer(reply("help")), panicDetector{}, newLogger())
	t.Cleanup(s.Stop)
	out, err := s.Process(context.Background(), make([]float32, 1600))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.EmergencyFlag || out.TriggerReason != "" {
		t.Fatalf("expected no distress after panic, got %+v", out)
	}
	if out.Transcription != "help" {
		t.Fatalf("unexpected transcription %q", out.Transcription)
	}
}

func TestProcessEmptyBuffer(t *testing.T) {
	rec := stt.NewMockRecognizer()
	s := newSession(t, &fakeSource{}, rec)
	out, err := s.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != (protocol.Output{}) {
		t.Fatalf("expected zero output, got %+v", out)
	}
	if rec.Calls() != 0 {
		t.Fatal("recognizer must not be called for an empty buffer")
	}
}

func TestProcessBuffer(t *testing.T) {
	rec := stt.NewMockRecognizer()
	s := newSession(t, &fakeSource{}, rec)
	out, err := s.Process(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Transcription != "[mock transcript 1000ms]" {
		t.Fatalf("unexpected transcription %q", out.Transcription)
	}
	if out.Confidence != 1 || out.EmergencyFlag {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestProcessTimeout(t *testing.T) {
	s := New(testConfig(), Options{Timeout: 20 * time.Millisecond}, &fakeSource{}, blockingRecognizer{}, nil, newLogger())
	t.Cleanup(s.Stop)
	_, err := s.Process(context.Background(), make([]float32, 160))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type blockingRecognizer struct{}

func (blockingRecognizer) Transcribe(ctx context.Context, _ stt.Request) (stt.Result, error) {
	<-ctx.Done()
	return stt.Result{}, ctx.Err()
}

func TestListenDeliversAndClosesOnStop(t *testing.T) {
	src := &fakeSource{}
	s := newSession(t, src, stt.NewMockRecognizer(reply("call the police")))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outputs := s.Listen(context.Background())
	src.push(utterance(480, 16000)...)

	select {
	case out := <-outputs:
		if !out.EmergencyFlag {
			t.Fatalf("expected emergency flag, got %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	s.Stop()
	select {
	case _, ok := <-outputs:
		if ok {
			t.Fatal("expected channel to close after stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen channel not closed after stop")
	}

	again := s.Listen(context.Background())
	if _, ok := <-again; ok {
		t.Fatal("second listener must receive a closed channel")
	}
}

func TestListenClosesOnCancel(t *testing.T) {
	s := newSession(t, &fakeSource{}, stt.NewMockRecognizer())
	ctx, cancel := context.WithCancel(context.Background())
	outputs := s.Listen(ctx)
	cancel()
	select {
	case _, ok := <-outputs:
		if ok {
			t.Fatal("unexpected output")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen channel not closed after cancel")
	}
}

func TestDeliverAfterStopIsIgnored(t *testing.T) {
	src := &fakeSource{}
	s := newSession(t, src, stt.NewMockRecognizer())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Stop()
	src.push(tone(5, 480, 16000, 0.3)...)
	if s.queue.Len() != 0 {
		t.Fatalf("frames must not be queued after stop, got %d", s.queue.Len())
	}
}
