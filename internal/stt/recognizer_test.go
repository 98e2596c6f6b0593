package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-guard/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFloatToPCM16Clamps(t *testing.T) {
	got := floatToPCM16([]float32{0, 1, -1, 2, -2, 0.5})
	want := []int{0, 32767, -32767, 32767, -32767, 16384}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestWriteTempWAVRoundTrip(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.25
	}
	path, err := writeTempWAV(samples, 16000)
	if err != nil {
		t.Fatalf("write wav: %v", err)
	}
	t.Cleanup(func() { os.Remove(path) })

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format %d/%d/%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Data))
	}
}

func TestMockRecognizerScript(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockRecognizer(
		MockReply{Result: Result{Text: "first"}},
		MockReply{Err: boom},
	)
	ctx := context.Background()
	req := Request{Samples: make([]float32, 16000), SampleRate: 16000}

	r, err := m.Transcribe(ctx, req)
	if err != nil || r.Text != "first" {
		t.Fatalf("unexpected first reply %+v %v", r, err)
	}
	if _, err := m.Transcribe(ctx, req); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	r, err = m.Transcribe(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != "[mock transcript 1000ms]" {
		t.Fatalf("unexpected fallback text %q", r.Text)
	}
	if m.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", m.Calls())
	}
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script recognizer")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-whisper")
	argsFile := filepath.Join(dir, "args")
	body := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		`echo '{"text":" help me ","segments":[{"avg_logprob":-0.1,"no_speech_prob":0.02}]}'` + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	rec, err := NewExecRecognizer(config.STTConfig{Command: script + " --json", ModelPath: "base.bin"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), Request{
		Samples:    make([]float32, 480),
		SampleRate: 16000,
		Language:   "en",
		Task:       TaskTranslate,
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != " help me " || len(res.Segments) != 1 || *res.Segments[0].AvgLogProb != -0.1 {
		t.Fatalf("unexpected result %+v", res)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--json", "--audio", "--model base.bin", "--language en", "--task translate"} {
		if !strings.Contains(string(args), want) {
			t.Fatalf("expected %q in args %q", want, args)
		}
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecRecognizer(config.STTConfig{Command: "definitely-not-a-binary-xyz"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestHTTPRecognizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("response_format") != "verbose_json" || r.FormValue("language") != "en" {
			http.Error(w, "bad fields", http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "call the police",
			"segments": []map[string]any{
				{"text": "call the police", "avg_logprob": -0.2, "no_speech_prob": 0.1},
				{"text": "", "no_speech_prob": 0.9},
			},
		})
	}))
	defer srv.Close()

	rec, err := NewHTTPRecognizer(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("new http recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), Request{Samples: make([]float32, 480), SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "call the police" || len(res.Segments) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Segments[1].AvgLogProb != nil {
		t.Fatalf("expected missing logprob to stay nil")
	}
}

func TestHTTPRecognizerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec, err := NewHTTPRecognizer(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Transcribe(context.Background(), Request{Samples: make([]float32, 10), SampleRate: 16000}); err == nil {
		t.Fatal("expected error on HTTP 503")
	}
}

func TestNewSelectsMode(t *testing.T) {
	rec, err := New(config.STTConfig{Mode: "mock"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rec.(*MockRecognizer); !ok {
		t.Fatalf("expected mock recognizer, got %T", rec)
	}
	for _, cfg := range []config.STTConfig{
		{Mode: "bogus"},
		{Mode: "http"},
		{Mode: "http", Endpoint: "ftp://nope"},
		{Mode: "exec"},
	} {
		if _, err := New(cfg, newLogger()); err == nil {
			t.Fatalf("expected configuration error for %+v", cfg)
		}
	}
}

func TestTaskFromConfig(t *testing.T) {
	if TaskFromConfig("translate") != TaskTranslate {
		t.Fatal("expected translate")
	}
	if TaskFromConfig("") != TaskTranscribe || TaskFromConfig("transcribe") != TaskTranscribe {
		t.Fatal("expected transcribe default")
	}
}
