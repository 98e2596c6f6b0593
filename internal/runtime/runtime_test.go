package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-guard/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeSilentWAV(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
		Data:           make([]int, 16000),
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestRuntimeServesHealthAndMetrics(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "room.wav")
	writeSilentWAV(t, wavPath)

	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Telemetry.PrometheusBind = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.Telemetry.TraceExporter = "none"
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(dir, "guard.db")
	cfg.Capture.Source = "wav"
	cfg.Capture.WAVPath = wavPath
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := New(cfg, newLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	waitFor(t, base+"/readyz", http.StatusOK)
	waitFor(t, base+"/healthz", http.StatusOK)

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "guard_vad_noise_floor") {
		t.Fatalf("expected guard metrics in scrape, got:\n%s", body)
	}
	waitFor(t, "http://"+cfg.Telemetry.PrometheusBind+"/metrics", http.StatusOK)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.Ready(context.Background()) {
		t.Fatal("stopped runtime must not be ready")
	}
}

func TestRuntimeRejectsBadRecognizer(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = "none"
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.STT.Mode = "exec"
	cfg.STT.Command = "definitely-not-a-real-binary-xyz"

	rt := New(cfg, newLogger())
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected recognizer configuration error")
	}
}

func waitFor(t *testing.T, url string, status int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == status {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s never returned %d", url, status)
}
