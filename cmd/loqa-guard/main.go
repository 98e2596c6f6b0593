package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-guard/internal/capture"
	"github.com/loqalabs/loqa-guard/internal/capture/mic"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/distress"
	"github.com/loqalabs/loqa-guard/internal/eventstore"
	"github.com/loqalabs/loqa-guard/internal/stt"
)

var version = "0.1.0-dev"

const usage = "expected 'transcribe', 'record', 'detect', 'alerts' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "record":
		err = runRecord(ctx, os.Args[2:])
	case "detect":
		err = runDetect(os.Args[2:])
	case "alerts":
		err = runAlerts(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTranscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	file := fs.String("file", "", "Path to a WAV file")
	configPath := fs.String("config", "", "Path to configuration file")
	verbose := fs.Bool("v", false, "Log to stderr")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("transcribe: -file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*verbose)
	samples, err := capture.ReadWAV(*file, cfg.Capture.SampleRate)
	if err != nil {
		return err
	}
	return processAndPrint(ctx, cfg, samples, logger)
}

func runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	seconds := fs.Float64("seconds", 5, "Recording length")
	configPath := fs.String("config", "", "Path to configuration file")
	verbose := fs.Bool("v", false, "Log to stderr")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*verbose)
	d := time.Duration(*seconds * float64(time.Second))
	fmt.Fprintf(os.Stderr, "recording %s...\n", d)
	samples, err := mic.Record(ctx, cfg.Capture.SampleRate, d, logger)
	if err != nil {
		return err
	}
	return processAndPrint(ctx, cfg, samples, logger)
}

func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	text := fs.String("text", "", "Transcript to screen")
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	det := newDetector(cfg).Detect(*text)
	return printJSON(os.Stdout, struct {
		Flag      bool    `json:"emergency_flag"`
		Reason    string  `json:"trigger_reason"`
		Score     float64 `json:"score"`
		Category  string  `json:"category,omitempty"`
		Candidate string  `json:"candidate,omitempty"`
	}{det.Flag, det.Reason, det.Score, det.Category, det.Candidate})
}

func processAndPrint(ctx context.Context, cfg config.Config, samples []float32, logger *slog.Logger) error {
	recognizer, err := stt.New(cfg.STT, logger)
	if err != nil {
		return err
	}
	session := capture.New(cfg.Capture, capture.Options{
		Language: cfg.STT.Language,
		Task:     stt.TaskFromConfig(cfg.STT.Task),
		Timeout:  time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
	}, nil, recognizer, newDetector(cfg), logger)
	out, err := session.Process(ctx, samples)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, out)
}

type alertView struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	EventID       int64     `json:"event_id,omitempty"`
	Transcription string    `json:"transcription"`
	Reason        string    `json:"trigger_reason"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// runAlerts prints the newest alerts from the audit log, or the events of one
// session when -session is set.
func runAlerts(ctx context.Context, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("alerts", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dbPath := fs.String("db", "", "Event store path (overrides event_store.path)")
	limit := fs.Int("limit", 20, "Maximum rows to print")
	session := fs.String("session", "", "Print the events of this session instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.EventStore.Path = *dbPath
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return fmt.Errorf("alerts: event store is ephemeral, nothing is recorded")
	}
	if _, err := os.Stat(cfg.EventStore.Path); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	store, err := eventstore.Open(ctx, cfg.EventStore, newLogger(false))
	if err != nil {
		return err
	}
	defer store.Close()

	if *session != "" {
		events, err := store.ListSessionEvents(ctx, *session, *limit)
		if err != nil {
			return err
		}
		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{ID: e.ID, Type: e.Type, Payload: json.RawMessage(e.Payload), CreatedAt: e.CreatedAt})
		}
		return printJSON(w, views)
	}

	alerts, err := store.RecentAlerts(ctx, *limit)
	if err != nil {
		return err
	}
	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, alertView(a))
	}
	return printJSON(w, views)
}

func newDetector(cfg config.Config) *distress.Detector {
	return distress.New(distress.NewConfig(
		cfg.Distress.Keywords,
		cfg.Distress.Phrases,
		cfg.Distress.Threshold,
		distress.Matcher(cfg.Distress.Matcher),
	))
}

func newLogger(verbose bool) *slog.Logger {
	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
