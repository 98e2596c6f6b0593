package stt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-guard/internal/config"
)

// New builds the recognizer selected by cfg.Mode. Errors here are
// configuration errors: the session must not start.
func New(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	var (
		rec Recognizer
		err error
	)
	switch cfg.Mode {
	case "", "mock":
		rec = NewMockRecognizer()
	case "exec":
		rec, err = NewExecRecognizer(cfg)
	case "http":
		rec, err = NewHTTPRecognizer(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	case "whisper":
		rec, err = newWhisperRecognizer(cfg.ModelPath)
	default:
		err = fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("stt %s: %w", cfg.Mode, err)
	}
	logger.Info("recognizer ready", slog.String("mode", modeName(cfg.Mode)))
	return rec, nil
}

// TaskFromConfig maps the configured task string, defaulting to transcribe.
func TaskFromConfig(task string) Task {
	if task == string(TaskTranslate) {
		return TaskTranslate
	}
	return TaskTranscribe
}

func modeName(mode string) string {
	if mode == "" {
		return "mock"
	}
	return mode
}
