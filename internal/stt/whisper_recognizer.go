//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperRecognizer runs whisper.cpp in-process. The model is loaded once;
// each call creates its own context so calls may run concurrently.
type whisperRecognizer struct {
	model whisperlib.Model
}

func newWhisperRecognizer(modelPath string) (Recognizer, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper model: %w", err)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}
	return &whisperRecognizer{model: model}, nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("whisper context: %w", err)
	}
	lang := req.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("whisper language %q: %w", lang, err)
	}
	wctx.SetTranslate(req.Task == TaskTranslate)

	// The encoder callback aborts inference by returning false.
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(req.Samples, proceed, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var result Result
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("whisper segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
		// The bindings expose per-token probabilities but no no-speech
		// probability, so the segment log-probability is averaged from tokens.
		var sum float64
		var n int
		for _, tok := range segment.Tokens {
			if tok.P <= 0 || strings.HasPrefix(tok.Text, "[_") {
				continue
			}
			sum += math.Log(float64(tok.P))
			n++
		}
		seg := Segment{Text: text}
		if n > 0 {
			seg.AvgLogProb = Float64(sum / float64(n))
		}
		result.Segments = append(result.Segments, seg)
	}
	result.Text = strings.Join(parts, " ")
	return result, nil
}
