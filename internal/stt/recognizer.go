package stt

import (
	"context"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Request is one chunk of mono audio to transcribe. Samples are in [-1,1].
type Request struct {
	Samples    []float32
	SampleRate int
	Language   string
	Task       Task
}

// Segment carries the per-segment statistics a recognizer reports.
// AvgLogProb is nil when the backend does not provide it.
type Segment struct {
	Text         string   `json:"text,omitempty"`
	AvgLogProb   *float64 `json:"avg_logprob,omitempty"`
	NoSpeechProb float64  `json:"no_speech_prob"`
}

// Result captures recognizer output.
type Result struct {
	Text         string    `json:"text"`
	Segments     []Segment `json:"segments,omitempty"`
	NoSpeechProb *float64  `json:"no_speech_prob,omitempty"`
}

// Recognizer abstracts STT backends. Transcribe may block for the duration of
// model inference and must honour ctx cancellation.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Float64 returns a pointer to v, for optional result fields.
func Float64(v float64) *float64 { return &v }
