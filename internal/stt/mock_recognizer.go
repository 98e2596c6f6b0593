package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockRecognizer returns scripted results in order, then falls back to a
// descriptive placeholder. It is safe for concurrent use.
type MockRecognizer struct {
	mu      sync.Mutex
	script  []MockReply
	calls   int
	lastReq Request
}

// MockReply is one scripted response.
type MockReply struct {
	Result Result
	Err    error
}

func NewMockRecognizer(script ...MockReply) *MockRecognizer {
	return &MockRecognizer{script: script}
}

func (m *MockRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	idx := m.calls
	m.calls++
	if idx < len(m.script) {
		reply := m.script[idx]
		return reply.Result, reply.Err
	}
	ms := 0
	if req.SampleRate > 0 {
		ms = len(req.Samples) * 1000 / req.SampleRate
	}
	return Result{
		Text:     fmt.Sprintf("[mock transcript %dms]", ms),
		Segments: []Segment{{AvgLogProb: Float64(0), NoSpeechProb: 0}},
	}, nil
}

// Calls reports how many times Transcribe was invoked.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request.
func (m *MockRecognizer) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}
