package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-guard/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes protocol.AudioFrame messages published by remote
// devices on audio.frame.<session>.
type BusSource struct {
	conn       *nats.Conn
	sessionID  string
	sampleRate int
	logger     *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusSource(conn *nats.Conn, sessionID string, sampleRate int, logger *slog.Logger) *BusSource {
	return &BusSource{
		conn:       conn,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "bus-source"), slog.String("session_id", sessionID)),
	}
}

// Subject is the subject the source listens on.
func (b *BusSource) Subject() string {
	return protocol.AudioFrameSubject(b.sessionID)
}

// Start subscribes to the session subject. NATS delivers messages for one
// subscription sequentially, so deliver is never called concurrently.
func (b *BusSource) Start(_ context.Context, frameSamples int, deliver func([]float32)) error {
	if b.conn == nil {
		return errors.New("bus source requires a NATS connection")
	}
	if b.sessionID == "" {
		return errors.New("bus source requires a session id")
	}
	rb := NewReblocker(frameSamples)
	sub, err := b.conn.Subscribe(b.Subject(), func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			b.logger.Warn("failed to decode audio frame", slogError(err))
			return
		}
		if frame.SampleRate != 0 && frame.SampleRate != b.sampleRate {
			b.logger.Warn("dropping audio frame with mismatched sample rate",
				slog.Int("sample_rate", frame.SampleRate),
				slog.Int("sequence", frame.Sequence))
			return
		}
		rb.Feed(decodePCM16(frame.PCM, frame.Channels), deliver)
		if frame.Final {
			rb.Flush(deliver)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.Subject(), err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.logger.Info("bus source subscribed", slog.String("subject", b.Subject()))
	return nil
}

func (b *BusSource) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// decodePCM16 converts little-endian 16-bit PCM to mono float32.
func decodePCM16(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	samples := len(pcm) / 2
	out := make([]float32, samples/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodePCM16 is the inverse of decodePCM16 for mono audio. Devices and tests
// use it to build AudioFrame payloads.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := max(-1, min(1, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
