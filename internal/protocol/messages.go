package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices. PCM is
// little-endian 16-bit, interleaved when Channels > 1.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Output is the unit emitted downstream, one per processed chunk.
type Output struct {
	Transcription string  `json:"transcription"`
	Confidence    float64 `json:"confidence"`
	LatencyMS     float64 `json:"latency_ms"`
	EmergencyFlag bool    `json:"emergency_flag"`
	TriggerReason string  `json:"trigger_reason"`
}

// GuardEvent wraps an Output for the bus and the event store.
type GuardEvent struct {
	SessionID  string    `json:"session_id"`
	Chunk      string    `json:"chunk"`
	DurationMS float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	Output
}

// Presence is the announce/heartbeat payload a guard publishes about itself.
type Presence struct {
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source,omitempty"`
	Language   string    `json:"language,omitempty"`
	Outputs    uint64    `json:"outputs"`
	Alerts     uint64    `json:"alerts"`
	NoiseFloor float64   `json:"noise_floor"`
	Healthy    bool      `json:"healthy"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptPrefix = "guard.transcript"
	SubjectInterim          = "guard.transcript.interim"
	SubjectFinal            = "guard.transcript.final"
	SubjectAlert            = "guard.alert"

	SubjectPresenceAnnounce        = "guard.presence.announce"
	SubjectPresenceHeartbeatPrefix = "guard.presence.heartbeat"
)

// AudioFrameSubject is the subject a device publishes its frames on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// TranscriptSubject maps a chunk kind to its outbound subject.
func TranscriptSubject(kind string) string {
	return SubjectTranscriptPrefix + "." + kind
}

// PresenceHeartbeatSubject is the per-session heartbeat subject.
func PresenceHeartbeatSubject(sessionID string) string {
	return SubjectPresenceHeartbeatPrefix + "." + sessionID
}
