// Package chunker turns a stream of classified frames into utterance chunks.
package chunker

import "fmt"

// State is the chunker's position in the utterance lifecycle.
type State int

const (
	Idle State = iota
	Accumulating
	TrailingSilence
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case TrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind distinguishes early partial chunks from completed utterances.
type Kind string

const (
	Interim Kind = "interim"
	Final   Kind = "final"
)

// Chunk is a contiguous run of voiced frames. Samples is owned by the
// receiver; the chunker never touches it again.
type Chunk struct {
	Samples []float32
	Frames  int
	Kind    Kind

	// Utterance is shared by an interim chunk and the final that closes it.
	Utterance uint64
}

// Chunker accumulates voiced frames until enough trailing silence closes the
// utterance. One interim chunk is emitted for an utterance that grows past
// the minimum chunk length, bounding latency on long speech.
type Chunker struct {
	minChunkFrames int
	silenceFrames  int

	state       State
	buf         [][]float32
	silence     int
	interimSent bool
	utterance   uint64
}

// New creates a chunker. Both limits are clamped to at least one frame.
func New(minChunkFrames, silenceFrames int) *Chunker {
	return &Chunker{
		minChunkFrames: max(1, minChunkFrames),
		silenceFrames:  max(1, silenceFrames),
	}
}

// FramesFor converts a duration in milliseconds to a frame count of at least one.
func FramesFor(ms, frameMS int) int {
	if frameMS <= 0 {
		return 1
	}
	return max(1, ms/frameMS)
}

// Push feeds one classified frame. It returns a chunk when the frame completes
// an interim or final boundary.
func (c *Chunker) Push(frame []float32, voiced bool) (Chunk, bool) {
	if voiced {
		c.state = Accumulating
		c.silence = 0
		c.buf = append(c.buf, frame)
		if len(c.buf) > c.minChunkFrames && !c.interimSent {
			c.interimSent = true
			return Chunk{Samples: c.concat(), Frames: len(c.buf), Kind: Interim, Utterance: c.utterance}, true
		}
		return Chunk{}, false
	}

	if c.state == Idle {
		return Chunk{}, false
	}
	c.state = TrailingSilence
	c.silence++
	if c.silence < c.silenceFrames {
		return Chunk{}, false
	}
	chunk := Chunk{Samples: c.concat(), Frames: len(c.buf), Kind: Final, Utterance: c.utterance}
	c.Reset()
	return chunk, true
}

// Reset drops any partial utterance and returns to Idle. The next utterance
// gets a new id.
func (c *Chunker) Reset() {
	c.utterance++
	c.state = Idle
	c.buf = nil
	c.silence = 0
	c.interimSent = false
}

// State reports the current state.
func (c *Chunker) State() State { return c.state }

// Buffered reports how many voiced frames the current utterance holds.
func (c *Chunker) Buffered() int { return len(c.buf) }

func (c *Chunker) concat() []float32 {
	n := 0
	for _, f := range c.buf {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range c.buf {
		out = append(out, f...)
	}
	return out
}
