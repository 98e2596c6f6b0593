package capture

import "context"

// Source produces mono float32 frames of exactly frameSamples samples. The
// deliver callback is invoked from a single goroutine owned by the source.
type Source interface {
	Start(ctx context.Context, frameSamples int, deliver func([]float32)) error
	Close() error
}

// Reblocker regroups arbitrarily sized sample runs into fixed-size frames.
// It is not safe for concurrent use.
type Reblocker struct {
	size int
	buf  []float32
}

func NewReblocker(size int) *Reblocker {
	size = max(1, size)
	return &Reblocker{size: size, buf: make([]float32, 0, size*2)}
}

// Feed appends samples and emits every complete frame. Each emitted frame is
// a fresh slice.
func (r *Reblocker) Feed(samples []float32, emit func([]float32)) {
	r.buf = append(r.buf, samples...)
	for len(r.buf) >= r.size {
		frame := make([]float32, r.size)
		copy(frame, r.buf[:r.size])
		r.buf = append(r.buf[:0], r.buf[r.size:]...)
		emit(frame)
	}
}

// Flush zero-pads and emits any partial frame.
func (r *Reblocker) Flush(emit func([]float32)) {
	if len(r.buf) == 0 {
		return
	}
	frame := make([]float32, r.size)
	copy(frame, r.buf)
	r.buf = r.buf[:0]
	emit(frame)
}
