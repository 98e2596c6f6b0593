package capture

import "sync/atomic"

// frameQueue is a bounded single-producer single-consumer queue. When full the
// oldest frame is discarded so that the consumer always sees recent audio.
type frameQueue struct {
	ch      chan []float32
	dropped atomic.Uint64
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan []float32, max(1, capacity))}
}

// push enqueues frame, evicting from the head while full. It reports how many
// frames were evicted.
func (q *frameQueue) push(frame []float32) int {
	evicted := 0
	for {
		select {
		case q.ch <- frame:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			evicted++
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *frameQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *frameQueue) Len() int { return len(q.ch) }
