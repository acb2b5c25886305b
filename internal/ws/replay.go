package ws

import "time"

// replayEntry is one buffered broadcast frame kept for late subscribers.
type replayEntry struct {
	frame []byte
	at    time.Time
}

// replayBuffer is a bounded FIFO of the most recent broadcast frames on one
// channel. Insertion beyond capacity evicts the oldest entry first. Access
// is serialized by the Manager's registry lock.
type replayBuffer struct {
	entries []replayEntry
	cap     int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &replayBuffer{cap: capacity}
}

func (b *replayBuffer) append(frame []byte, at time.Time) {
	if len(b.entries) >= b.cap {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, replayEntry{frame: frame, at: at})
}

// snapshot returns the buffered frames oldest first.
func (b *replayBuffer) snapshot() [][]byte {
	out := make([][]byte, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.frame
	}
	return out
}

// expireBefore drops entries older than the cutoff.
func (b *replayBuffer) expireBefore(cutoff time.Time) {
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = b.entries[i:]
	}
}
