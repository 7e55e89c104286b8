package monitor

import (
	"sync"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
)

// snapshotRing is a bounded buffer of the most recent snapshots, oldest
// evicted on overflow. It has its own lock: diagnostics read it, the
// polling loop writes it, and neither touches coordinator state.
type snapshotRing struct {
	mu   sync.Mutex
	buf  []device.Snapshot
	head int // next write position
	size int
}

func newSnapshotRing(capacity int) *snapshotRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &snapshotRing{buf: make([]device.Snapshot, capacity)}
}

func (r *snapshotRing) push(s device.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// recent returns up to limit snapshots, newest first.
func (r *snapshotRing) recent(limit int) []device.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]device.Snapshot, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *snapshotRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
