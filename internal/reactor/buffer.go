package reactor

import (
	"sync"
	"time"

	"github.com/s3mirror/s3mirror/internal/watch"
)

// PendingChange is the latest notification seen for a path that has not
// yet settled.
type PendingChange struct {
	Path string
	// Dest is the new name when Kind is watch.Moved.
	Dest string
	Kind watch.Kind
	// At is when the latest notification for Path arrived.
	At time.Time
}

// Buffer holds at most one PendingChange per path. A new notification for a
// path overwrites the previous one and restarts its quiet period, keeping
// the position the path was first discovered at.
//
// Buffer is safe for concurrent Upsert by the notification producer and
// DrainSettled by the dispatch loop.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]PendingChange
	order   []string
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]PendingChange)}
}

// Upsert records c, replacing any pending change for the same path.
func (b *Buffer) Upsert(c PendingChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[c.Path]; !ok {
		b.order = append(b.order, c.Path)
	}
	b.entries[c.Path] = c
}

// Restore puts c back unless a newer change for the same path has arrived
// in the meantime.
func (b *Buffer) Restore(c PendingChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[c.Path]; ok {
		return
	}
	b.order = append(b.order, c.Path)
	b.entries[c.Path] = c
}

// DrainSettled removes and returns, in discovery order, every change whose
// last notification is more than quiet before now.
func (b *Buffer) DrainSettled(now time.Time, quiet time.Duration) []PendingChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	var settled []PendingChange
	remaining := b.order[:0]
	for _, path := range b.order {
		c := b.entries[path]
		if now.Sub(c.At) > quiet {
			settled = append(settled, c)
			delete(b.entries, path)
			continue
		}
		remaining = append(remaining, path)
	}
	clear(b.order[len(remaining):])
	b.order = remaining
	return settled
}

// Len returns the number of pending paths.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns a copy of the pending changes in discovery order.
func (b *Buffer) Snapshot() []PendingChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingChange, 0, len(b.order))
	for _, path := range b.order {
		out = append(out, b.entries[path])
	}
	return out
}
