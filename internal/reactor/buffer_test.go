package reactor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3mirror/s3mirror/internal/watch"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBufferLastWriteWins(t *testing.T) {
	b := NewBuffer()
	b.Upsert(PendingChange{Path: "/a", Kind: watch.Created, At: t0})
	b.Upsert(PendingChange{Path: "/b", Kind: watch.Created, At: t0})
	b.Upsert(PendingChange{Path: "/a", Kind: watch.Deleted, At: t0.Add(time.Second)})

	require.Equal(t, 2, b.Len())
	snap := b.Snapshot()
	assert.Equal(t, "/a", snap[0].Path)
	assert.Equal(t, watch.Deleted, snap[0].Kind)
	assert.Equal(t, t0.Add(time.Second), snap[0].At)
}

func TestBufferDrainStrictlyAfterQuiet(t *testing.T) {
	b := NewBuffer()
	b.Upsert(PendingChange{Path: "/a", At: t0})

	assert.Empty(t, b.DrainSettled(t0.Add(10*time.Second), 10*time.Second))
	got := b.DrainSettled(t0.Add(10*time.Second+time.Nanosecond), 10*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, 0, b.Len())

	// Each entry is returned once.
	assert.Empty(t, b.DrainSettled(t0.Add(time.Hour), 10*time.Second))
}

func TestBufferDrainKeepsDiscoveryOrder(t *testing.T) {
	b := NewBuffer()
	for i, p := range []string{"/c", "/a", "/d", "/b"} {
		b.Upsert(PendingChange{Path: p, At: t0.Add(time.Duration(i) * time.Second)})
	}
	// /d is refreshed and stays pending.
	b.Upsert(PendingChange{Path: "/d", At: t0.Add(time.Minute)})

	got := b.DrainSettled(t0.Add(30*time.Second), 5*time.Second)
	paths := make([]string, 0, len(got))
	for _, c := range got {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"/c", "/a", "/b"}, paths)
	assert.Equal(t, 1, b.Len())

	b.Upsert(PendingChange{Path: "/e", At: t0})
	assert.Equal(t, []string{"/d", "/e"}, []string{b.Snapshot()[0].Path, b.Snapshot()[1].Path})
}

func TestBufferRestore(t *testing.T) {
	b := NewBuffer()
	b.Upsert(PendingChange{Path: "/a", Kind: watch.Modified, At: t0.Add(time.Second)})

	b.Restore(PendingChange{Path: "/a", Kind: watch.Created, At: t0})
	b.Restore(PendingChange{Path: "/b", Kind: watch.Created, At: t0})

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, watch.Modified, snap[0].Kind)
	assert.Equal(t, "/b", snap[1].Path)
}

func TestBufferConcurrentNoLostUpdates(t *testing.T) {
	b := NewBuffer()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	drained := make(chan int, 1)
	stop := make(chan struct{})
	go func() {
		total := 0
		for {
			select {
			case <-stop:
				total += len(b.DrainSettled(t0.Add(time.Hour), 0))
				drained <- total
				return
			default:
				total += len(b.DrainSettled(t0.Add(time.Hour), 0))
			}
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Upsert(PendingChange{Path: fmt.Sprintf("/%d/%d", p, i), At: t0})
			}
		}(p)
	}
	wg.Wait()
	close(stop)

	// Every distinct path is drained exactly once, since each path is
	// only ever upserted once.
	assert.Equal(t, producers*perProducer, <-drained)
	assert.Equal(t, 0, b.Len())
}
