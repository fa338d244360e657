package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/fingerprint"
	"github.com/s3mirror/s3mirror/internal/match"
	"github.com/s3mirror/s3mirror/internal/store/memstore"
	"github.com/s3mirror/s3mirror/internal/transfer"
	"github.com/s3mirror/s3mirror/internal/watch"
)

const (
	root   = "/watch"
	settle = 10 * time.Second
)

// recorder is a Transferer that records calls in order.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	onPush func(path string)
}

func (r *recorder) Push(_ context.Context, path, key string, skip bool) (transfer.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "push "+key)
	err := r.fail[key]
	hook := r.onPush
	r.mu.Unlock()
	if hook != nil {
		hook(path)
	}
	return transfer.Result{Transferred: err == nil, Bytes: 1}, err
}

func (r *recorder) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "remove "+key)
	return r.fail[key]
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	r     *Reactor
	fs    afero.Fs
	clock *clockwork.FakeClock
	obs   *activity.Collector
}

func newFixture(t *testing.T, exec Transferer, fs afero.Fs, recursive bool) *fixture {
	t.Helper()
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	require.NoError(t, fs.MkdirAll(root, 0o755))
	m, err := match.New(fs, []string{".*"}, []string{`.*\.tmp$`})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	obs := &activity.Collector{}
	r, err := New(exec, Config{
		Root:      root,
		Recursive: recursive,
		Settle:    settle,
		Tick:      time.Second,
		Matcher:   m,
		Fs:        fs,
		Clock:     clock,
		Observer:  obs,
	})
	require.NoError(t, err)
	return &fixture{r: r, fs: fs, clock: clock, obs: obs}
}

func (f *fixture) notify(kind watch.Kind, path string) {
	f.r.Notify(watch.Event{Kind: kind, Path: path})
}

func (f *fixture) settleAndDispatch() int {
	f.clock.Advance(settle + time.Second)
	return f.r.DispatchSettled(context.Background())
}

func TestCoalescingLaw(t *testing.T) {
	tests := []struct {
		name  string
		kinds []watch.Kind
		want  []string
	}{
		{"single create", []watch.Kind{watch.Created}, []string{"push a.bin"}},
		{"create then writes", []watch.Kind{watch.Created, watch.Modified, watch.Modified}, []string{"push a.bin"}},
		{"create then delete", []watch.Kind{watch.Created, watch.Modified, watch.Deleted}, []string{"remove a.bin"}},
		{"delete then create", []watch.Kind{watch.Deleted, watch.Created}, []string{"push a.bin"}},
		{"duplicates", []watch.Kind{watch.Modified, watch.Modified, watch.Modified, watch.Modified}, []string{"push a.bin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			f := newFixture(t, rec, nil, true)

			for i, k := range tt.kinds {
				if i > 0 {
					// Strictly within the settle timeout of the previous one.
					f.clock.Advance(settle - time.Second)
					assert.Zero(t, f.r.DispatchSettled(context.Background()))
				}
				f.notify(k, root+"/a.bin")
			}

			f.clock.Advance(settle)
			assert.Zero(t, f.r.DispatchSettled(context.Background()), "quiet period must be strictly exceeded")

			f.clock.Advance(time.Millisecond)
			assert.Equal(t, 1, f.r.DispatchSettled(context.Background()))
			assert.Equal(t, tt.want, rec.Calls())

			f.clock.Advance(time.Hour)
			assert.Zero(t, f.r.DispatchSettled(context.Background()))
		})
	}
}

func TestScenarioCreateThenTouch(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := memstore.New()
	exec := transfer.New(st, transfer.Config{Fs: fs})
	f := newFixture(t, exec, fs, true)

	a := root + "/a.bin"
	require.NoError(t, afero.WriteFile(fs, a, make([]byte, 1<<20), 0o644))
	f.notify(watch.Created, a)
	require.Equal(t, 1, f.settleAndDispatch())

	assert.Equal(t, []string{"a.bin"}, st.Keys())
	assert.Equal(t, 1, st.Calls().Put)
	assert.True(t, fingerprint.Remote(context.Background(), st, "a.bin").Equal(fingerprint.Local(fs, a)))
	heads := st.Calls().Head

	// Touch with no content change.
	f.notify(watch.Modified, a)
	require.Equal(t, 1, f.settleAndDispatch())
	assert.Equal(t, 1, st.Calls().Put, "unchanged file must not be uploaded again")
	assert.Equal(t, heads+1, st.Calls().Head, "comparison must still run")

	recs := f.obs.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, activity.OutcomeOK, recs[0].Outcome)
	assert.EqualValues(t, 1<<20, recs[0].Bytes)
	assert.Equal(t, activity.OutcomeSkipped, recs[1].Outcome)
}

func TestScenarioCreateThenDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := memstore.New()
	exec := transfer.New(st, transfer.Config{Fs: fs})
	f := newFixture(t, exec, fs, true)

	b := root + "/b.bin"
	require.NoError(t, afero.WriteFile(fs, b, []byte("short lived"), 0o644))
	f.notify(watch.Created, b)
	f.clock.Advance(2 * time.Second)
	require.NoError(t, fs.Remove(b))
	f.notify(watch.Deleted, b)

	require.Equal(t, 1, f.settleAndDispatch())
	assert.Equal(t, 0, st.Calls().Put)
	assert.Equal(t, []string{"delete b.bin"}, st.Log())
}

func TestScenarioRename(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := memstore.New()
	exec := transfer.New(st, transfer.Config{Fs: fs})
	f := newFixture(t, exec, fs, true)

	c := root + "/c.bin"
	d := root + "/d.bin"
	require.NoError(t, afero.WriteFile(fs, c, []byte("payload"), 0o644))
	f.notify(watch.Created, c)
	f.settleAndDispatch()

	require.NoError(t, fs.Rename(c, d))
	f.r.Notify(watch.Event{Kind: watch.Moved, Path: c, Dest: d})
	require.Equal(t, 1, f.settleAndDispatch())

	assert.Equal(t, []string{"put c.bin", "delete c.bin", "put d.bin"}, st.Log())
	assert.Equal(t, []string{"d.bin"}, st.Keys())
}

func TestMoveFromExcludedName(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, true)

	f.r.Notify(watch.Event{Kind: watch.Moved, Path: root + "/x.tmp", Dest: root + "/x.bin"})
	f.r.Notify(watch.Event{Kind: watch.Moved, Path: root + "/y.bin", Dest: root + "/y.tmp"})
	f.settleAndDispatch()

	assert.Equal(t, []string{"push x.bin", "remove y.bin"}, rec.Calls())
}

func TestNotifyFiltersPatterns(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, true)

	assert.False(t, f.r.Notify(watch.Event{Kind: watch.Created, Path: root + "/scratch.tmp"}))
	assert.False(t, f.r.Notify(watch.Event{Kind: watch.Moved, Path: root + "/a.tmp", Dest: root + "/b.tmp"}))
	assert.True(t, f.r.Notify(watch.Event{Kind: watch.Deleted, Path: root + "/gone.bin"}))
	assert.Equal(t, 1, f.r.Buffer().Len())
}

func TestFailureIsolatedToEntry(t *testing.T) {
	rec := &recorder{fail: map[string]error{"b.bin": &transfer.TransportError{Op: "put", Key: "b.bin", Err: errors.New("reset")}}}
	f := newFixture(t, rec, nil, true)

	for _, p := range []string{"a.bin", "b.bin", "c.bin"} {
		f.notify(watch.Modified, root+"/"+p)
	}
	assert.Equal(t, 3, f.settleAndDispatch())
	assert.Equal(t, []string{"push a.bin", "push b.bin", "push c.bin"}, rec.Calls())

	recs := f.obs.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, activity.OutcomeOK, recs[0].Outcome)
	assert.Equal(t, activity.OutcomeTransport, recs[1].Outcome)
	assert.Contains(t, recs[1].Err, "reset")
	assert.Equal(t, activity.OutcomeOK, recs[2].Outcome)
}

func TestIntegrityFailureReported(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := memstore.New()
	st.OnPut = func(key string, meta map[string]string) map[string]string {
		meta[fingerprint.MetaModified] = "2001-01-01T00:00:00+00:00"
		return meta
	}
	f := newFixture(t, transfer.New(st, transfer.Config{Fs: fs}), fs, true)

	require.NoError(t, afero.WriteFile(fs, root+"/a.bin", []byte("x"), 0o644))
	f.notify(watch.Created, root+"/a.bin")
	f.settleAndDispatch()

	recs := f.obs.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, activity.OutcomeIntegrity, recs[0].Outcome)
}

func TestNotificationDuringDispatchKept(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, true)
	rec.onPush = func(path string) {
		f.notify(watch.Modified, path)
	}

	f.notify(watch.Created, root+"/a.bin")
	require.Equal(t, 1, f.settleAndDispatch())
	assert.Equal(t, 1, f.r.Buffer().Len(), "change arriving mid-dispatch belongs to the next cycle")

	rec.onPush = nil
	require.Equal(t, 1, f.settleAndDispatch())
	assert.Equal(t, []string{"push a.bin", "push a.bin"}, rec.Calls())
}

func TestDispatchAfterStopRestoresEntries(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec, nil, true)
	f.notify(watch.Created, root+"/a.bin")
	f.notify(watch.Created, root+"/b.bin")
	f.clock.Advance(settle + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, f.r.DispatchSettled(ctx))
	assert.Empty(t, rec.Calls())
	assert.Equal(t, 2, f.r.Buffer().Len())
}

func TestSeed(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{"/watch/a.bin", "/watch/skip.tmp", "/watch/sub/b.bin", "/watch/sub/deep/c.bin"} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0o644))
	}

	f := newFixture(t, &recorder{}, fs, true)
	assert.Equal(t, 3, f.r.Seed(context.Background()))
	for _, c := range f.r.Buffer().Snapshot() {
		assert.Equal(t, watch.Modified, c.Kind)
	}

	flat := newFixture(t, &recorder{}, fs, false)
	assert.Equal(t, 1, flat.r.Seed(context.Background()))
}

func TestRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := memstore.New()
	require.NoError(t, afero.WriteFile(fs, root+"/existing.bin", []byte("old"), 0o644))
	f := newFixture(t, transfer.New(st, transfer.Config{Fs: fs}), fs, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.r.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(settle + time.Second)

	assert.Eventually(t, func() bool {
		return len(st.Keys()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidates(t *testing.T) {
	m, err := match.New(afero.NewMemMapFs(), []string{".*"}, nil)
	require.NoError(t, err)

	_, err = New(nil, Config{Root: root, Matcher: m})
	assert.Error(t, err)
	_, err = New(&recorder{}, Config{Matcher: m})
	assert.Error(t, err)
	_, err = New(&recorder{}, Config{Root: root})
	assert.Error(t, err)
}
