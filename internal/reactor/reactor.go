// Package reactor turns a stream of file notifications into settled
// transfer actions.
//
// Notifications are collapsed per path in a Buffer. A dispatch loop wakes
// on a fixed tick, independent of the settle timeout, drains every path
// that has been quiet for longer than the settle timeout and executes one
// action for each:
//
//	Created, Modified  push the file, skipping it when unchanged
//	Deleted            remove the remote object
//	Moved              remove the old object, then push the new name
//
// Actions in a tick run one at a time in discovery order. A failing action
// is logged and reported to the Observer; it never stops the tick or the
// loop.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/match"
	"github.com/s3mirror/s3mirror/internal/transfer"
	"github.com/s3mirror/s3mirror/internal/watch"
)

// DefaultTick is the default dispatch loop interval.
const DefaultTick = time.Second

// Transferer executes the actions dispatched by the reactor.
type Transferer interface {
	Push(ctx context.Context, localPath, key string, skipIfUnchanged bool) (transfer.Result, error)
	Remove(ctx context.Context, key string) error
}

// Config configures a Reactor.
type Config struct {
	// Root is the watched directory; remote keys are relative to it.
	Root      string
	Recursive bool

	// Settle is the quiet period a path must observe before dispatch.
	Settle time.Duration

	// Tick is the dispatch loop interval.
	Tick time.Duration

	Matcher  *match.Matcher
	Fs       afero.Fs
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
	Observer activity.Observer
}

// Reactor buffers notifications and dispatches settled changes.
type Reactor struct {
	cfg  Config
	exec Transferer
	buf  *Buffer
	log  logrus.FieldLogger
}

// New returns a reactor dispatching to exec.
func New(exec Transferer, cfg Config) (*Reactor, error) {
	if exec == nil {
		return nil, fmt.Errorf("transferer cannot be nil")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Observer == nil {
		cfg.Observer = activity.Nop
	}
	log := logging.OrDiscard(cfg.Logger)

	return &Reactor{
		cfg:  cfg,
		exec: exec,
		buf:  NewBuffer(),
		log:  log.WithField("component", "reactor"),
	}, nil
}

// Buffer exposes the pending changes.
func (r *Reactor) Buffer() *Buffer {
	return r.buf
}

// Notify records ev. Notifications for paths outside the pattern policy
// are dropped; a move is kept when either of its names matches. It reports
// whether ev was buffered.
func (r *Reactor) Notify(ev watch.Event) bool {
	m := r.cfg.Matcher
	relevant := m.Matches(ev.Path)
	if ev.Kind == watch.Moved {
		relevant = relevant || m.Matches(ev.Dest)
	}
	if !relevant {
		return false
	}

	r.buf.Upsert(PendingChange{
		Path: ev.Path,
		Dest: ev.Dest,
		Kind: ev.Kind,
		At:   r.cfg.Clock.Now(),
	})
	return true
}

// Seed walks the tree and records a Modified notification for every file
// in scope, so that files changed while nothing was watching get
// reconciled. Unchanged files cost one metadata lookup each.
func (r *Reactor) Seed(ctx context.Context) int {
	r.log.WithField("root", r.cfg.Root).Info("sync initial state")

	count := 0
	err := afero.Walk(r.cfg.Fs, r.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			r.log.WithError(err).WithField("path", path).Warn("skipping unreadable path")
			return nil
		}
		if info.IsDir() {
			if path != r.cfg.Root && !r.cfg.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if r.cfg.Matcher.InScope(path) {
			r.buf.Upsert(PendingChange{Path: path, Kind: watch.Modified, At: r.cfg.Clock.Now()})
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		r.log.WithError(err).Warn("initial walk incomplete")
	}

	r.log.WithField("files", count).Info("initial state queued")
	return count
}

// Run seeds the buffer, then dispatches settled changes every tick until
// ctx is done. A tick in progress finishes its current action before Run
// returns.
func (r *Reactor) Run(ctx context.Context) {
	r.Seed(ctx)

	ticker := r.cfg.Clock.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.WithField("pending", r.buf.Len()).Info("dispatch loop stopped")
			return
		case <-ticker.Chan():
			r.DispatchSettled(ctx)
		}
	}
}

// DispatchSettled drains settled changes and executes one action for each.
// Actions run on a context detached from ctx so that a stop request never
// interrupts a transfer halfway; once ctx is done, the changes not yet
// started go back into the buffer. It returns the number of changes
// dispatched.
func (r *Reactor) DispatchSettled(ctx context.Context) int {
	settled := r.buf.DrainSettled(r.cfg.Clock.Now(), r.cfg.Settle)
	if len(settled) == 0 {
		return 0
	}

	work := context.WithoutCancel(ctx)
	for i, c := range settled {
		if ctx.Err() != nil {
			for _, rest := range settled[i:] {
				r.buf.Restore(rest)
			}
			return i
		}
		r.dispatch(work, c)
	}
	return len(settled)
}

func (r *Reactor) dispatch(ctx context.Context, c PendingChange) {
	log := r.log.WithFields(logrus.Fields{"kind": c.Kind.String(), "path": c.Path})
	log.Debug("dispatching")

	switch c.Kind {
	case watch.Created, watch.Modified:
		r.push(ctx, c.Path)
	case watch.Deleted:
		r.remove(ctx, c.Path)
	case watch.Moved:
		if r.cfg.Matcher.Matches(c.Path) {
			r.remove(ctx, c.Path)
		}
		if r.cfg.Matcher.Matches(c.Dest) {
			r.push(ctx, c.Dest)
		}
	default:
		log.Error("unknown change kind")
	}
}

func (r *Reactor) push(ctx context.Context, path string) {
	log := r.log.WithField("path", path)
	key, err := transfer.KeyFor(r.cfg.Root, path)
	if err != nil {
		log.WithError(err).Error("cannot derive object key")
		r.observe(activity.Record{Op: activity.OpPush, Path: path, Outcome: activity.OutcomeFailed, Err: err.Error()})
		return
	}

	res, err := r.exec.Push(ctx, path, key, true)
	rec := activity.Record{
		Op:          activity.OpPush,
		Path:        path,
		Key:         key,
		Transferred: res.Transferred,
		Bytes:       res.Bytes,
		Duration:    res.Duration,
		Outcome:     activity.Classify(res.Transferred, err),
	}
	r.report(log.WithField("key", key), rec, err)
}

func (r *Reactor) remove(ctx context.Context, path string) {
	log := r.log.WithField("path", path)
	key, err := transfer.KeyFor(r.cfg.Root, path)
	if err != nil {
		log.WithError(err).Error("cannot derive object key")
		r.observe(activity.Record{Op: activity.OpRemove, Path: path, Outcome: activity.OutcomeFailed, Err: err.Error()})
		return
	}

	start := r.cfg.Clock.Now()
	err = r.exec.Remove(ctx, key)
	rec := activity.Record{
		Op:          activity.OpRemove,
		Path:        path,
		Key:         key,
		Transferred: err == nil,
		Duration:    r.cfg.Clock.Since(start),
		Outcome:     activity.Classify(true, err),
	}
	r.report(log.WithField("key", key), rec, err)
}

func (r *Reactor) report(log logrus.FieldLogger, rec activity.Record, err error) {
	switch {
	case errors.Is(err, transfer.ErrIntegrity):
		log.WithError(err).Error("integrity check failed")
	case err != nil:
		log.WithError(err).Error("dispatch failed")
	case rec.Op == activity.OpRemove:
		log.Info("removed")
	case rec.Transferred:
		log.WithField("bytes", humanize.IBytes(uint64(rec.Bytes))).Info("pushed")
	default:
		log.Debug("unchanged")
	}
	if err != nil {
		rec.Err = err.Error()
	}
	r.observe(rec)
}

func (r *Reactor) observe(rec activity.Record) {
	rec.At = r.cfg.Clock.Now()
	r.cfg.Observer.Observe(rec)
}
