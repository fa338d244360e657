// Package transfer moves files between the local tree and the object store.
//
// Push and Pull skip the transfer when both sides already carry the same
// fingerprint, and verify the fingerprints again once the bytes have
// moved. Remove deletes unconditionally. All three are synchronous; the
// *Async variants run them on a bounded Pool for callers that must not
// block.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/fingerprint"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/store"
)

// Config configures an Executor.
type Config struct {
	// ACL is the canned access-control setting applied to pushed objects.
	ACL string

	// Timeout bounds each Push, Pull or Remove. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration

	// ProgressStep is the percentage gain between progress log lines.
	ProgressStep float64

	// Workers sizes the pool used by the *Async methods.
	Workers int

	Fs     afero.Fs
	Logger logrus.FieldLogger
}

// Result describes a completed operation.
type Result struct {
	// Transferred is false when the transfer was skipped because both
	// sides already matched.
	Transferred bool
	Bytes       int64
	Duration    time.Duration

	// Fingerprint is the verified fingerprint both sides now share.
	Fingerprint fingerprint.Fingerprint
}

// Executor performs transfers against a store.
type Executor struct {
	store store.Store
	cfg   Config
	fs    afero.Fs
	log   logrus.FieldLogger
	pool  *Pool
}

// New returns an executor for st.
func New(st store.Store, cfg Config) *Executor {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	log := logging.OrDiscard(cfg.Logger)
	return &Executor{
		store: st,
		cfg:   cfg,
		fs:    cfg.Fs,
		log:   log.WithField("component", "transfer"),
		pool:  NewPool(cfg.Workers),
	}
}

// Pool returns the pool used by the *Async methods.
func (e *Executor) Pool() *Pool {
	return e.pool
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Push uploads localPath to key. With skipIfUnchanged, nothing is sent when
// the remote fingerprint already equals the local one. The local file is
// never modified.
func (e *Executor) Push(ctx context.Context, localPath, key string, skipIfUnchanged bool) (Result, error) {
	log := e.log.WithFields(logrus.Fields{"local": localPath, "key": key})
	return logging.Timed(log, "push", func() (Result, error) {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		return e.push(ctx, log, localPath, key, skipIfUnchanged)
	})
}

func (e *Executor) push(ctx context.Context, log logrus.FieldLogger, localPath, key string, skip bool) (Result, error) {
	start := time.Now()

	local := fingerprint.Local(e.fs, localPath)
	remote, err := fingerprint.Inspect(ctx, e.store, key)
	if err != nil {
		return Result{}, &TransportError{Op: "head", Key: key, Err: err}
	}

	if skip && local.Equal(remote) {
		log.Debug("no change")
		return Result{Fingerprint: local, Duration: time.Since(start)}, nil
	}

	f, err := e.fs.Open(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	log.WithField("total", local.Size).Info("uploading")
	progress := NewProgress(log, local.Size, e.cfg.ProgressStep)
	body := &progressReader{r: f, p: progress}
	if err := e.store.Put(ctx, key, body, fingerprint.Encode(local), e.cfg.ACL); err != nil {
		return Result{}, &TransportError{Op: "put", Key: key, Err: err}
	}

	after := fingerprint.Local(e.fs, localPath)
	stored, err := fingerprint.Inspect(ctx, e.store, key)
	if err != nil {
		return Result{}, &TransportError{Op: "head", Key: key, Err: err}
	}
	if !after.Equal(stored) {
		return Result{}, &IntegrityError{Op: "push", Path: localPath, Key: key, Expected: after, Actual: stored}
	}

	return Result{
		Transferred: true,
		Bytes:       progress.Bytes(),
		Duration:    time.Since(start),
		Fingerprint: stored,
	}, nil
}

// Pull downloads key to localPath, then stamps the file with the remote
// modification time. With skipIfUnchanged, nothing is fetched when the
// local fingerprint already equals the remote one. The download goes to a
// temporary file in the destination directory and is renamed into place.
func (e *Executor) Pull(ctx context.Context, key, localPath string, skipIfUnchanged bool) (Result, error) {
	log := e.log.WithFields(logrus.Fields{"local": localPath, "key": key})
	return logging.Timed(log, "pull", func() (Result, error) {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		return e.pull(ctx, log, key, localPath, skipIfUnchanged)
	})
}

func (e *Executor) pull(ctx context.Context, log logrus.FieldLogger, key, localPath string, skip bool) (Result, error) {
	start := time.Now()

	local := fingerprint.Local(e.fs, localPath)
	remote, err := fingerprint.Inspect(ctx, e.store, key)
	if err != nil {
		return Result{}, &TransportError{Op: "head", Key: key, Err: err}
	}
	if remote.IsNull() {
		return Result{}, fmt.Errorf("failed to pull %s: no fingerprinted object: %w", key, store.ErrNotFound)
	}

	if skip && local.Equal(remote) {
		log.Debug("no change")
		return Result{Fingerprint: local, Duration: time.Since(start)}, nil
	}

	dir := filepath.Dir(localPath)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(e.fs, dir, "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = e.fs.Remove(tmpName)
		}
	}()

	log.WithField("total", remote.Size).Info("downloading")
	progress := NewProgress(log, remote.Size, e.cfg.ProgressStep)
	n, err := e.store.Get(ctx, key, &progressWriterAt{w: tmp, p: progress})
	if cerr := tmp.Close(); err == nil && cerr != nil {
		return Result{}, fmt.Errorf("failed to write %s: %w", tmpName, cerr)
	}
	if err != nil {
		return Result{}, &TransportError{Op: "get", Key: key, Err: err}
	}

	if err := e.fs.Rename(tmpName, localPath); err != nil {
		return Result{}, fmt.Errorf("failed to move download into %s: %w", localPath, err)
	}
	committed = true

	if err := e.fs.Chtimes(localPath, remote.ModTime, remote.ModTime); err != nil {
		return Result{}, fmt.Errorf("failed to set modification time on %s: %w", localPath, err)
	}

	after := fingerprint.Local(e.fs, localPath)
	if !after.Equal(remote) {
		return Result{}, &IntegrityError{Op: "pull", Path: localPath, Key: key, Expected: remote, Actual: after}
	}

	return Result{
		Transferred: true,
		Bytes:       n,
		Duration:    time.Since(start),
		Fingerprint: after,
	}, nil
}

// Remove deletes key. A missing object is not an error.
func (e *Executor) Remove(ctx context.Context, key string) error {
	log := e.log.WithField("key", key)
	return logging.TimedErr(log, "remove", func() error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()

		err := e.store.Delete(ctx, key)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return &TransportError{Op: "delete", Key: key, Err: err}
	})
}

// PushAsync runs Push on the executor's pool.
func (e *Executor) PushAsync(ctx context.Context, localPath, key string, skipIfUnchanged bool) *Future[Result] {
	return Go(e.pool, ctx, func(ctx context.Context) (Result, error) {
		return e.Push(ctx, localPath, key, skipIfUnchanged)
	})
}

// PullAsync runs Pull on the executor's pool.
func (e *Executor) PullAsync(ctx context.Context, key, localPath string, skipIfUnchanged bool) *Future[Result] {
	return Go(e.pool, ctx, func(ctx context.Context) (Result, error) {
		return e.Pull(ctx, key, localPath, skipIfUnchanged)
	})
}

// RemoveAsync runs Remove on the executor's pool.
func (e *Executor) RemoveAsync(ctx context.Context, key string) *Future[struct{}] {
	return Go(e.pool, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.Remove(ctx, key)
	})
}
