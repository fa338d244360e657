// Package orchestrator wires the watcher, reactor and sweeper together and
// owns their lifecycle.
//
// Start brings the units up in order: the notification source, the reactor
// dispatch loop, the expiration sweeper. Each runs in its own goroutine.
// Stop is idempotent; it signals every loop and waits for in-flight
// dispatches and sweeps to finish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/match"
	"github.com/s3mirror/s3mirror/internal/reactor"
	"github.com/s3mirror/s3mirror/internal/store"
	"github.com/s3mirror/s3mirror/internal/sweep"
	"github.com/s3mirror/s3mirror/internal/transfer"
	"github.com/s3mirror/s3mirror/internal/watch"
)

// Source delivers file notifications. *watch.Watcher implements it.
type Source interface {
	Start() error
	Events() <-chan watch.Event
	Errors() <-chan error
	Stop() error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// Store is the object store; required.
	Store store.Store

	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	Logger logrus.FieldLogger

	// Observers receive every dispatch and sweep record, stamped with the
	// run ID.
	Observers []activity.Observer

	// Source defaults to an fsnotify watcher on the configured root.
	Source Source
}

// Orchestrator runs one mirroring session.
type Orchestrator struct {
	cfg    config.Config
	runID  string
	log    logrus.FieldLogger
	source Source

	exec    *transfer.Executor
	reactor *reactor.Reactor
	sweeper *sweep.Sweeper

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New validates cfg and builds every component. Configuration problems,
// including a bad pattern or an unreadable root, are reported here as
// *config.Error before anything runs.
func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	log := logging.OrDiscard(deps.Logger)

	root := cfg.Folder.Path
	if err := checkRoot(deps.Fs, root); err != nil {
		return nil, err
	}

	matcher, err := match.New(deps.Fs, cfg.Folder.Include, cfg.Folder.Exclude)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log = log.WithField("run_id", runID)
	observer := activity.Stamp(runID, activity.Fanout(deps.Observers))

	exec := transfer.New(deps.Store, transfer.Config{
		ACL:     cfg.Bucket.ObjectMode,
		Timeout: cfg.Transfer.Timeout,
		Workers: cfg.Transfer.Workers,
		Fs:      deps.Fs,
		Logger:  log,
	})

	r, err := reactor.New(exec, reactor.Config{
		Root:      root,
		Recursive: cfg.Folder.Recursive,
		Settle:    cfg.Folder.SettleTimeout(),
		Tick:      cfg.Transfer.Tick,
		Matcher:   matcher,
		Fs:        deps.Fs,
		Clock:     deps.Clock,
		Logger:    log,
		Observer:  observer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reactor: %w", err)
	}

	var sw *sweep.Sweeper
	if cfg.Folder.Expire {
		sw, err = sweep.New(sweep.Config{
			Root:     root,
			Days:     cfg.Folder.ExpireDays,
			Period:   cfg.Folder.SweepPeriod,
			Matcher:  matcher,
			Fs:       deps.Fs,
			Clock:    deps.Clock,
			Logger:   log,
			Observer: observer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sweeper: %w", err)
		}
	}

	source := deps.Source
	if source == nil {
		w, err := watch.New(watch.Config{
			Root:      root,
			Recursive: cfg.Folder.Recursive,
			Clock:     deps.Clock,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		source = w
	}

	return &Orchestrator{
		cfg:     cfg,
		runID:   runID,
		log:     log.WithField("component", "orchestrator"),
		source:  source,
		exec:    exec,
		reactor: r,
		sweeper: sw,
	}, nil
}

func checkRoot(fs afero.Fs, root string) error {
	info, err := fs.Stat(root)
	if err != nil {
		return &config.Error{Field: "folder.path", Reason: "cannot stat root", Err: err}
	}
	if !info.IsDir() {
		return &config.Error{Field: "folder.path", Reason: fmt.Sprintf("%s is not a directory", root)}
	}
	f, err := fs.Open(root)
	if err != nil {
		return &config.Error{Field: "folder.path", Reason: "root is not readable", Err: err}
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return &config.Error{Field: "folder.path", Reason: "root is not readable", Err: err}
	}
	return nil
}

// RunID identifies this session in the journal.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Executor returns the transfer executor.
func (o *Orchestrator) Executor() *transfer.Executor {
	return o.exec
}

// Reactor returns the reactor.
func (o *Orchestrator) Reactor() *reactor.Reactor {
	return o.reactor
}

// Start launches the source, the dispatch loop and, when expiration is
// enabled, the sweeper. The units run until ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return fmt.Errorf("orchestrator already stopped")
	}
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}

	if err := o.source.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true

	o.wg.Add(2)
	go o.pump(runCtx)
	go func() {
		defer o.wg.Done()
		o.reactor.Run(runCtx)
	}()

	if o.sweeper != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.sweeper.Run(runCtx)
		}()
	}

	o.log.WithFields(logrus.Fields{
		"root":      o.cfg.Folder.Path,
		"recursive": o.cfg.Folder.Recursive,
		"settle":    o.cfg.Folder.SettleTimeout(),
		"expire":    o.cfg.Folder.Expire,
	}).Info("mirror started")
	return nil
}

// pump feeds source notifications into the reactor.
func (o *Orchestrator) pump(ctx context.Context) {
	defer o.wg.Done()

	events := o.source.Events()
	errs := o.source.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if o.reactor.Notify(ev) {
				o.log.WithField("event", ev.String()).Debug("buffered")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			o.log.WithError(err).Warn("watcher error")
		}
	}
}

// Stop shuts every unit down and waits for them. Calling Stop more than
// once is safe. Once Stop has been called, Start fails.
func (o *Orchestrator) Stop() error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		started := o.started
		o.mu.Unlock()
		if !started {
			return
		}

		o.log.Info("stopping")
		o.cancel()
		if err := o.source.Stop(); err != nil {
			o.stopErr = fmt.Errorf("failed to stop watcher: %w", err)
		}
		o.wg.Wait()
		o.exec.Pool().Wait()
		o.log.WithField("pending", o.reactor.Buffer().Len()).Info("stopped")
	})
	return o.stopErr
}
