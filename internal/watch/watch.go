// Package watch turns fsnotify events for a directory tree into the
// create, modify, delete and move notifications consumed by the reactor.
//
// fsnotify reports a rename as a Rename on the old name followed by a
// Create on the new one. The watcher pairs the two when the Create arrives
// within Config.RenameWindow and emits a single Moved event; a Rename left
// unpaired is reported as Deleted. Chmod is reported as Modified, so a
// plain touch still triggers a fingerprint comparison downstream.
//
// Directory events are never emitted. In recursive mode new directories
// are added to the watch and the files already inside them are reported as
// Created.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/s3mirror/s3mirror/internal/logging"
)

// DefaultRenameWindow is how long a Rename waits for its matching Create.
const DefaultRenameWindow = 200 * time.Millisecond

// Kind is the kind of change reported for a path.
type Kind int

const (
	// Created indicates a new file.
	Created Kind = iota
	// Modified indicates changed content or attributes.
	Modified
	// Deleted indicates the file is gone.
	Deleted
	// Moved indicates the file was renamed to Event.Dest.
	Moved
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	default:
		return "unknown"
	}
}

// Event is a change notification for a single file.
type Event struct {
	Kind Kind
	// Path is the affected file; for Moved it is the old name.
	Path string
	// Dest is the new name of a moved file.
	Dest string
}

func (e Event) String() string {
	if e.Kind == Moved {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.Path, e.Dest)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// Config configures a Watcher.
type Config struct {
	Root      string
	Recursive bool

	// RenameWindow bounds the wait for the Create half of a rename.
	RenameWindow time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

type pendingRename struct {
	path  string
	isDir bool
}

// Watcher watches a directory tree.
type Watcher struct {
	cfg     Config
	log     logrus.FieldLogger
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// Owned by the event loop once started.
	dirs        map[string]struct{}
	pending     *pendingRename
	renameTimer <-chan time.Time
}

// New creates a Watcher. It must be started with Start before it emits
// events.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watch root must be set")
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = DefaultRenameWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := logging.OrDiscard(cfg.Logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		log:     log.WithField("component", "watch"),
		watcher: w,
		events:  make(chan Event, 256),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Start adds the root (and, when recursive, every directory below it) to
// the watch and begins emitting events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if _, err := w.addTree(w.cfg.Root); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.log.WithFields(logrus.Fields{
		"root":      w.cfg.Root,
		"recursive": w.cfg.Recursive,
		"dirs":      len(w.dirs),
	}).Info("watching")
	return nil
}

// Stop stops watching and closes the Events and Errors channels. It
// blocks until the event loop has exited. Stop on a watcher that is not
// running is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of change notifications. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			for _, out := range w.convert(ev) {
				if !w.emit(out) {
					return
				}
			}

		case <-w.renameTimer:
			for _, out := range w.expireRename() {
				if !w.emit(out) {
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) emit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

// convert maps one fsnotify event onto zero or more Events.
func (w *Watcher) convert(ev fsnotify.Event) []Event {
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Has(fsnotify.Create):
		return w.created(path)

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		if w.isDir(path) {
			return nil
		}
		return []Event{{Kind: Modified, Path: path}}

	case ev.Has(fsnotify.Remove):
		if w.forgetDir(path) {
			return nil
		}
		return []Event{{Kind: Deleted, Path: path}}

	case ev.Has(fsnotify.Rename):
		out := w.expireRename()
		_, isDir := w.dirs[path]
		w.forgetDir(path)
		w.pending = &pendingRename{path: path, isDir: isDir}
		w.renameTimer = w.cfg.Clock.After(w.cfg.RenameWindow)
		return out
	}
	return nil
}

func (w *Watcher) created(path string) []Event {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already; a Remove will follow.
		return nil
	}

	pending := w.pending
	w.pending, w.renameTimer = nil, nil

	if info.IsDir() {
		if !w.cfg.Recursive {
			if pending != nil && !pending.isDir {
				return []Event{{Kind: Deleted, Path: pending.path}}
			}
			return nil
		}
		files, err := w.addTree(path)
		if err != nil {
			w.sendError(err)
		}
		out := make([]Event, 0, len(files)+1)
		for _, f := range files {
			if pending != nil && pending.isDir {
				rel, err := filepath.Rel(path, f)
				if err == nil {
					out = append(out, Event{Kind: Moved, Path: filepath.Join(pending.path, rel), Dest: f})
					continue
				}
			}
			out = append(out, Event{Kind: Created, Path: f})
		}
		if pending != nil && !pending.isDir {
			out = append([]Event{{Kind: Deleted, Path: pending.path}}, out...)
		}
		return out
	}

	if pending != nil && !pending.isDir {
		return []Event{{Kind: Moved, Path: pending.path, Dest: path}}
	}
	return []Event{{Kind: Created, Path: path}}
}

// expireRename resolves an unpaired rename. A file rename becomes Deleted.
// A directory renamed out of the tree cannot be expanded into per-file
// events since its contents are no longer visible under the old name.
func (w *Watcher) expireRename() []Event {
	pending := w.pending
	w.pending, w.renameTimer = nil, nil
	if pending == nil {
		return nil
	}
	if pending.isDir {
		w.log.WithField("path", pending.path).Warn("directory moved out of watched tree")
		return nil
	}
	return []Event{{Kind: Deleted, Path: pending.path}}
}

// addTree adds dir, and in recursive mode every directory below it, to the
// watch. It returns the regular files found below dir.
func (w *Watcher) addTree(dir string) ([]string, error) {
	if !w.cfg.Recursive {
		if err := w.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[filepath.Clean(dir)] = struct{}{}
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.log.WithError(err).WithField("path", path).Warn("skipping unreadable path")
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			w.dirs[filepath.Clean(path)] = struct{}{}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) isDir(path string) bool {
	_, ok := w.dirs[path]
	return ok
}

// forgetDir drops path and everything below it from the set of watched
// directories and reports whether path itself was one.
func (w *Watcher) forgetDir(path string) bool {
	_, ok := w.dirs[path]
	if !ok {
		return false
	}
	prefix := path + string(filepath.Separator)
	for d := range w.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
			_ = w.watcher.Remove(d)
		}
	}
	return true
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
		w.log.WithError(err).Warn("watch error dropped")
	}
}
