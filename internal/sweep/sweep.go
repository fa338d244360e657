// Package sweep deletes local files that have outlived their retention
// period. It only ever touches the local tree; the object store is left
// alone.
package sweep

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/match"
)

// Config configures a Sweeper.
type Config struct {
	Root string

	// Days is the age, in whole days, at which a file expires.
	Days int

	// Period is the pause between two sweeps.
	Period time.Duration

	// DryRun logs and reports expirations without deleting anything.
	DryRun bool

	Matcher  *match.Matcher
	Fs       afero.Fs
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
	Observer activity.Observer
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned  int
	Expired  int
	Retained int
	Failed   int
}

func (s Stats) String() string {
	return fmt.Sprintf("scanned=%d expired=%d retained=%d failed=%d", s.Scanned, s.Expired, s.Retained, s.Failed)
}

// Sweeper walks the tree on a schedule and deletes expired files.
type Sweeper struct {
	cfg Config
	log logrus.FieldLogger
}

// New returns a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if cfg.Days < 0 {
		return nil, fmt.Errorf("expiration days cannot be negative")
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
	return &Sweeper{cfg: cfg, log: log.WithField("component", "sweep")}, nil
}

// Run sweeps immediately and then once per period until ctx is done. A
// sweep in progress runs to completion.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Period <= 0 {
		s.log.Error("sweep period must be positive; expiration disabled")
		return
	}
	for {
		s.SweepOnce(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(s.cfg.Period):
		}
	}
}

// AgeDays returns the age of a file modified at modTime, in whole days
// rounded down.
func AgeDays(now, modTime time.Time) int {
	return int(math.Floor(now.Sub(modTime).Hours() / 24))
}

// SweepOnce walks the whole tree once. Errors affecting a single file are
// logged and counted; the walk continues.
func (s *Sweeper) SweepOnce(ctx context.Context) Stats {
	var stats Stats
	start := s.cfg.Clock.Now()
	s.log.WithField("root", s.cfg.Root).Info("process expirations")

	err := afero.Walk(s.cfg.Fs, s.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			stats.Failed++
			s.log.WithError(err).WithField("path", path).Warn("walk failure")
			return nil
		}
		if info.IsDir() {
			return nil
		}
		stats.Scanned++
		s.visit(path, &stats)
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("sweep aborted")
	}

	s.log.WithFields(logrus.Fields{
		"scanned":  stats.Scanned,
		"expired":  stats.Expired,
		"retained": stats.Retained,
		"failed":   stats.Failed,
	}).Info("sweep complete")

	s.cfg.Observer.Observe(activity.Record{
		At:       s.cfg.Clock.Now(),
		Op:       activity.OpSweep,
		Duration: s.cfg.Clock.Since(start),
		Outcome:  activity.OutcomeOK,
		Detail:   stats.String(),
	})
	return stats
}

func (s *Sweeper) visit(path string, stats *Stats) {
	log := s.log.WithField("path", path)

	if !s.cfg.Matcher.InScope(path) {
		log.Debug("no match")
		return
	}

	// Stat again; the file may have vanished since the walk listed it.
	info, err := s.cfg.Fs.Stat(path)
	if err != nil {
		stats.Failed++
		log.WithError(err).Warn("stat failed")
		return
	}

	now := s.cfg.Clock.Now()
	days := AgeDays(now, info.ModTime())
	log = log.WithField("delta_days", days)
	if days < s.cfg.Days {
		stats.Retained++
		log.Debug("retain")
		return
	}

	rec := activity.Record{At: now, Op: activity.OpExpire, Path: path, Bytes: info.Size()}
	if s.cfg.DryRun {
		stats.Expired++
		rec.Outcome = activity.OutcomeDryRun
		log.Info("would expire")
		s.cfg.Observer.Observe(rec)
		return
	}

	if err := s.cfg.Fs.Remove(path); err != nil {
		stats.Failed++
		rec.Outcome = activity.OutcomeFailed
		rec.Err = err.Error()
		log.WithError(err).Warn("expire failed")
		s.cfg.Observer.Observe(rec)
		return
	}
	stats.Expired++
	rec.Outcome = activity.OutcomeOK
	rec.Transferred = true
	log.Info("expire")
	s.cfg.Observer.Observe(rec)
}
