// Package activity carries the outcome of every dispatch and sweep to
// observers such as the journal and the dashboard.
package activity

import (
	"errors"
	"sync"
	"time"

	"github.com/s3mirror/s3mirror/internal/transfer"
)

// Op is the kind of action recorded.
type Op string

const (
	OpPush   Op = "push"
	OpRemove Op = "remove"
	OpExpire Op = "expire"
	OpSweep  Op = "sweep"
)

// Outcome classifies how an action ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeIntegrity Outcome = "integrity"
	OutcomeTransport Outcome = "transport"
	OutcomeDryRun    Outcome = "dry_run"
)

// Record is one observed action.
type Record struct {
	RunID       string        `json:"run_id"`
	At          time.Time     `json:"at"`
	Op          Op            `json:"op"`
	Path        string        `json:"path,omitempty"`
	Key         string        `json:"key,omitempty"`
	Transferred bool          `json:"transferred"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration_ns"`
	Outcome     Outcome       `json:"outcome"`
	Err         string        `json:"error,omitempty"`

	// Detail is free-form, e.g. sweep totals.
	Detail string `json:"detail,omitempty"`
}

// Classify maps a transfer error onto an Outcome. A nil error is OK when
// bytes moved and Skipped otherwise.
func Classify(transferred bool, err error) Outcome {
	switch {
	case err == nil && transferred:
		return OutcomeOK
	case err == nil:
		return OutcomeSkipped
	case errors.Is(err, transfer.ErrIntegrity):
		return OutcomeIntegrity
	case errors.Is(err, transfer.ErrTransport):
		return OutcomeTransport
	default:
		return OutcomeFailed
	}
}

// Observer receives records. Observe must not block for long; it is
// called from the dispatch and sweep loops.
type Observer interface {
	Observe(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

func (f ObserverFunc) Observe(r Record) { f(r) }

// Fanout forwards each record to every observer in order.
type Fanout []Observer

func (f Fanout) Observe(r Record) {
	for _, o := range f {
		if o != nil {
			o.Observe(r)
		}
	}
}

// Stamp returns an observer that sets RunID on every record before passing
// it on.
func Stamp(runID string, next Observer) Observer {
	return ObserverFunc(func(r Record) {
		r.RunID = runID
		next.Observe(r)
	})
}

// Nop discards records.
var Nop Observer = ObserverFunc(func(Record) {})

// Collector keeps every record it sees.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

func (c *Collector) Observe(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

// Records returns a copy of everything observed so far.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}
