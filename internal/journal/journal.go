// Package journal keeps a local SQLite record of every dispatch and sweep
// outcome, so that `s3mirror status` can report on past and running
// sessions.
//
// The database runs in WAL mode so the status command can read while a
// running mirror writes. Writing the journal never affects dispatch: the
// Observe method logs failures and returns.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/logging"
)

// ErrNoRuns is returned by Summary when the journal holds no matching run.
var ErrNoRuns = errors.New("no runs recorded")

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT    NOT NULL,
	at          TEXT    NOT NULL,
	op          TEXT    NOT NULL,
	path        TEXT    NOT NULL DEFAULT '',
	object_key  TEXT    NOT NULL DEFAULT '',
	transferred INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	detail      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_activity_run ON activity(run_id, at);
CREATE INDEX IF NOT EXISTS idx_activity_at ON activity(at);
`

// Journal is an open journal database.
type Journal struct {
	conn *sql.DB
	path string
	log  logrus.FieldLogger
}

// Open opens or creates the journal at path.
//
// The caller must call Close when done so the WAL is checkpointed.
func Open(path string, log logrus.FieldLogger) (*Journal, error) {
	log = logging.OrDiscard(log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := "file:" + path + "?" + url.Values{
		"_pragma": {"journal_mode(wal)", "busy_timeout(5000)", "synchronous(normal)"},
	}.Encode()
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{
		conn: conn,
		path: path,
		log:  log.WithField("component", "journal"),
	}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close checkpoints the WAL and closes the database.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		j.log.WithError(err).Warn("failed to checkpoint WAL")
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	j.conn = nil
	return nil
}

// Record appends rec.
func (j *Journal) Record(ctx context.Context, rec activity.Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO activity (run_id, at, op, path, object_key, transferred, bytes, duration_ns, outcome, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.At.UTC().Format(timeLayout),
		string(rec.Op),
		rec.Path,
		rec.Key,
		rec.Transferred,
		rec.Bytes,
		int64(rec.Duration),
		string(rec.Outcome),
		rec.Err,
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// Observe records rec, logging instead of returning failures.
func (j *Journal) Observe(rec activity.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Record(ctx, rec); err != nil {
		j.log.WithError(err).Warn("journal write failed")
	}
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]activity.Record, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT run_id, at, op, path, object_key, transferred, bytes, duration_ns, outcome, error, detail
		FROM activity
		ORDER BY at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var out []activity.Record
	for rows.Next() {
		var (
			rec             activity.Record
			at, op, outcome string
			durationNs      int64
		)
		if err := rows.Scan(&rec.RunID, &at, &op, &rec.Path, &rec.Key, &rec.Transferred,
			&rec.Bytes, &durationNs, &outcome, &rec.Err, &rec.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		rec.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", at, err)
		}
		rec.Op = activity.Op(op)
		rec.Outcome = activity.Outcome(outcome)
		rec.Duration = time.Duration(durationNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates one run.
type Summary struct {
	RunID     string
	First     time.Time
	Last      time.Time
	Pushed    int
	Skipped   int
	Removed   int
	Expired   int
	Failed    int
	Integrity int
	Bytes     int64
}

// Summary aggregates the run runID, or the most recent run when runID is
// empty.
func (j *Journal) Summary(ctx context.Context, runID string) (Summary, error) {
	if runID == "" {
		err := j.conn.QueryRowContext(ctx,
			`SELECT run_id FROM activity ORDER BY at DESC, id DESC LIMIT 1`).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrNoRuns
		}
		if err != nil {
			return Summary{}, fmt.Errorf("failed to find latest run: %w", err)
		}
	}

	var (
		s           Summary
		first, last string
	)
	err := j.conn.QueryRowContext(ctx, `
		SELECT run_id, MIN(at), MAX(at),
			SUM(CASE WHEN op = 'push'   AND outcome = 'ok'      THEN 1 ELSE 0 END),
			SUM(CASE WHEN op = 'push'   AND outcome = 'skipped' THEN 1 ELSE 0 END),
			SUM(CASE WHEN op = 'remove' AND outcome = 'ok'      THEN 1 ELSE 0 END),
			SUM(CASE WHEN op = 'expire' AND outcome = 'ok'      THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome IN ('failed', 'transport')    THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'integrity'                 THEN 1 ELSE 0 END),
			SUM(CASE WHEN op = 'push'   AND outcome = 'ok'      THEN bytes ELSE 0 END)
		FROM activity
		WHERE run_id = ?
		GROUP BY run_id`, runID).Scan(
		&s.RunID, &first, &last,
		&s.Pushed, &s.Skipped, &s.Removed, &s.Expired, &s.Failed, &s.Integrity, &s.Bytes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNoRuns
	}
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize run %s: %w", runID, err)
	}
	if s.First, err = time.Parse(timeLayout, first); err != nil {
		return Summary{}, fmt.Errorf("bad timestamp %q: %w", first, err)
	}
	if s.Last, err = time.Parse(timeLayout, last); err != nil {
		return Summary{}, fmt.Errorf("bad timestamp %q: %w", last, err)
	}
	return s, nil
}

// Runs summarizes up to limit runs, most recent first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT run_id FROM activity
		GROUP BY run_id
		ORDER BY MAX(at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := j.Summary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
