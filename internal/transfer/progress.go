package transfer

import (
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DefaultProgressStep is the minimum percentage gain between two progress
// log lines.
const DefaultProgressStep = 4.0

// Progress accumulates transferred bytes and logs the running total
// whenever it has grown by at least step percent since the last report.
// It is safe for concurrent use; multipart transfers report from several
// goroutines.
type Progress struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	total    int64
	done     int64
	step     float64
	reported float64
}

// NewProgress returns a reporter for a transfer of total bytes.
func NewProgress(log logrus.FieldLogger, total int64, step float64) *Progress {
	if step <= 0 {
		step = DefaultProgressStep
	}
	return &Progress{log: log, total: total, step: step}
}

// Add records n more bytes.
func (p *Progress) Add(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.done += n
	if p.total <= 0 {
		p.mu.Unlock()
		return
	}
	percent := 100 * float64(p.done) / float64(p.total)
	report := percent-p.reported >= p.step
	if report {
		p.reported = percent
	}
	done := p.done
	p.mu.Unlock()

	if report {
		p.log.WithFields(logrus.Fields{
			"percent": int(percent),
			"bytes":   humanize.IBytes(uint64(done)),
		}).Info("transfer progress")
	}
}

// Bytes returns the bytes recorded so far.
func (p *Progress) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

type progressReader struct {
	r io.Reader
	p *Progress
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	r.p.Add(int64(n))
	return n, err
}

type progressWriterAt struct {
	w io.WriterAt
	p *Progress
}

func (w *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := w.w.WriteAt(b, off)
	w.p.Add(int64(n))
	return n, err
}
