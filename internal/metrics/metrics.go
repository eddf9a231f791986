// Package metrics is the backend-neutral metrics facade used by the
// processing service.
//
// Core code records through the package-level helpers; commands pick a
// backend (Datadog or none) at startup with SetBackend. The default backend
// drops everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names.
const (
	IngestTotal           = "paineis_ingest_total"            // labels: status
	RowsTotal             = "paineis_rows_total"              // labels: kind
	IngestDurationSeconds = "paineis_ingest_duration_seconds" // labels: status
	CacheTotal            = "paineis_dashboard_cache_total"   // labels: result (hit, miss, error)
	QueueJobsTotal        = "paineis_queue_jobs_total"        // labels: status
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the current backend to submit buffered observations.
func Flush() error { return current().Flush() }

// RecordIngest records one finished processing run: its outcome, how long it
// took and, on success, how many rows and columns it produced.
func RecordIngest(status string, elapsed time.Duration, rows, columns int) {
	b := current()
	l := Labels{"status": status}
	b.IncCounter(IngestTotal, 1, l)
	b.ObserveHistogram(IngestDurationSeconds, elapsed.Seconds(), l)
	if rows > 0 {
		b.IncCounter(RowsTotal, float64(rows), Labels{"kind": "rows"})
	}
	if columns > 0 {
		b.IncCounter(RowsTotal, float64(columns), Labels{"kind": "columns"})
	}
}
