// Package metricstest captures metric records in tests.
package metricstest

import (
	"sync"
	"testing"

	"github.com/linchenxuan/pipc/metrics"
)

// Recorder is a metrics.Reporter that keeps every record.
type Recorder struct {
	mu      sync.Mutex
	records []metrics.Record
}

// Install adds a Recorder to the global reporters for the duration of t.
func Install(t testing.TB) *Recorder {
	r := &Recorder{}
	metrics.AddReporter(r)
	t.Cleanup(func() { metrics.RemoveReporter(r) })
	return r
}

// Report implements metrics.Reporter.
func (r *Recorder) Report(rec metrics.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec.Clone())
}

// Records returns the records reported under name.
func (r *Recorder) Records(name string) []metrics.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []metrics.Record
	for _, rec := range r.records {
		if rec.Metrics().Name() == name {
			out = append(out, rec)
		}
	}
	return out
}

// Sum adds up the values reported under name.
func (r *Recorder) Sum(name string) metrics.Value {
	var v metrics.Value
	for _, rec := range r.Records(name) {
		v += rec.Value()
	}
	return v
}

// Last returns the most recent value reported under name, and false if none was.
func (r *Recorder) Last(name string) (metrics.Value, bool) {
	recs := r.Records(name)
	if len(recs) == 0 {
		return 0, false
	}
	return recs[len(recs)-1].Value(), true
}
