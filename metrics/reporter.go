package metrics

import "sync/atomic"

// Reporter receives every metric update.
type Reporter interface {
	Report(r Record)
}

var _reporters atomic.Pointer[[]Reporter]

// SetMetricsReporters replaces the reporter list.
func SetMetricsReporters(reports []Reporter) {
	cp := append([]Reporter(nil), reports...)
	_reporters.Store(&cp)
}

// AddReporter appends a reporter to the current list.
func AddReporter(r Reporter) {
	for {
		old := _reporters.Load()
		var cur []Reporter
		if old != nil {
			cur = *old
		}
		next := append(append([]Reporter(nil), cur...), r)
		if _reporters.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveReporter drops r from the list if present.
func RemoveReporter(r Reporter) {
	for {
		old := _reporters.Load()
		if old == nil {
			return
		}
		next := make([]Reporter, 0, len(*old))
		for _, x := range *old {
			if x != r {
				next = append(next, x)
			}
		}
		if _reporters.CompareAndSwap(old, &next) {
			return
		}
	}
}

func report(r Record) {
	p := _reporters.Load()
	if p == nil {
		return
	}
	for _, reporter := range *p {
		reporter.Report(r)
	}
}
