package metrics

import "sync/atomic"

var _reporters atomic.Pointer[[]Reporter]

// Reporter receives every record produced by this package.
type Reporter interface {
	Report(r Record)
}

// SetMetricsReporters replaces the global reporter list.
func SetMetricsReporters(reporters []Reporter) {
	cp := append([]Reporter(nil), reporters...)
	_reporters.Store(&cp)
}

// AddReporter appends a reporter to the global list.
func AddReporter(r Reporter) {
	for {
		old := _reporters.Load()
		var next []Reporter
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, r)
		if _reporters.CompareAndSwap(old, &next) {
			return
		}
	}
}

func report(r Record) {
	reporters := _reporters.Load()
	if reporters == nil {
		return
	}
	for _, reporter := range *reporters {
		reporter.Report(r)
	}
}
