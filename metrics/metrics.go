package metrics

import (
	"sync"
	"time"
)

// Metrics is the identity shared by every metric kind.
type Metrics interface {
	Name() string
	Group() string
	Policy() Policy
}

type metricKey struct {
	group  string
	name   string
	policy Policy
}

// metricSet lazily creates one metric per group, name and policy.
type metricSet[T any] struct {
	mu    sync.RWMutex
	items map[metricKey]T
	build func(name, group string, policy Policy) T
}

func newMetricSet[T any](build func(name, group string, policy Policy) T) *metricSet[T] {
	return &metricSet[T]{items: map[metricKey]T{}, build: build}
}

func (s *metricSet[T]) get(name, group string, policy Policy) T {
	key := metricKey{group: group, name: name, policy: policy}
	s.mu.RLock()
	m, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok = s.items[key]; ok {
		return m
	}
	m = s.build(name, group, policy)
	s.items[key] = m
	return m
}

var (
	_counters = newMetricSet(func(name, group string, _ Policy) Counter {
		return &counter{name: name, group: group}
	})
	_gauges = newMetricSet(func(name, group string, policy Policy) Gauge {
		return &gauge{name: name, group: group, policy: policy}
	})
	_stopwatches = newMetricSet(func(name, group string, _ Policy) StopWatch {
		return &stopwatch{name: name, group: group}
	})
)

// IncrCounterWithGroup increases a counter in group by value.
func IncrCounterWithGroup(key string, group string, value Value) {
	_counters.get(key, group, Policy_Sum).Incr(value)
}

// IncrCounterWithDimGroup increases a counter in group by value under the
// given labels.
func IncrCounterWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_counters.get(key, group, Policy_Sum).IncrWithDim(value, dimensions)
}

// UpdateGaugeWithGroup sets a gauge to value.
func UpdateGaugeWithGroup(key string, group string, value Value) {
	_gauges.get(key, group, Policy_Set).Update(value)
}

func UpdateGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_gauges.get(key, group, Policy_Set).UpdateWithDim(value, dimensions)
}

// UpdateAvgGaugeWithGroup feeds value into a gauge that reports the mean of
// its samples.
func UpdateAvgGaugeWithGroup(key string, group string, value Value) {
	_gauges.get(key, group, Policy_Avg).Update(value)
}

func UpdateAvgGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_gauges.get(key, group, Policy_Avg).UpdateWithDim(value, dimensions)
}

// UpdateMaxGaugeWithGroup feeds value into a gauge that keeps its largest
// sample.
func UpdateMaxGaugeWithGroup(key string, group string, value Value) {
	_gauges.get(key, group, Policy_Max).Update(value)
}

func UpdateMaxGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_gauges.get(key, group, Policy_Max).UpdateWithDim(value, dimensions)
}

// RecordStopwatchWithGroup records the time elapsed since startTime.
func RecordStopwatchWithGroup(key string, group string, startTime time.Time) time.Duration {
	return _stopwatches.get(key, group, Policy_Stopwatch).RecordWithDim(nil, startTime)
}

func RecordStopwatchWithDimGroup(key string, group string, startTime time.Time, dimensions Dimension) time.Duration {
	return _stopwatches.get(key, group, Policy_Stopwatch).RecordWithDim(dimensions, startTime)
}
