package metrics

import "fmt"

// Record is a single measurement together with its metric and labels.
type Record struct {
	metrics    Metrics
	value      Value
	cnt        int
	dimensions Dimension
}

// NewRecord builds a record, mainly for reporters and tests.
func NewRecord(m Metrics, v Value, dims Dimension) Record {
	return Record{metrics: m, value: v, cnt: 1, dimensions: dims}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := &Record{
		metrics: r.metrics,
		value:   r.value,
		cnt:     r.cnt,
	}
	cp.dimensions = make(Dimension, len(r.dimensions))
	for k, v := range r.dimensions {
		cp.dimensions[k] = v
	}
	return cp
}

func (r *Record) Metrics() Metrics { return r.metrics }

// Value returns the value as seen through the metric's policy. Averaging
// policies divide by the number of merged samples.
func (r *Record) Value() Value {
	switch r.metrics.Policy() {
	case Policy_Avg, Policy_Stopwatch:
		if r.cnt != 0 {
			return r.value / Value(r.cnt)
		}
	}
	return r.value
}

// RawData returns the accumulated value and sample count.
func (r *Record) RawData() (Value, int) {
	return r.value, r.cnt
}

func (r *Record) Dimensions() Dimension { return r.dimensions }

// Merge folds other into r. Both must describe the same metric and labels.
func (r *Record) Merge(other Record) error {
	if r.metrics.Name() != other.metrics.Name() || r.metrics.Group() != other.metrics.Group() {
		return fmt.Errorf("metrics (%s.%s,%s.%s) differ", r.metrics.Group(), r.metrics.Name(),
			other.metrics.Group(), other.metrics.Name())
	}
	if r.metrics.Policy() != other.metrics.Policy() {
		return fmt.Errorf("metrics policy(%v,%v) not equal", r.metrics.Policy(), other.metrics.Policy())
	}
	if len(r.dimensions) != len(other.dimensions) {
		return fmt.Errorf("metrics dimensions(%d,%d) not equal", len(r.dimensions), len(other.dimensions))
	}
	for k, v := range r.dimensions {
		if v2, ok := other.dimensions[k]; !ok || v != v2 {
			return fmt.Errorf("metrics dimension %s differs", k)
		}
	}

	switch r.metrics.Policy() {
	case Policy_Set:
		r.value = other.value
	case Policy_Sum:
		r.value += other.value
	case Policy_Max:
		if other.value > r.value {
			r.value = other.value
		}
	case Policy_Avg, Policy_Stopwatch:
		r.value += other.value
		r.cnt += other.cnt
	default:
		return fmt.Errorf("metrics(%s) policy %v cannot merge", r.metrics.Name(), r.metrics.Policy())
	}
	return nil
}
