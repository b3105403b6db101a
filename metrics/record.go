package metrics

import "fmt"

// Record is one metric observation.
type Record struct {
	metrics    Metrics
	value      Value
	cnt        int
	dimensions Dimension
}

// NewRecord builds a record; reporters outside this package use it in tests.
func NewRecord(m Metrics, v Value, dims Dimension) Record {
	return Record{metrics: m, value: v, cnt: 1, dimensions: dims}
}

// Clone deep-copies the record, dimensions included.
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

// Metrics returns the metric the record belongs to.
func (r *Record) Metrics() Metrics {
	return r.metrics
}

// Value returns the observed value.
func (r *Record) Value() Value {
	return r.value
}

// Dimensions returns the labels of the record.
func (r *Record) Dimensions() map[string]string {
	return r.dimensions
}

// Merge folds other into r according to the metric policy. Both records must
// describe the same metric with the same dimensions.
func (r *Record) Merge(other Record) error {
	if r.metrics.Name() != other.metrics.Name() || r.metrics.Group() != other.metrics.Group() {
		return fmt.Errorf("metrics %s.%s cannot merge %s.%s", r.metrics.Group(), r.metrics.Name(),
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
	default:
		return fmt.Errorf("metrics(%s) policy %v cannot merge", r.metrics.Name(), r.metrics.Policy())
	}
	r.cnt += other.cnt
	return nil
}
