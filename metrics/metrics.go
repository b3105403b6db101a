package metrics

import (
	"sync"
)

// Metrics is the identity of a metric.
type Metrics interface {
	Name() string
	Group() string
	Policy() Policy
}

// registry lazily creates one metric object per name.
type registry[T Metrics] struct {
	lock sync.RWMutex
	m    map[string]T
	make func(name, group string) T
}

func newRegistry[T Metrics](mk func(name, group string) T) *registry[T] {
	return &registry[T]{m: map[string]T{}, make: mk}
}

func (r *registry[T]) get(name, group string) T {
	r.lock.RLock()
	v, ok := r.m[name]
	r.lock.RUnlock()
	if ok {
		return v
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if v, ok = r.m[name]; ok {
		return v
	}
	v = r.make(name, group)
	r.m[name] = v
	return v
}

var (
	_counters  = newRegistry(func(n, g string) Counter { return &counter{name: n, group: g} })
	_gauges    = newRegistry(func(n, g string) Gauge { return &gauge{name: n, group: g, policy: Policy_Set} })
	_maxGauges = newRegistry(func(n, g string) Gauge { return &gauge{name: n, group: g, policy: Policy_Max} })
)

// IncrCounterWithGroup adds value to a counter.
func IncrCounterWithGroup(key string, group string, value Value) {
	_counters.get(key, group).Incr(value)
}

// IncrCounterWithDimGroup adds value to a counter with dimensions.
func IncrCounterWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_counters.get(key, group).IncrWithDim(value, dimensions)
}

// UpdateGaugeWithGroup sets a gauge; the last value wins.
func UpdateGaugeWithGroup(key string, group string, value Value) {
	_gauges.get(key, group).Update(value)
}

// UpdateGaugeWithDimGroup sets a gauge with dimensions.
func UpdateGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_gauges.get(key, group).UpdateWithDim(value, dimensions)
}

// UpdateMaxGaugeWithGroup reports a value aggregated by maximum.
func UpdateMaxGaugeWithGroup(key string, group string, value Value) {
	_maxGauges.get(key, group).Update(value)
}

// UpdateMaxGaugeWithDimGroup reports a value aggregated by maximum, with dimensions.
func UpdateMaxGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	_maxGauges.get(key, group).UpdateWithDim(value, dimensions)
}
