package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockReporter records every reported metric.
type MockReporter struct {
	mu      sync.Mutex
	records []Record
}

func (mr *MockReporter) Report(r Record) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.records = append(mr.records, *r.Clone())
}

func (mr *MockReporter) Records() []Record {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return append([]Record{}, mr.records...)
}

func withMock(t *testing.T) *MockReporter {
	mock := &MockReporter{}
	SetMetricsReporters([]Reporter{mock})
	t.Cleanup(func() { SetMetricsReporters(nil) })
	return mock
}

func TestCounterAndGauges(t *testing.T) {
	mock := withMock(t)

	IncrCounterWithDimGroup(NameQueueFullTotal, GroupPIPC, 2, Dimension{DimSocket: "s0"})
	UpdateGaugeWithGroup(NameSdProviders, GroupPIPC, 5)
	UpdateMaxGaugeWithGroup(NameQueueUsageMaxPercent, GroupPIPC, 40)

	recs := mock.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, NameQueueFullTotal, recs[0].Metrics().Name())
	assert.Equal(t, Policy_Sum, recs[0].Metrics().Policy())
	assert.Equal(t, "s0", recs[0].Dimensions()[DimSocket])
	assert.Equal(t, Value(2), recs[0].Value())
	assert.Equal(t, Policy_Set, recs[1].Metrics().Policy())
	assert.Equal(t, Policy_Max, recs[2].Metrics().Policy())
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	a := _counters.get("same", GroupPIPC)
	b := _counters.get("same", GroupPIPC)
	assert.Same(t, a, b)
}

func TestRecordMerge(t *testing.T) {
	c := &counter{name: "c", group: GroupPIPC}
	r := NewRecord(c, 1, Dimension{"k": "v"})
	require.NoError(t, r.Merge(NewRecord(c, 2, Dimension{"k": "v"})))
	assert.Equal(t, Value(3), r.Value())
	assert.Error(t, r.Merge(NewRecord(c, 2, Dimension{"k": "w"})))

	m := &gauge{name: "m", group: GroupPIPC, policy: Policy_Max}
	r = NewRecord(m, 5, nil)
	require.NoError(t, r.Merge(NewRecord(m, 3, nil)))
	assert.Equal(t, Value(5), r.Value())
	assert.Error(t, r.Merge(NewRecord(c, 3, nil)))
}

func TestAddRemoveReporter(t *testing.T) {
	SetMetricsReporters(nil)
	defer SetMetricsReporters(nil)

	a, b := &MockReporter{}, &MockReporter{}
	AddReporter(a)
	AddReporter(b)
	IncrCounterWithGroup("x", GroupPIPC, 1)
	RemoveReporter(a)
	IncrCounterWithGroup("x", GroupPIPC, 1)

	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 2)
}
