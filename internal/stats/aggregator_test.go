package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gander/internal/record"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg := NewAggregator(16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agg.Run(ctx)
	return agg
}

func waitForCount(t *testing.T, agg *Aggregator, want uint64) FullSnapshot {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := agg.Snapshot()
		if snap.Aggregate.RequestCount >= want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("aggregate never reached %d requests", want)
	return FullSnapshot{}
}

func TestAggregatorSendAndSnapshot(t *testing.T) {
	agg := newTestAggregator(t)

	agg.Send(record.Raw{Name: "/login", Success: true, StatusCode: 200, ResponseTimeMs: 10})
	agg.Send(record.Raw{Name: "/login", Success: false, StatusCode: 500, ResponseTimeMs: 20})
	agg.Send(record.Raw{Name: "/search", Success: true, StatusCode: 200, ResponseTimeMs: 5})

	snap := waitForCount(t, agg, 3)
	require.Len(t, snap.Buckets, 2)
	assert.Equal(t, uint64(2), snap.Buckets["/login"].RequestCount)
	assert.Equal(t, uint64(1), snap.Buckets["/login"].FailCount)
	assert.Equal(t, uint64(1), snap.Buckets["/search"].RequestCount)
	assert.Equal(t, uint64(3), snap.Aggregate.RequestCount)
}

func TestAggregatorApplyUpdateFlipsOutcome(t *testing.T) {
	agg := newTestAggregator(t)

	agg.Send(record.Raw{Name: "/pay", UserID: 1, ElapsedMs: 100, Success: true, StatusCode: 200, ResponseTimeMs: 10})
	waitForCount(t, agg, 1)

	agg.Send(record.Raw{Name: "/pay", UserID: 1, ElapsedMs: 100, Success: false, Update: true})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := agg.Snapshot()
		if snap.Aggregate.FailCount == 1 {
			assert.Equal(t, uint64(1), snap.Aggregate.RequestCount, "update must not add a new request")
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("update record was never applied")
}

func TestAggregatorApplyUpdateWithNoMatchCountsAsNew(t *testing.T) {
	agg := newTestAggregator(t)

	agg.Send(record.Raw{Name: "/pay", UserID: 99, ElapsedMs: 999, Success: false, Update: true})

	snap := waitForCount(t, agg, 1)
	assert.Equal(t, uint64(1), snap.Aggregate.FailCount)
}

func TestAggregatorDroppedRecordsOnFullChannel(t *testing.T) {
	agg := NewAggregator(1, zerolog.Nop())
	// No Run goroutine draining: the first Send fills the buffer, the rest drop.
	agg.Send(record.Raw{Name: "/a"})
	for i := 0; i < 5; i++ {
		agg.Send(record.Raw{Name: "/a"})
	}
	assert.Greater(t, agg.DroppedRecords(), uint64(0))
}

func TestAggregatorResetClearsBucketsNotDropped(t *testing.T) {
	agg := newTestAggregator(t)
	agg.Send(record.Raw{Name: "/x", Success: true, StatusCode: 200, ResponseTimeMs: 1})
	waitForCount(t, agg, 1)

	agg.Reset()
	snap := agg.Snapshot()
	assert.Equal(t, uint64(0), snap.Aggregate.RequestCount)
	assert.Empty(t, snap.Buckets)
}

func TestAggregatorDeltaWireAndMergeWireRoundTrip(t *testing.T) {
	worker := newTestAggregator(t)
	worker.Send(record.Raw{Name: "/p", Success: true, StatusCode: 200, ResponseTimeMs: 10})
	worker.Send(record.Raw{Name: "/p", Success: false, StatusCode: 503, ResponseTimeMs: 30})
	waitForCount(t, worker, 2)

	delta := worker.DeltaWire()
	require.Len(t, delta.Buckets, 1)

	manager := NewAggregator(16, zerolog.Nop())
	manager.MergeWire(delta)

	snap := manager.Snapshot()
	assert.Equal(t, uint64(2), snap.Aggregate.RequestCount)
	assert.Equal(t, uint64(1), snap.Aggregate.FailCount)
	assert.Equal(t, uint64(2), snap.Buckets["/p"].RequestCount)
}

func TestAggregatorDeltaWireDoesNotDoubleCountAcrossPushes(t *testing.T) {
	worker := newTestAggregator(t)
	worker.Send(record.Raw{Name: "/q", Success: true, StatusCode: 200, ResponseTimeMs: 1})
	waitForCount(t, worker, 1)

	manager := NewAggregator(16, zerolog.Nop())
	manager.MergeWire(worker.DeltaWire())

	worker.Send(record.Raw{Name: "/q", Success: true, StatusCode: 200, ResponseTimeMs: 1})
	waitForCount(t, worker, 2)
	manager.MergeWire(worker.DeltaWire())

	assert.Equal(t, uint64(2), manager.Snapshot().Aggregate.RequestCount)
}

func TestAggregatorSetDebugSink(t *testing.T) {
	agg := newTestAggregator(t)

	received := make(chan record.Debug, 1)
	agg.SetDebugSink(debugSinkFunc(func(d record.Debug) { received <- d }))

	agg.SendDebug(record.Debug{Tag: "set_failure"})

	select {
	case d := <-received:
		assert.Equal(t, "set_failure", d.Tag)
	case <-time.After(time.Second):
		t.Fatal("debug record never reached sink")
	}
}

type debugSinkFunc func(record.Debug)

func (f debugSinkFunc) Send(d record.Debug) { f(d) }
