package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketRecordAdd(t *testing.T) {
	b := newBucket("login")

	b.recordAdd(true, 200, 10)
	b.recordAdd(false, 500, 30)
	b.recordAdd(true, 200, 20)

	snap := b.snapshot()
	require.Equal(t, uint64(3), snap.RequestCount)
	require.Equal(t, uint64(1), snap.FailCount)
	assert.Equal(t, int64(10), snap.MinMs)
	assert.Equal(t, int64(30), snap.MaxMs)
	assert.Equal(t, int64(60), snap.SumMs)
	assert.Equal(t, uint64(2), snap.StatusCodeCounts[200])
	assert.Equal(t, uint64(1), snap.StatusCodeCounts[500])
	assert.InDelta(t, 20.0, snap.MeanMs(), 0.001)
}

func TestBucketApplyUpdateFlipsFailCountOnly(t *testing.T) {
	b := newBucket("checkout")
	b.recordAdd(true, 200, 15)

	b.applyUpdate(true, false)
	snap := b.snapshot()
	assert.Equal(t, uint64(1), snap.RequestCount)
	assert.Equal(t, uint64(1), snap.FailCount)

	b.applyUpdate(false, true)
	snap = b.snapshot()
	assert.Equal(t, uint64(0), snap.FailCount)
}

func TestBucketApplyUpdateNoOpWhenUnchanged(t *testing.T) {
	b := newBucket("checkout")
	b.recordAdd(true, 200, 15)
	b.applyUpdate(true, true)
	assert.Equal(t, uint64(0), b.snapshot().FailCount)
}

func TestBucketDrainPendingResetsButKeepsLifetime(t *testing.T) {
	b := newBucket("search")
	b.recordAdd(true, 200, 5)
	b.recordAdd(true, 200, 7)

	wire := b.drainPending()
	assert.Equal(t, uint64(2), wire.RequestCount)

	// Lifetime still reflects both samples.
	assert.Equal(t, uint64(2), b.snapshot().RequestCount)

	// A second drain with nothing new returns an empty delta.
	wire2 := b.drainPending()
	assert.Equal(t, uint64(0), wire2.RequestCount)

	b.recordAdd(false, 500, 9)
	wire3 := b.drainPending()
	assert.Equal(t, uint64(1), wire3.RequestCount)
	assert.Equal(t, uint64(1), wire3.FailCount)
}

func TestBucketMergeWire(t *testing.T) {
	source := newBucket("api")
	source.recordAdd(true, 200, 12)
	source.recordAdd(false, 503, 40)
	wire := source.drainPending()

	dest := newBucket("api")
	dest.mergeWire(wire)

	snap := dest.snapshot()
	assert.Equal(t, uint64(2), snap.RequestCount)
	assert.Equal(t, uint64(1), snap.FailCount)
	assert.Equal(t, int64(52), snap.SumMs)
	assert.Equal(t, int64(12), snap.MinMs)
	assert.Equal(t, int64(40), snap.MaxMs)
}

func TestBucketReset(t *testing.T) {
	b := newBucket("x")
	b.recordAdd(true, 200, 1)
	b.reset()
	assert.Equal(t, uint64(0), b.snapshot().RequestCount)
}

func TestSnapshotMeanAndRPS(t *testing.T) {
	s := Snapshot{}
	assert.Equal(t, 0.0, s.MeanMs())
	assert.Equal(t, 0.0, s.RequestsPerSecond(10))

	s.RequestCount = 10
	s.SumMs = 500
	assert.InDelta(t, 50.0, s.MeanMs(), 0.001)
	assert.InDelta(t, 2.0, s.RequestsPerSecond(5), 0.001)
	assert.Equal(t, 0.0, s.RequestsPerSecond(0))
}
