package stats

import "sync"

// counters holds the plain-arithmetic fields of a MetricsBucket — the parts
// a delta push can sum and reset independently of the latency histogram.
type counters struct {
	RequestCount     uint64
	FailCount        uint64
	StatusCodeCounts map[int]uint64
	MinMs            int64
	MaxMs            int64
	SumMs            int64
	Latency          *SafeHistogram
}

func newCounters() *counters {
	return &counters{
		StatusCodeCounts: make(map[int]uint64),
		Latency:          NewSafeHistogram(),
	}
}

// addSample folds one latency sample into the running min/max/sum. Callers
// increment RequestCount before calling this, so RequestCount==1 identifies
// the first sample of this counters' lifetime.
func (c *counters) addSample(ms int64) {
	if c.RequestCount == 1 || ms < c.MinMs {
		c.MinMs = ms
	}
	if ms > c.MaxMs {
		c.MaxMs = ms
	}
	c.SumMs += ms
	c.Latency.RecordValue(ms)
}

// Bucket is a per-name (or aggregate) MetricsBucket. The aggregator is its
// sole writer; readers (live TUI, gaggle push) take the RLock.
type Bucket struct {
	mu sync.RWMutex

	Name string

	// lifetime accumulates for the whole run, used for the final summary
	// and for a standalone process's live view.
	lifetime *counters

	// pending accumulates since the last gaggle push and is drained (and
	// reset) by the worker's metrics-push loop. Unused outside gaggle mode.
	pending *counters
}

func newBucket(name string) *Bucket {
	return &Bucket{
		Name:     name,
		lifetime: newCounters(),
		pending:  newCounters(),
	}
}

// recordAdd applies a fresh (non-update) RawRequest to both the lifetime
// and pending counters.
func (b *Bucket) recordAdd(success bool, statusCode int, responseTimeMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lifetime.RequestCount++
	b.pending.RequestCount++
	if !success {
		b.lifetime.FailCount++
		b.pending.FailCount++
	}
	b.lifetime.StatusCodeCounts[statusCode]++
	b.pending.StatusCodeCounts[statusCode]++
	b.lifetime.addSample(responseTimeMs)
	b.pending.addSample(responseTimeMs)
}

// applyUpdate flips the fail/success classification of a previously counted
// request without touching latency or status-code tallies.
func (b *Bucket) applyUpdate(wasSuccess, nowSuccess bool) {
	if wasSuccess == nowSuccess {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if wasSuccess && !nowSuccess {
		b.lifetime.FailCount++
		b.pending.FailCount++
	} else {
		if b.lifetime.FailCount > 0 {
			b.lifetime.FailCount--
		}
		if b.pending.FailCount > 0 {
			b.pending.FailCount--
		}
	}
}

// Snapshot is a read-only copy of a Bucket's lifetime counters, suitable for
// live reporting and the final summary.
type Snapshot struct {
	Name             string
	RequestCount     uint64
	FailCount        uint64
	StatusCodeCounts map[int]uint64
	MinMs            int64
	MaxMs            int64
	SumMs            int64
	Percentiles      Percentiles
}

func (s Snapshot) MeanMs() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.SumMs) / float64(s.RequestCount)
}

// RequestsPerSecond derives req/s at read time from the supplied run
// duration.
func (s Snapshot) RequestsPerSecond(elapsed float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(s.RequestCount) / elapsed
}

func (b *Bucket) snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return snapshotCounters(b.Name, b.lifetime)
}

func snapshotCounters(name string, c *counters) Snapshot {
	codes := make(map[int]uint64, len(c.StatusCodeCounts))
	for k, v := range c.StatusCodeCounts {
		codes[k] = v
	}
	return Snapshot{
		Name:             name,
		RequestCount:     c.RequestCount,
		FailCount:        c.FailCount,
		StatusCodeCounts: codes,
		MinMs:            c.MinMs,
		MaxMs:            c.MaxMs,
		SumMs:            c.SumMs,
		Percentiles:      c.Latency.Percentiles(),
	}
}

// drainPending returns the delta accumulated since the last call and resets
// it, used by the gaggle worker's periodic metrics push.
func (b *Bucket) drainPending() BucketWire {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := countersToWire(b.Name, b.pending)
	b.pending = newCounters()
	return w
}

func (b *Bucket) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifetime = newCounters()
	b.pending = newCounters()
}

// mergeWire folds a remote delta (or full snapshot) into this bucket's
// lifetime counters — the manager side of a gaggle metrics merge.
func (b *Bucket) mergeWire(w BucketWire) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lifetime.RequestCount += w.RequestCount
	b.lifetime.FailCount += w.FailCount
	for code, n := range w.StatusCodeCounts {
		b.lifetime.StatusCodeCounts[code] += n
	}
	if w.MinMs > 0 && (b.lifetime.MinMs == 0 || w.MinMs < b.lifetime.MinMs) {
		b.lifetime.MinMs = w.MinMs
	}
	if w.MaxMs > b.lifetime.MaxMs {
		b.lifetime.MaxMs = w.MaxMs
	}
	b.lifetime.SumMs += w.SumMs
	b.lifetime.Latency.Merge(ImportHistogramWire(w.Latency))
}
