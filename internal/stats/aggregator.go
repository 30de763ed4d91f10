package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/record"
)

// updateWindow bounds the memory used to match update records against the
// request they revise. Only the most recent entries are kept; a
// set_success/set_failure call that arrives after its target has scrolled
// out of the window falls back to the "treat as new record" safety rule.
const updateWindow = 8192

type recordKey struct {
	userID    uint64
	elapsedMs int64
	name      string
}

// Aggregator is the sole consumer of the raw-request channel. It owns
// every named Bucket plus the process-wide aggregate bucket, and is safe
// to read from concurrently (live TUI, gaggle push). Its Run loop applies
// every local record; on a gaggle manager, MergeWire also writes from the
// per-worker connection goroutines, each Bucket guarding itself with its
// own lock.
type Aggregator struct {
	log zerolog.Logger

	in      chan record.Raw
	debugIn chan record.Debug

	dropped      uint64
	debugDropped uint64

	mu        sync.RWMutex
	buckets   map[string]*Bucket
	aggregate *Bucket

	seenMu  sync.Mutex
	seen    map[recordKey]bool
	seenLRU []recordKey

	resetRequested atomic.Bool

	debugSink DebugSink
}

// DebugSink receives debug records when a --debug-log-file consumer is
// attached; nil means debug logging is disabled.
type DebugSink interface {
	Send(record.Debug)
}

func NewAggregator(bufSize int, log zerolog.Logger) *Aggregator {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Aggregator{
		log:       log.With().Str("component", "aggregator").Logger(),
		in:        make(chan record.Raw, bufSize),
		debugIn:   make(chan record.Debug, bufSize),
		buckets:   make(map[string]*Bucket),
		aggregate: newBucket(""),
		seen:      make(map[recordKey]bool, updateWindow),
	}
}

// SetDebugSink wires an optional debug-log consumer; safe to call once
// before Run starts.
func (a *Aggregator) SetDebugSink(sink DebugSink) { a.debugSink = sink }

// Send is the non-blocking entry point used by the request executor after
// every issued request. On a full channel it increments the drop counter
// and returns false instead of applying backpressure to the issuing user.
func (a *Aggregator) Send(rec record.Raw) bool {
	select {
	case a.in <- rec:
		return true
	default:
		atomic.AddUint64(&a.dropped, 1)
		return false
	}
}

func (a *Aggregator) SendDebug(rec record.Debug) {
	select {
	case a.debugIn <- rec:
	default:
		atomic.AddUint64(&a.debugDropped, 1)
	}
}

// RequestReset asks the aggregator to clear all accumulated stats the next
// time it is convenient — called by the scheduler once the last user has
// been hatched, to honor --reset-stats without discarding warmup traffic
// already in flight.
func (a *Aggregator) RequestReset() { a.resetRequested.Store(true) }

func (a *Aggregator) DroppedRecords() uint64 { return atomic.LoadUint64(&a.dropped) }

// Run drains the raw-request and debug channels until ctx is done and the
// channels are empty. It is the aggregator's only writer goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case rec, ok := <-a.in:
			if !ok {
				return
			}
			a.apply(rec)
		case dbg, ok := <-a.debugIn:
			if ok && a.debugSink != nil {
				a.debugSink.Send(dbg)
			}
		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

// drain flushes whatever is already queued once the context is cancelled,
// so a final snapshot reflects every request that was actually issued.
func (a *Aggregator) drain() {
	for {
		select {
		case rec, ok := <-a.in:
			if !ok {
				return
			}
			a.apply(rec)
		case dbg, ok := <-a.debugIn:
			if ok && a.debugSink != nil {
				a.debugSink.Send(dbg)
			}
		default:
			return
		}
	}
}

func (a *Aggregator) apply(rec record.Raw) {
	if a.resetRequested.Load() {
		a.Reset()
		a.resetRequested.Store(false)
	}

	if rec.Update {
		a.applyUpdate(rec)
		return
	}

	bucket := a.bucketFor(rec.Name)
	bucket.recordAdd(rec.Success, rec.StatusCode, rec.ResponseTimeMs)
	a.aggregate.recordAdd(rec.Success, rec.StatusCode, rec.ResponseTimeMs)

	a.remember(rec)
}

func (a *Aggregator) applyUpdate(rec record.Raw) {
	key := recordKey{userID: rec.UserID, elapsedMs: rec.ElapsedMs, name: rec.Name}

	a.seenMu.Lock()
	wasSuccess, ok := a.seen[key]
	if ok {
		a.seen[key] = rec.Success
	}
	a.seenMu.Unlock()

	if !ok {
		// No matching original record — fall back to counting this as new.
		a.log.Debug().Uint64("user", rec.UserID).Str("name", rec.Name).Msg("update record had no match, counting as new")
		bucket := a.bucketFor(rec.Name)
		bucket.recordAdd(rec.Success, rec.StatusCode, rec.ResponseTimeMs)
		a.aggregate.recordAdd(rec.Success, rec.StatusCode, rec.ResponseTimeMs)
		return
	}

	bucket := a.bucketFor(rec.Name)
	bucket.applyUpdate(wasSuccess, rec.Success)
	a.aggregate.applyUpdate(wasSuccess, rec.Success)
}

func (a *Aggregator) remember(rec record.Raw) {
	key := recordKey{userID: rec.UserID, elapsedMs: rec.ElapsedMs, name: rec.Name}

	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	a.seen[key] = rec.Success
	a.seenLRU = append(a.seenLRU, key)
	if len(a.seenLRU) > updateWindow {
		evict := a.seenLRU[0]
		a.seenLRU = a.seenLRU[1:]
		delete(a.seen, evict)
	}
}

func (a *Aggregator) bucketFor(name string) *Bucket {
	a.mu.RLock()
	b, ok := a.buckets[name]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[name]; ok {
		return b
	}
	b = newBucket(name)
	a.buckets[name] = b
	return b
}

// Reset clears every bucket and the aggregate, honoring --reset-stats. It
// does not clear dropped-record counters, which describe pipeline health
// rather than test results.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.buckets = make(map[string]*Bucket)
	a.aggregate = newBucket("")
	a.mu.Unlock()

	a.seenMu.Lock()
	a.seen = make(map[recordKey]bool, updateWindow)
	a.seenLRU = nil
	a.seenMu.Unlock()
}

// FullSnapshot is a point-in-time read of every named bucket plus the
// aggregate, suitable for the --only-summary final render and the live TUI.
type FullSnapshot struct {
	Buckets        map[string]Snapshot
	Aggregate      Snapshot
	DroppedRecords uint64
	GeneratedAt    time.Time
}

func (a *Aggregator) Snapshot() FullSnapshot {
	a.mu.RLock()
	names := make([]string, 0, len(a.buckets))
	bs := make([]*Bucket, 0, len(a.buckets))
	for name, b := range a.buckets {
		names = append(names, name)
		bs = append(bs, b)
	}
	agg := a.aggregate
	a.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for i, name := range names {
		out[name] = bs[i].snapshot()
	}

	return FullSnapshot{
		Buckets:        out,
		Aggregate:      agg.snapshot(),
		DroppedRecords: a.DroppedRecords(),
		GeneratedAt:    time.Now(),
	}
}

// DeltaWire drains and returns every bucket's pending-since-last-push
// counters, for a gaggle worker's periodic MetricsPush.
func (a *Aggregator) DeltaWire() SnapshotWire {
	a.mu.RLock()
	bs := make([]*Bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		bs = append(bs, b)
	}
	a.mu.RUnlock()

	wires := make([]BucketWire, 0, len(bs))
	for _, b := range bs {
		wires = append(wires, b.drainPending())
	}

	return SnapshotWire{
		Buckets:        wires,
		DroppedRecords: a.DroppedRecords(),
		GeneratedAt:    time.Now(),
	}
}

// MergeWire folds a worker's delta (or final) snapshot into this
// aggregator's buckets — the manager side of a gaggle metrics merge.
func (a *Aggregator) MergeWire(w SnapshotWire) {
	for _, bw := range w.Buckets {
		bucket := a.bucketFor(bw.Name)
		bucket.mergeWire(bw)
		a.aggregate.mergeWire(bw)
	}
}
