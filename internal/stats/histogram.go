package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// latencyLowMs/latencyHighMs bound the histogram's trackable range: 1ms to
// 10 minutes, which comfortably covers both a fast local endpoint and a
// worst-case hung request without growing the underlying bucket memory.
const (
	latencyLowMs  = 1
	latencyHighMs = int64(10 * time.Minute / time.Millisecond)
	sigFigures    = 3
)

// SafeHistogram is a thread-safe, fixed-memory latency digest. Percentile
// error is bounded by sigFigures regardless of sample count, satisfying the
// O(1)-per-bucket memory invariant.
type SafeHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func NewSafeHistogram() *SafeHistogram {
	return &SafeHistogram{hist: hdrhistogram.New(latencyLowMs, latencyHighMs, sigFigures)}
}

// RecordValue records a latency in milliseconds. Values below the trackable
// floor are clamped to it rather than rejected — a 0ms response is common
// against local stub targets.
func (h *SafeHistogram) RecordValue(ms int64) {
	if ms < latencyLowMs {
		ms = latencyLowMs
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(ms)
}

func (h *SafeHistogram) ValueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtQuantile(q)
}

func (h *SafeHistogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Mean()
}

func (h *SafeHistogram) Max() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Max()
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Percentiles is the fixed set of quantiles reported for each bucket's
// computed fields.
type Percentiles struct {
	P50, P75, P98, P99, P999, P9999 float64
}

func (h *SafeHistogram) Percentiles() Percentiles {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Percentiles{
		P50:   float64(h.hist.ValueAtQuantile(50)),
		P75:   float64(h.hist.ValueAtQuantile(75)),
		P98:   float64(h.hist.ValueAtQuantile(98)),
		P99:   float64(h.hist.ValueAtQuantile(99)),
		P999:  float64(h.hist.ValueAtQuantile(99.9)),
		P9999: float64(h.hist.ValueAtQuantile(99.99)),
	}
}

// Merge folds another histogram's samples into this one, used by the
// gaggle manager to combine per-worker digests into a global one.
func (h *SafeHistogram) Merge(other *SafeHistogram) {
	other.mu.Lock()
	snap := other.hist.Export()
	other.mu.Unlock()

	imported := hdrhistogram.Import(snap)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Merge(imported)
}

// HistogramWire is the wire-transferable form of a SafeHistogram, carried
// inside a gaggle MetricsPush/Goodbye payload.
type HistogramWire struct {
	LowestTrackableValue  int64   `cbor:"low"`
	HighestTrackableValue int64   `cbor:"high"`
	SignificantFigures    int64   `cbor:"sig"`
	Counts                []int64 `cbor:"counts"`
}

func (h *SafeHistogram) ExportWire() HistogramWire {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.hist.Export()
	return HistogramWire{
		LowestTrackableValue:  snap.LowestTrackableValue,
		HighestTrackableValue: snap.HighestTrackableValue,
		SignificantFigures:    snap.SignificantFigures,
		Counts:                append([]int64(nil), snap.Counts...),
	}
}

func ImportHistogramWire(w HistogramWire) *SafeHistogram {
	if w.HighestTrackableValue == 0 {
		return NewSafeHistogram()
	}
	snap := &hdrhistogram.Snapshot{
		LowestTrackableValue:  w.LowestTrackableValue,
		HighestTrackableValue: w.HighestTrackableValue,
		SignificantFigures:    w.SignificantFigures,
		Counts:                w.Counts,
	}
	return &SafeHistogram{hist: hdrhistogram.Import(snap)}
}
