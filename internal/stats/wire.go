package stats

import "time"

// BucketWire is the wire-transferable form of one bucket's counters,
// carried inside a gaggle MetricsPush or Goodbye payload. Field names are
// preserved (rather than collapsed to integer keys) so either side of the
// protocol can evolve the struct without breaking the other.
type BucketWire struct {
	Name             string         `cbor:"name"`
	RequestCount     uint64         `cbor:"request_count"`
	FailCount        uint64         `cbor:"fail_count"`
	StatusCodeCounts map[int]uint64 `cbor:"status_code_counts"`
	MinMs            int64          `cbor:"min_ms"`
	MaxMs            int64          `cbor:"max_ms"`
	SumMs            int64          `cbor:"sum_ms"`
	Latency          HistogramWire  `cbor:"latency"`
}

func countersToWire(name string, c *counters) BucketWire {
	codes := make(map[int]uint64, len(c.StatusCodeCounts))
	for k, v := range c.StatusCodeCounts {
		codes[k] = v
	}
	return BucketWire{
		Name:             name,
		RequestCount:     c.RequestCount,
		FailCount:        c.FailCount,
		StatusCodeCounts: codes,
		MinMs:            c.MinMs,
		MaxMs:            c.MaxMs,
		SumMs:            c.SumMs,
		Latency:          c.Latency.ExportWire(),
	}
}

// SnapshotWire is the full payload of a gaggle MetricsPush/Goodbye message.
type SnapshotWire struct {
	Buckets        []BucketWire `cbor:"buckets"`
	DroppedRecords uint64       `cbor:"dropped_records"`
	GeneratedAt    time.Time    `cbor:"generated_at"`
}
