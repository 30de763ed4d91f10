// Package gaggle implements the manager/worker coordination protocol:
// sharding users across workers, pushing configuration, collecting
// metrics, and coordinating lifecycle over a length-prefixed,
// CBOR-encoded wire protocol.
package gaggle

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"gander/internal/stats"
)

// Kind tags an Envelope's payload, letting the reader decode the right
// struct without a type switch over raw bytes.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindMetricsPush
	KindStop
	KindGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindMetricsPush:
		return "MetricsPush"
	case KindStop:
		return "Stop"
	case KindGoodbye:
		return "Goodbye"
	default:
		return "Unknown"
	}
}

// Hello is sent by a worker on connect, carrying the hash of its compiled
// load test's task-set signatures.
type Hello struct {
	Hash uint64 `cbor:"hash"`
}

// WorkerConfig is the assignment a manager pushes to an accepted worker.
type WorkerConfig struct {
	AssignedUsers int           `cbor:"assigned_users"`
	HatchRateSare float64       `cbor:"hatch_rate_share"`
	RunTime       time.Duration `cbor:"run_time"`
	Host          string        `cbor:"host"`
	ResetStats    bool          `cbor:"reset_stats"`
	OnlySummary   bool          `cbor:"only_summary"`
	StatusCodes   []int         `cbor:"status_codes,omitempty"`
	FirstUserID   uint64        `cbor:"first_user_id"`
}

// HelloAck answers a Hello: either a rejection reason, or the worker's
// assignment.
type HelloAck struct {
	Rejected bool          `cbor:"rejected"`
	Reason   string        `cbor:"reason,omitempty"`
	Config   *WorkerConfig `cbor:"config,omitempty"`
}

// MetricsPush carries a worker's delta-since-last-push snapshot.
type MetricsPush struct {
	Snapshot stats.SnapshotWire `cbor:"snapshot"`
}

// Stop asks a worker to begin shutdown.
type Stop struct{}

// Goodbye carries a worker's final snapshot as it exits.
type Goodbye struct {
	Snapshot stats.SnapshotWire `cbor:"snapshot"`
}

// Envelope is the outer frame: a Kind tag plus the CBOR-encoded inner
// message. Every inner struct above uses named cbor fields rather than
// positional ones, so either side of the protocol can evolve a struct
// without the other needing to change in lockstep.
type Envelope struct {
	Kind Kind   `cbor:"kind"`
	Body []byte `cbor:"body"`
}

const maxFrameSize = 64 << 20 // 64MiB — generous for a metrics snapshot.

// WriteFrame encodes msg into an Envelope of the given kind and writes it
// to w as a u32-big-endian length prefix followed by the CBOR payload.
func WriteFrame(w io.Writer, kind Kind, msg interface{}) error {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gaggle: encode %s payload: %w", kind, err)
	}
	env := Envelope{Kind: kind, Body: body}
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("gaggle: encode envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("gaggle: frame too large: %d bytes", len(data))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes its
// envelope. The caller decodes env.Body into the struct matching env.Kind.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("gaggle: frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("gaggle: decode envelope: %w", err)
	}
	return env, nil
}

func decode[T any](env Envelope) (T, error) {
	var out T
	err := cbor.Unmarshal(env.Body, &out)
	return out, err
}
