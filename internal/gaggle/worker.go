package gaggle

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/request"
	"gander/internal/scheduler"
	"gander/internal/stats"
	"gander/internal/throttle"
)

// workerDialConfig describes one worker-mode run: which manager to dial,
// what tasks to run, and how to shape its own HTTP behavior.
type workerDialConfig struct {
	ManagerAddr string
	TaskSets    []*scheduler.TaskSet
	NoHashCheck bool

	Headers      map[string]string
	StickyFollow bool
	SuccessCodes map[int]bool
	ThrottleReqs int

	Aggregator   *stats.Aggregator
	// Sink is what each spawned user's Executor posts RawRequests to.
	// Defaults to Aggregator directly; set to a *record.Fanout when a
	// --stats-log-file/--debug-log-file writer must also see the worker's
	// own request stream (the aggregator itself still mediates the
	// periodic MetricsPush/Goodbye either way).
	Sink         request.Sink
	PushInterval time.Duration

	Log zerolog.Logger
}

// Worker connects to a manager, receives its share of users, runs them
// with a local Hatcher, and periodically pushes metrics deltas.
type Worker struct {
	cfg  workerDialConfig
	conn net.Conn

	// hatcher is set partway through Run, once this worker's assignment
	// has come back from the manager — nil before then, which
	// HatchedCount treats as zero hatched.
	hatcher atomic.Pointer[scheduler.Hatcher]
}

// HatchedCount reports how many users this worker has spawned so far.
func (w *Worker) HatchedCount() int64 {
	h := w.hatcher.Load()
	if h == nil {
		return 0
	}
	return h.HatchedCount()
}

// WorkerOption configures optional fields of a Worker beyond the required
// connection parameters.
type WorkerOption func(*workerDialConfig)

func WithWorkerHeaders(h map[string]string) WorkerOption {
	return func(c *workerDialConfig) { c.Headers = h }
}

func WithWorkerStickyFollow(v bool) WorkerOption {
	return func(c *workerDialConfig) { c.StickyFollow = v }
}

func WithWorkerSuccessCodes(codes map[int]bool) WorkerOption {
	return func(c *workerDialConfig) { c.SuccessCodes = codes }
}

func WithWorkerNoHashCheck(v bool) WorkerOption {
	return func(c *workerDialConfig) { c.NoHashCheck = v }
}

func WithWorkerPushInterval(d time.Duration) WorkerOption {
	return func(c *workerDialConfig) { c.PushInterval = d }
}

func WithWorkerSink(sink request.Sink) WorkerOption {
	return func(c *workerDialConfig) { c.Sink = sink }
}

// WithWorkerThrottle caps this worker's own request rate at reqsPerSec —
// the throttle is local to each worker, not shared across the gaggle, so
// a manager's --throttle-requests reaches its full-fleet aggregate rate
// only as the sum of every worker's independently-enforced ceiling.
func WithWorkerThrottle(reqsPerSec int) WorkerOption {
	return func(c *workerDialConfig) { c.ThrottleReqs = reqsPerSec }
}

func NewWorker(managerAddr string, taskSets []*scheduler.TaskSet, agg *stats.Aggregator, log zerolog.Logger, opts ...WorkerOption) *Worker {
	cfg := workerDialConfig{
		ManagerAddr:  managerAddr,
		TaskSets:     taskSets,
		Aggregator:   agg,
		Sink:         agg,
		PushInterval: 15 * time.Second,
		Log:          log.With().Str("component", "gaggle-worker").Logger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{cfg: cfg}
}

// Run dials the manager, completes the Hello/HelloAck handshake, then
// hatches its assigned share of users and runs until the manager sends
// Stop or ctx is cancelled, at which point it sends a final Goodbye
// carrying whatever accumulated since the last periodic push.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", w.cfg.ManagerAddr)
	if err != nil {
		return fmt.Errorf("gaggle worker: dial %s: %w", w.cfg.ManagerAddr, err)
	}
	w.conn = conn
	defer conn.Close()

	hash := uint64(0)
	if !w.cfg.NoHashCheck {
		hash = TaskSetHash(w.cfg.TaskSets)
	}
	if err := WriteFrame(conn, KindHello, Hello{Hash: hash}); err != nil {
		return err
	}

	env, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("gaggle worker: reading HelloAck: %w", err)
	}
	ack, err := decode[HelloAck](env)
	if err != nil {
		return err
	}
	if ack.Rejected {
		return fmt.Errorf("gaggle worker: rejected by manager: %s", ack.Reason)
	}
	if ack.Config == nil {
		return fmt.Errorf("gaggle worker: manager sent no assignment")
	}

	w.cfg.Log.Info().Int("users", ack.Config.AssignedUsers).Uint64("first_user_id", ack.Config.FirstUserID).Msg("received assignment from manager")

	var base *url.URL
	if ack.Config.Host != "" {
		base, err = url.Parse(ack.Config.Host)
		if err != nil {
			return fmt.Errorf("gaggle worker: bad host from manager: %w", err)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lim := throttle.New(w.cfg.ThrottleReqs)
	defer lim.Stop()

	hatcher := scheduler.NewHatcher(scheduler.HatchConfig{
		Users:        ack.Config.AssignedUsers,
		HatchRate:    ack.Config.HatchRateSare,
		TaskSets:     w.cfg.TaskSets,
		BaseURL:      base,
		Throttle:     lim,
		Sink:         w.cfg.Sink,
		Headers:      w.cfg.Headers,
		StickyFollow: w.cfg.StickyFollow,
		SuccessCodes: w.cfg.SuccessCodes,
		ResetStats:   ack.Config.ResetStats,
		Resetter:     w.cfg.Aggregator,
		FirstUserID:  ack.Config.FirstUserID,
		Log:          w.cfg.Log,
	})
	w.hatcher.Store(hatcher)

	hatchDone := make(chan struct{})
	go func() {
		defer close(hatchDone)
		hatcher.Run(runCtx)
	}()

	// stopCh carries why the loop below ended: nil for a manager-requested
	// Stop, non-nil if the manager connection was lost instead — the two
	// are indistinguishable to the hatcher but not to our exit status.
	stopCh := make(chan error, 1)
	go w.listenForStop(runCtx, cancelRun, stopCh)

	ticker := time.NewTicker(w.cfg.PushInterval)
	defer ticker.Stop()

	var connErr error

loop:
	for {
		select {
		case <-ticker.C:
			w.pushDelta()
		case err := <-stopCh:
			connErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancelRun()
	<-hatchDone

	// A final delta, not the full lifetime snapshot: the manager merges
	// every push additively, and periodic pushes have already accounted
	// for everything up to the last tick. Sending full totals here would
	// double count.
	WriteFrame(conn, KindGoodbye, Goodbye{Snapshot: w.cfg.Aggregator.DeltaWire()})

	if connErr != nil {
		return fmt.Errorf("gaggle worker: manager connection lost: %w", connErr)
	}
	return nil
}

func (w *Worker) pushDelta() {
	WriteFrame(w.conn, KindMetricsPush, MetricsPush{Snapshot: w.cfg.Aggregator.DeltaWire()})
}

func (w *Worker) listenForStop(ctx context.Context, cancel context.CancelFunc, stopCh chan<- error) {
	for {
		env, err := ReadFrame(w.conn)
		if err != nil {
			select {
			case stopCh <- err:
			default:
			}
			return
		}
		if env.Kind == KindStop {
			w.cfg.Log.Info().Msg("manager requested stop")
			cancel()
			select {
			case stopCh <- nil:
			default:
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
