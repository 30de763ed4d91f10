package gaggle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/scheduler"
	"gander/internal/stats"
)

// ManagerConfig describes one manager-mode run: how many workers to expect,
// the total user count and hatch rate to shard across them, and the run
// parameters every joined worker is handed.
type ManagerConfig struct {
	ListenAddr    string
	ExpectWorkers int
	NoHashCheck   bool
	TaskSets      []*scheduler.TaskSet

	TotalUsers int
	HatchRate  float64
	RunTime    time.Duration
	Host       string
	ResetStats bool

	Aggregator *stats.Aggregator
	Log        zerolog.Logger
}

// workerConn tracks one accepted worker connection and its share of users.
type workerConn struct {
	conn  net.Conn
	users int
	done  chan struct{}
}

// Manager accepts worker connections, shards users across them, forwards
// their metrics into a single Aggregator, and coordinates shutdown.
type Manager struct {
	cfg ManagerConfig
	ln  net.Listener

	mu      sync.Mutex
	workers []*workerConn

	readyCh chan struct{}
	readyOn sync.Once

	// workerErrCh carries the first unexpected worker disconnect: a worker
	// that vanishes mid-run, as opposed to one that completes the normal
	// Stop/Goodbye handshake. Buffered by one — only the first such error
	// changes Run's outcome.
	workerErrCh chan error
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, readyCh: make(chan struct{}), workerErrCh: make(chan error, 1)}
}

// Run listens for worker connections until ExpectWorkers have joined, then
// blocks until ctx is cancelled or a joined worker disconnects unexpectedly,
// at which point it asks every worker to stop and waits for their final
// Goodbye. An unexpected disconnect is returned as the error.
func (m *Manager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gaggle manager: listen %s: %w", m.cfg.ListenAddr, err)
	}
	m.ln = ln
	defer ln.Close()

	m.cfg.Log.Info().Str("addr", ln.Addr().String()).Int("expect_workers", m.cfg.ExpectWorkers).Msg("gaggle manager listening")

	acceptCtx, cancelAccept := context.WithCancel(ctx)
	go func() {
		<-acceptCtx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			cancelAccept()
			break
		}
		go m.handleWorker(ctx, conn)

		m.mu.Lock()
		ready := len(m.workers) >= m.cfg.ExpectWorkers
		m.mu.Unlock()
		if ready {
			cancelAccept()
			break
		}
	}

	m.readyOn.Do(func() { close(m.readyCh) })

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-m.workerErrCh:
		m.cfg.Log.Error().Err(err).Msg("gaggle manager: stopping early on worker disconnect")
		runErr = err
	}

	m.broadcastStop()
	m.waitGoodbyes()
	return runErr
}

// reportWorkerErr records the first unexpected worker disconnect so Run
// can unblock and shut down the rest of the fleet instead of waiting on
// ctx, which an unexpected disconnect never cancels by itself.
func (m *Manager) reportWorkerErr(err error) {
	select {
	case m.workerErrCh <- err:
	default:
	}
}

func (m *Manager) handleWorker(ctx context.Context, conn net.Conn) {
	env, err := ReadFrame(conn)
	if err != nil || env.Kind != KindHello {
		m.cfg.Log.Warn().Err(err).Msg("gaggle manager: expected Hello from worker")
		conn.Close()
		return
	}
	hello, err := decode[Hello](env)
	if err != nil {
		conn.Close()
		return
	}

	if !m.cfg.NoHashCheck {
		want := TaskSetHash(m.cfg.TaskSets)
		if hello.Hash != want {
			WriteFrame(conn, KindHelloAck, HelloAck{Rejected: true, Reason: "load test hash mismatch"})
			m.cfg.Log.Warn().Uint64("worker_hash", hello.Hash).Uint64("manager_hash", want).Msg("rejected worker: hash mismatch")
			conn.Close()
			return
		}
	}

	m.mu.Lock()
	if len(m.workers) >= m.cfg.ExpectWorkers {
		m.mu.Unlock()
		WriteFrame(conn, KindHelloAck, HelloAck{Rejected: true, Reason: "manager already has enough workers"})
		conn.Close()
		return
	}
	idx := len(m.workers)
	wc := &workerConn{conn: conn, done: make(chan struct{})}
	m.workers = append(m.workers, wc)
	total := len(m.workers)
	m.mu.Unlock()

	// The last expected worker has joined: close the listener so Run leaves
	// its accept loop and starts watching for shutdown or a disconnect.
	if total >= m.cfg.ExpectWorkers && m.ln != nil {
		m.ln.Close()
	}

	users, firstID := m.shareFor(idx)
	wc.users = users

	cfg := &WorkerConfig{
		AssignedUsers: users,
		HatchRateSare: m.shareOfHatchRate(total),
		RunTime:       m.cfg.RunTime,
		Host:          m.cfg.Host,
		ResetStats:    m.cfg.ResetStats,
		FirstUserID:   firstID,
	}
	if err := WriteFrame(conn, KindHelloAck, HelloAck{Config: cfg}); err != nil {
		m.cfg.Log.Warn().Err(err).Msg("gaggle manager: failed to send HelloAck")
		conn.Close()
		return
	}

	m.cfg.Log.Info().Str("remote", conn.RemoteAddr().String()).Int("users", users).Msg("worker joined")

	defer close(wc.done)
	for {
		env, err := ReadFrame(conn)
		if err != nil {
			select {
			case <-ctx.Done():
				// Shutdown already in progress (SIGINT, run-time expiry, or
				// another worker's disconnect) — this is just the
				// connection closing along with everything else.
				m.cfg.Log.Info().Str("remote", conn.RemoteAddr().String()).Msg("worker disconnected")
			default:
				m.cfg.Log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("worker disconnected unexpectedly")
				m.reportWorkerErr(fmt.Errorf("worker %s disconnected unexpectedly: %w", conn.RemoteAddr(), err))
			}
			return
		}
		switch env.Kind {
		case KindMetricsPush:
			push, err := decode[MetricsPush](env)
			if err == nil {
				m.cfg.Aggregator.MergeWire(push.Snapshot)
			}
		case KindGoodbye:
			bye, err := decode[Goodbye](env)
			if err == nil {
				m.cfg.Aggregator.MergeWire(bye.Snapshot)
			}
			return
		}
	}
}

// shareFor divides TotalUsers evenly across ExpectWorkers, the earliest
// workers absorbing the remainder so every share differs by at most one.
func (m *Manager) shareFor(idx int) (users int, firstID uint64) {
	n := m.cfg.ExpectWorkers
	if n <= 0 {
		n = 1
	}
	base := m.cfg.TotalUsers / n
	rem := m.cfg.TotalUsers % n

	users = base
	if idx < rem {
		users++
	}

	firstID = uint64(idx * base)
	if idx < rem {
		firstID += uint64(idx)
	} else {
		firstID += uint64(rem)
	}
	return users, firstID
}

// JoinedWorkers reports how many workers have completed the Hello/HelloAck
// handshake so far — the manager-mode analogue of a hatched-user count for
// the "before anything hatched" exit-code check, since the manager itself
// never hatches a single user.
func (m *Manager) JoinedWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) shareOfHatchRate(joinedSoFar int) float64 {
	n := m.cfg.ExpectWorkers
	if n <= 0 {
		n = 1
	}
	return m.cfg.HatchRate / float64(n)
}

func (m *Manager) broadcastStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		WriteFrame(w.conn, KindStop, Stop{})
	}
}

func (m *Manager) waitGoodbyes() {
	m.mu.Lock()
	workers := append([]*workerConn(nil), m.workers...)
	m.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(10 * time.Second):
			m.cfg.Log.Warn().Str("remote", w.conn.RemoteAddr().String()).Msg("timed out waiting for worker goodbye")
		}
		w.conn.Close()
	}
}
