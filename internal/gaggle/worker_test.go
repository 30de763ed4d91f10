package gaggle

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gander/internal/scheduler"
	"gander/internal/stats"
)

func taskSetsForIntegration() []*scheduler.TaskSet {
	return []*scheduler.TaskSet{
		scheduler.NewTaskSet("ping").AddTask(scheduler.NewTask("hit", func(ctx context.Context, u *scheduler.User) scheduler.Outcome {
			if _, err := u.Executor.Get(ctx, "/"); err != nil {
				return scheduler.Fail(err.Error())
			}
			return scheduler.Ok()
		})),
	}
}

func TestManagerWorkerHandshakeAndMetricsMerge(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	managerAgg := stats.NewAggregator(64, zerolog.Nop())
	managerCtx, managerCancel := context.WithCancel(context.Background())
	go managerAgg.Run(managerCtx)
	defer managerCancel()

	taskSets := taskSetsForIntegration()

	mgr := NewManager(ManagerConfig{
		ListenAddr:    addr,
		ExpectWorkers: 1,
		TaskSets:      taskSets,
		TotalUsers:    2,
		HatchRate:     10,
		Host:          target.URL,
		Aggregator:    managerAgg,
		Log:           zerolog.Nop(),
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	mgrDone := make(chan struct{})
	go func() {
		mgr.Run(runCtx)
		close(mgrDone)
	}()

	// Give the manager a moment to bind and start accepting.
	time.Sleep(20 * time.Millisecond)

	workerAgg := stats.NewAggregator(64, zerolog.Nop())
	workerCtx, workerCancel := context.WithCancel(context.Background())
	go workerAgg.Run(workerCtx)
	defer workerCancel()

	worker := NewWorker(addr, taskSets, workerAgg, zerolog.Nop(), WithWorkerPushInterval(15*time.Millisecond))

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()

	// Let the worker hatch users and issue a handful of requests.
	time.Sleep(150 * time.Millisecond)

	runCancel()

	select {
	case err := <-workerDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker.Run never returned after manager stop")
	}

	select {
	case <-mgrDone:
	case <-time.After(3 * time.Second):
		t.Fatal("manager.Run never returned")
	}

	snap := managerAgg.Snapshot()
	assert.Greater(t, snap.Aggregate.RequestCount, uint64(0), "manager should have merged at least one request from the worker")
}

// TestWorkerReturnsErrorOnManagerConnectionLoss simulates a manager that
// vanishes mid-run without ever sending a Stop. Run must distinguish this
// from a graceful Stop and return a non-nil error wrapping the read
// failure that listenForStop observed.
func TestWorkerReturnsErrorOnManagerConnectionLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	handshakeErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			handshakeErr <- err
			return
		}
		defer conn.Close()

		env, err := ReadFrame(conn)
		if err != nil || env.Kind != KindHello {
			handshakeErr <- err
			return
		}
		handshakeErr <- WriteFrame(conn, KindHelloAck, HelloAck{Config: &WorkerConfig{AssignedUsers: 1}})

		// Let the worker hatch and push briefly, then vanish without a Stop.
		time.Sleep(100 * time.Millisecond)
	}()

	workerAgg := stats.NewAggregator(16, zerolog.Nop())
	worker := NewWorker(ln.Addr().String(), taskSetsForIntegration(), workerAgg, zerolog.Nop(), WithWorkerNoHashCheck(true))

	err = worker.Run(context.Background())
	require.NoError(t, <-handshakeErr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager connection lost")
}

func TestWithWorkerThrottleSetsConfigField(t *testing.T) {
	agg := stats.NewAggregator(16, zerolog.Nop())
	w := NewWorker("127.0.0.1:0", taskSetsForIntegration(), agg, zerolog.Nop(), WithWorkerThrottle(50))
	assert.Equal(t, 50, w.cfg.ThrottleReqs)
}

func TestWorkerRejectedOnHashMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	managerAgg := stats.NewAggregator(16, zerolog.Nop())

	mgr := NewManager(ManagerConfig{
		ListenAddr:    addr,
		ExpectWorkers: 1,
		TaskSets:      taskSetsForIntegration(),
		TotalUsers:    1,
		Aggregator:    managerAgg,
		Log:           zerolog.Nop(),
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go mgr.Run(runCtx)
	time.Sleep(20 * time.Millisecond)

	// A worker with a different task-set graph must be rejected.
	mismatched := []*scheduler.TaskSet{
		scheduler.NewTaskSet("different").AddTask(scheduler.NewTask("other", nil)),
	}
	workerAgg := stats.NewAggregator(16, zerolog.Nop())
	worker := NewWorker(addr, mismatched, workerAgg, zerolog.Nop())

	err = worker.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
