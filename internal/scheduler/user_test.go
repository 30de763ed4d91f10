package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRunInvokesOnStartThenStopOnSignal(t *testing.T) {
	var onStart, onStop, steady int32

	ts := NewTaskSet("flow").
		AddTask(NewTask("setup", func(ctx context.Context, u *User) Outcome {
			atomic.AddInt32(&onStart, 1)
			return Ok()
		}).AsOnStart()).
		AddTask(NewTask("work", func(ctx context.Context, u *User) Outcome {
			atomic.AddInt32(&steady, 1)
			return Ok()
		})).
		AddTask(NewTask("teardown", func(ctx context.Context, u *User) Outcome {
			atomic.AddInt32(&onStop, 1)
			return Ok()
		}).AsOnStop())

	u := newUser(1, ts, nil, time.Now(), rand.New(rand.NewSource(1)), zerolog.Nop())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), stop)
		close(done)
	}()

	// Let the steady-state loop run a few iterations, then stop.
	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("user.Run never returned after stop was closed")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&onStart))
	assert.Equal(t, int32(1), atomic.LoadInt32(&onStop))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&steady), int32(1))
}

func TestUserRunRecoversPanickingTask(t *testing.T) {
	ts := NewTaskSet("panicky").AddTask(NewTask("boom", func(ctx context.Context, u *User) Outcome {
		panic("kaboom")
	}))

	u := newUser(1, ts, nil, time.Now(), rand.New(rand.NewSource(1)), zerolog.Nop())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), stop)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("user.Run never returned after a panicking task")
	}
}

func TestUserRunWithNoSteadyStateTasksOnlyRunsHooks(t *testing.T) {
	var hooksRan int32
	ts := NewTaskSet("hooks-only").
		AddTask(NewTask("start", func(ctx context.Context, u *User) Outcome {
			atomic.AddInt32(&hooksRan, 1)
			return Ok()
		}).AsOnStart())

	u := newUser(1, ts, nil, time.Now(), rand.New(rand.NewSource(1)), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), make(chan struct{}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("user.Run with no steady-state tasks should return immediately after hooks")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hooksRan))
}

func TestUserWaitDuration(t *testing.T) {
	ts := NewTaskSet("waiter").WithWait(10*time.Millisecond, 10*time.Millisecond)
	u := &User{taskSet: ts, rng: rand.New(rand.NewSource(1))}
	require.Equal(t, 10*time.Millisecond, u.waitDuration())

	ts2 := NewTaskSet("waiter2").WithWait(5*time.Millisecond, 15*time.Millisecond)
	u2 := &User{taskSet: ts2, rng: rand.New(rand.NewSource(1))}
	d := u2.waitDuration()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Less(t, d, 15*time.Millisecond)
}
