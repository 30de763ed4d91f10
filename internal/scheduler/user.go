package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/request"
)

// User is a running virtual user. Its HTTP client state and weighted task
// order are entirely its own — no sharing with other users.
type User struct {
	ID        uint64
	Executor  *request.Executor
	StartedAt time.Time

	taskSet *TaskSet
	order   []int
	pos     int
	rng     *rand.Rand
	log     zerolog.Logger
}

func newUser(id uint64, ts *TaskSet, exec *request.Executor, startedAt time.Time, rng *rand.Rand, log zerolog.Logger) *User {
	return &User{
		ID:        id,
		Executor:  exec,
		StartedAt: startedAt,
		taskSet:   ts,
		order:     buildWeightedOrder(ts.steadyStateTasks(), rng),
		rng:       rng,
		log:       log.With().Uint64("user", id).Logger(),
	}
}

// Run drives this user's task loop until stop is closed or ctx is done:
// on_start hooks, the repeating weighted schedule with wait-time between
// tasks, then on_stop hooks. The current task always finishes before the
// user reacts to a stop signal — tasks themselves are not cancelled
// mid-body.
func (u *User) Run(ctx context.Context, stop <-chan struct{}) {
	steady := u.taskSet.steadyStateTasks()

	for _, t := range u.taskSet.Tasks {
		if t.OnStart {
			u.invoke(ctx, t)
		}
	}

	if len(u.order) > 0 {
	loop:
		for {
			select {
			case <-stop:
				break loop
			case <-ctx.Done():
				break loop
			default:
			}

			idx := u.order[u.pos]
			u.pos = (u.pos + 1) % len(u.order)
			u.invoke(ctx, steady[idx])

			if wait := u.waitDuration(); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-stop:
					timer.Stop()
					break loop
				case <-ctx.Done():
					timer.Stop()
					break loop
				}
			}
		}
	}

	for _, t := range u.taskSet.Tasks {
		if t.OnStop {
			u.invoke(ctx, t)
		}
	}
}

func (u *User) waitDuration() time.Duration {
	min, max := u.taskSet.WaitMin, u.taskSet.WaitMax
	if max <= min {
		return min
	}
	return min + time.Duration(u.rng.Int63n(int64(max-min)))
}

// invoke runs one task, recovering a panic into Fail("panic") so it never
// terminates the user.
func (u *User) invoke(ctx context.Context, t Task) {
	outcome := u.safeCall(ctx, t)
	if !outcome.Ok {
		u.log.Debug().Str("task", t.Name).Str("reason", outcome.Reason).Msg("task failed")
	}
}

func (u *User) safeCall(ctx context.Context, t Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Warn().Str("task", t.Name).Interface("panic", r).Msg("task panicked")
			outcome = Fail("panic")
		}
	}()
	return t.Fn(ctx, u)
}
