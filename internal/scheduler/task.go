// Package scheduler implements the per-user task runner and the
// user-hatching scheduler: picking task sets, building each user's
// weighted task order, driving the task loop, and spawning users at a
// controlled hatch rate.
package scheduler

import (
	"context"
)

// Outcome is a task's return contract: ok, or fail with a reason. A fail
// is logged but never terminates the user.
type Outcome struct {
	Ok     bool
	Reason string
}

func Ok() Outcome                { return Outcome{Ok: true} }
func Fail(reason string) Outcome { return Outcome{Ok: false, Reason: reason} }

// TaskFunc is the capability a task wraps: invoke with a context and the
// running user, return ok or fail.
type TaskFunc func(ctx context.Context, u *User) Outcome

// Task is a named, weighted unit of work. Sequence is nil for an
// unsequenced task; a non-nil value places it in that sequence's ordered
// bucket.
type Task struct {
	Name     string
	Weight   int
	Sequence *int
	OnStart  bool
	OnStop   bool
	Fn       TaskFunc
}

// NewTask builds a Task with default weight 1 and no sequence.
func NewTask(name string, fn TaskFunc) Task {
	return Task{Name: name, Weight: 1, Fn: fn}
}

func (t Task) WithWeight(w int) Task {
	if w < 1 {
		w = 1
	}
	t.Weight = w
	return t
}

func (t Task) WithSequence(seq int) Task {
	t.Sequence = &seq
	return t
}

func (t Task) AsOnStart() Task {
	t.OnStart = true
	return t
}

func (t Task) AsOnStop() Task {
	t.OnStop = true
	return t
}
