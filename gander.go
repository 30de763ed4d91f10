// Package gander is the library surface a load test is written against:
// a caller builds TaskSets out of Tasks, hands them to an Attack, and
// calls Execute. Everything else in this module is implementation
// detail reached through this entry point or the CLI in cmd/.
package gander

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/control"
	"gander/internal/gaggle"
	"gander/internal/record"
	"gander/internal/request"
	"gander/internal/scheduler"
	"gander/internal/stats"
	"gander/internal/statslog"
	"gander/internal/throttle"
)

// Re-exported task-authoring types so a caller never has to import
// internal/scheduler directly.
type (
	Task     = scheduler.Task
	TaskSet  = scheduler.TaskSet
	TaskFunc = scheduler.TaskFunc
	Outcome  = scheduler.Outcome
	User     = scheduler.User
)

var (
	NewTask    = scheduler.NewTask
	NewTaskSet = scheduler.NewTaskSet
	Ok         = scheduler.Ok
	Fail       = scheduler.Fail
)

// RunTimeUnset is the Config.RunTime value meaning "run until interrupted
// or stopped externally" — leaving RunTime at Go's zero value means a
// literal zero-duration run instead (hatch, then stop right away), so a
// caller that wants no time limit must set this explicitly.
const RunTimeUnset = control.RunTimeUnset

// Mode selects how Attack.Execute orchestrates a run: alone, as a gaggle
// manager sharding users across workers, or as one of those workers.
type Mode int

const (
	ModeStandalone Mode = iota
	ModeManager
	ModeWorker
)

// Config is every externally controllable knob a run exposes,
// independent of how it was sourced (flag, config file, env var — cmd/
// owns that).
type Config struct {
	Mode Mode

	Host      string
	Users     int
	HatchRate float64
	// RunTime is how long to run before stopping on its own; zero means
	// hatch the configured users and stop right away. Set it to
	// RunTimeUnset for no limit (stop only on interrupt or external Stop).
	RunTime      time.Duration
	ThrottleReqs int
	NoStats      bool
	OnlySummary  bool
	ResetStats   bool
	StatusCodes  []int
	StickyFollow bool
	Headers      map[string]string
	List         bool

	ManagerBindHost string
	ManagerBindPort int
	ManagerHost     string
	ManagerPort     int
	ExpectWorkers   int
	NoHashCheck     bool

	StatsLogFile   string
	StatsLogFormat statslog.Format
	DebugLogFile   string
	DebugLogFormat statslog.DebugFormat

	// OnAttach, if set, is called once with the run's aggregator as soon
	// as it exists (before hatching starts) — the hook a live dashboard
	// uses to poll Snapshot() without this package exposing the
	// aggregator as part of its return value.
	OnAttach func(*stats.Aggregator)

	Log zerolog.Logger
}

// Summary is the final, read-only view of a run, suitable for a CLI's
// table renderer or a library caller's own reporting.
type Summary struct {
	Aggregate      stats.Snapshot
	Buckets        map[string]stats.Snapshot
	DroppedRecords uint64
	Duration       time.Duration
	HatchedUsers   int64

	// ExitCode is the process exit code a pre-hatch SIGINT implies: 130
	// if the run was interrupted before any user had been hatched, 0
	// otherwise. cmd/ is responsible for actually calling os.Exit with it
	// once it has finished rendering and archiving this Summary.
	ExitCode int
}

// Attack is one configured, runnable load test.
type Attack struct {
	cfg      Config
	taskSets []*scheduler.TaskSet
}

func New(cfg Config) *Attack {
	return &Attack{cfg: cfg}
}

func (a *Attack) AddTaskSet(ts *scheduler.TaskSet) *Attack {
	a.taskSets = append(a.taskSets, ts)
	return a
}

// ErrConfig marks a fatal configuration error, mapped to exit code 1 by
// the CLI.
type ErrConfig struct{ msg string }

func (e ErrConfig) Error() string { return e.msg }

// ConfigError builds an ErrConfig from outside this package (e.g. cmd/
// validating mutually exclusive flags before Execute is even called).
func ConfigError(msg string) error { return ErrConfig{msg} }

// ErrRuntime marks a fatal infrastructure error, mapped to exit code 2 by
// the CLI.
type ErrRuntime struct{ msg string }

func (e ErrRuntime) Error() string { return e.msg }

// RuntimeError builds an ErrRuntime from outside this package.
func RuntimeError(msg string) error { return ErrRuntime{msg} }

// Execute runs the configured attack to completion (or until ctx is
// cancelled) and returns the final summary. It never returns an error for
// anything originating from a single request or task body — only
// configuration and infrastructure failures.
func (a *Attack) Execute(ctx context.Context) (Summary, error) {
	if len(a.taskSets) == 0 {
		return Summary{}, ErrConfig{"no task sets registered"}
	}

	if a.cfg.List {
		a.printList()
		return Summary{}, nil
	}

	switch a.cfg.Mode {
	case ModeManager:
		return a.runManager(ctx)
	case ModeWorker:
		return a.runWorker(ctx)
	default:
		return a.runStandalone(ctx)
	}
}

func (a *Attack) printList() {
	for _, ts := range a.taskSets {
		fmt.Printf("%s (weight %d)\n", ts.Name, ts.Weight)
		for _, t := range ts.Tasks {
			fmt.Printf("  %s (weight %d)\n", t.Name, t.Weight)
		}
	}
}

func (a *Attack) successCodes() map[int]bool {
	if len(a.cfg.StatusCodes) == 0 {
		return nil
	}
	m := make(map[int]bool, len(a.cfg.StatusCodes))
	for _, c := range a.cfg.StatusCodes {
		m[c] = true
	}
	return m
}

func (a *Attack) baseURL() (*url.URL, error) {
	if a.cfg.Host == "" {
		return nil, ErrConfig{"--host is required"}
	}
	u, err := url.Parse(a.cfg.Host)
	if err != nil {
		return nil, ErrConfig{fmt.Sprintf("invalid --host %q: %v", a.cfg.Host, err)}
	}
	return u, nil
}

// buildPipeline wires the aggregator, optional stats/debug log writers,
// and a Sink fanout shared by standalone and worker modes.
func (a *Attack) buildPipeline(ctx context.Context) (*stats.Aggregator, request.Sink, func(), error) {
	agg := stats.NewAggregator(4096, a.cfg.Log)

	fanout := &record.Fanout{Primary: agg}
	var stopFns []func()

	if a.cfg.StatsLogFile != "" {
		w, err := statslog.New(a.cfg.StatsLogFile, a.cfg.StatsLogFormat, a.cfg.Log)
		if err != nil {
			return nil, nil, nil, ErrRuntime{fmt.Sprintf("open stats log: %v", err)}
		}
		fanout.Extra = append(fanout.Extra, w)
		go w.Run(ctx)
		stopFns = append(stopFns, w.Wait)
	}

	if a.cfg.DebugLogFile != "" {
		dw, err := statslog.NewDebugWriter(a.cfg.DebugLogFile, a.cfg.DebugLogFormat, a.cfg.Log)
		if err != nil {
			return nil, nil, nil, ErrRuntime{fmt.Sprintf("open debug log: %v", err)}
		}
		agg.SetDebugSink(debugSinkFunc(dw.SendDebug))
		fanout.DebugSinks = append(fanout.DebugSinks, dw)
		go dw.Run(ctx)
		stopFns = append(stopFns, dw.Wait)
	}

	go agg.Run(ctx)

	if a.cfg.OnAttach != nil {
		a.cfg.OnAttach(agg)
	}

	wait := func() {
		for _, fn := range stopFns {
			fn()
		}
	}

	var sink request.Sink = fanout
	return agg, sink, wait, nil
}

type debugSinkFunc func(record.Debug)

func (f debugSinkFunc) Send(d record.Debug) { f(d) }

func (a *Attack) runStandalone(ctx context.Context) (Summary, error) {
	base, err := a.baseURL()
	if err != nil {
		return Summary{}, err
	}

	var hatcher *scheduler.Hatcher
	hatchedBeforeStop := func() int64 {
		if hatcher == nil {
			return 0
		}
		return hatcher.HatchedCount()
	}

	plane := control.New(ctx, a.cfg.RunTime, hatchedBeforeStop, a.cfg.Log)
	runCtx := plane.Context()

	agg, sink, wait, err := a.buildPipeline(runCtx)
	if err != nil {
		return Summary{}, err
	}

	var lim *throttle.Limiter
	if a.cfg.ThrottleReqs > 0 {
		lim = throttle.New(a.cfg.ThrottleReqs)
	} else {
		lim = throttle.New(0)
	}
	defer lim.Stop()

	start := time.Now()
	hatcher = scheduler.NewHatcher(scheduler.HatchConfig{
		Users:        a.cfg.Users,
		HatchRate:    a.cfg.HatchRate,
		TaskSets:     a.taskSets,
		BaseURL:      base,
		Throttle:     lim,
		Sink:         sink,
		Headers:      a.cfg.Headers,
		StickyFollow: a.cfg.StickyFollow,
		SuccessCodes: a.successCodes(),
		ResetStats:   a.cfg.ResetStats,
		Resetter:     agg,
		Log:          a.cfg.Log,
	})

	hatcher.Run(runCtx)
	wait()

	return a.summaryFrom(agg, time.Since(start), hatcher.HatchedCount(), plane.ExitCode()), nil
}

func (a *Attack) runManager(ctx context.Context) (Summary, error) {
	// The manager itself never hatches a user — its pre-hatch equivalent
	// is "no worker has joined yet". mgr is assigned below; the closure
	// captures the variable, not its (nil) value at this point.
	var mgr *gaggle.Manager
	hatchedBeforeStop := func() int64 {
		if mgr == nil {
			return 0
		}
		return int64(mgr.JoinedWorkers())
	}

	plane := control.New(ctx, a.cfg.RunTime, hatchedBeforeStop, a.cfg.Log)
	runCtx := plane.Context()

	agg, _, wait, err := a.buildPipeline(runCtx)
	if err != nil {
		return Summary{}, err
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.ManagerBindHost, a.cfg.ManagerBindPort)
	mgr = gaggle.NewManager(gaggle.ManagerConfig{
		ListenAddr:    addr,
		ExpectWorkers: a.cfg.ExpectWorkers,
		NoHashCheck:   a.cfg.NoHashCheck,
		TaskSets:      a.taskSets,
		TotalUsers:    a.cfg.Users,
		HatchRate:     a.cfg.HatchRate,
		RunTime:       a.cfg.RunTime,
		Host:          a.cfg.Host,
		ResetStats:    a.cfg.ResetStats,
		Aggregator:    agg,
		Log:           a.cfg.Log,
	})

	start := time.Now()
	if err := mgr.Run(runCtx); err != nil {
		return Summary{}, ErrRuntime{err.Error()}
	}
	wait()

	return a.summaryFrom(agg, time.Since(start), int64(a.cfg.Users), plane.ExitCode()), nil
}

func (a *Attack) runWorker(ctx context.Context) (Summary, error) {
	var w *gaggle.Worker
	hatchedBeforeStop := func() int64 {
		if w == nil {
			return 0
		}
		return w.HatchedCount()
	}

	plane := control.New(ctx, control.RunTimeUnset, hatchedBeforeStop, a.cfg.Log)
	runCtx := plane.Context()

	agg, sink, wait, err := a.buildPipeline(runCtx)
	if err != nil {
		return Summary{}, err
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.ManagerHost, a.cfg.ManagerPort)
	w = gaggle.NewWorker(addr, a.taskSets, agg, a.cfg.Log,
		gaggle.WithWorkerHeaders(a.cfg.Headers),
		gaggle.WithWorkerStickyFollow(a.cfg.StickyFollow),
		gaggle.WithWorkerSuccessCodes(a.successCodes()),
		gaggle.WithWorkerNoHashCheck(a.cfg.NoHashCheck),
		gaggle.WithWorkerSink(sink),
		gaggle.WithWorkerThrottle(a.cfg.ThrottleReqs),
	)

	start := time.Now()
	if err := w.Run(runCtx); err != nil {
		return Summary{}, ErrRuntime{err.Error()}
	}
	wait()

	return a.summaryFrom(agg, time.Since(start), w.HatchedCount(), plane.ExitCode()), nil
}

func (a *Attack) summaryFrom(agg *stats.Aggregator, elapsed time.Duration, hatched int64, exitCode int) Summary {
	snap := agg.Snapshot()
	return Summary{
		Aggregate:      snap.Aggregate,
		Buckets:        snap.Buckets,
		DroppedRecords: snap.DroppedRecords,
		Duration:       elapsed,
		HatchedUsers:   hatched,
		ExitCode:       exitCode,
	}
}
