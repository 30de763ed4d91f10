// Package control implements the control plane: SIGINT handling, the
// run-timer, and the race between {SIGINT, timer, gaggle-stop} that
// triggers orderly shutdown.
package control

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// hardExitWindow is how long after the first SIGINT a second one triggers
// an immediate, summary-less exit.
const hardExitWindow = 3 * time.Second

// RunTimeUnset marks "--run-time was never given": the run has no timer
// and ends only on SIGINT or an external Stop. This is distinct from a
// literal zero duration, which schedules users to hatch and then stop
// right away — Go's time.Duration zero value can't do double duty for
// both meanings, so ParseRunTime returns this sentinel instead of 0 when
// the flag is absent.
const RunTimeUnset time.Duration = -1

// Plane races SIGINT, an optional run-timer, and an optional external
// stop signal (a gaggle Stop message), and cancels ctx on whichever fires
// first.
type Plane struct {
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	hatchedBeforeStop func() int64
	interrupted       atomic.Bool
}

// New wires SIGINT handling and an optional run-time timer onto a context
// derived from parent. hatchedBeforeStop, if set, is consulted to decide
// exit code 130 vs 0 on a pre-hatch interrupt.
func New(parent context.Context, runTime time.Duration, hatchedBeforeStop func() int64, log zerolog.Logger) *Plane {
	ctx, cancel := context.WithCancel(parent)
	p := &Plane{log: log, ctx: ctx, cancel: cancel, hatchedBeforeStop: hatchedBeforeStop}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		p.interrupted.Store(true)
		p.log.Warn().Msg("interrupt received, shutting down")
		p.cancel()

		select {
		case <-sigCh:
			p.log.Error().Msg("second interrupt, exiting without final summary")
			os.Exit(exitCode(130, hatchedBeforeStop))
		case <-time.After(hardExitWindow):
		}
	}()

	// runTime == 0 is a real, literal duration (hatch, then stop right
	// away) rather than "unset" — only the negative sentinel skips the
	// timer entirely. time.After(0) fires on the next scheduling slot, so
	// this still races hatching like any other timer: it stops the run as
	// soon as possible rather than synchronously after the last user
	// spawns.
	if runTime >= 0 {
		go func() {
			select {
			case <-time.After(runTime):
				p.log.Info().Dur("run_time", runTime).Msg("run-time expired")
				p.cancel()
			case <-ctx.Done():
			}
		}()
	}

	return p
}

func (p *Plane) Context() context.Context { return p.ctx }

// Stop triggers shutdown from a non-signal source (a gaggle Stop message).
func (p *Plane) Stop() { p.cancel() }

// ExitCode reports the process exit code implied by how the run ended:
// 130 if a SIGINT arrived before any user had been hatched, 0 otherwise.
// Only meaningful once the run has actually finished — the caller reads
// it after Context() has been drained, not while racing it.
func (p *Plane) ExitCode() int {
	if !p.interrupted.Load() {
		return 0
	}
	return exitCode(130, p.hatchedBeforeStop)
}

func exitCode(sigintCode int, hatched func() int64) int {
	if hatched != nil && hatched() == 0 {
		return sigintCode
	}
	return 0
}

// runTimeGrammar matches the "(\d+h)?(\d+m)?(\d+s)?" duration form, with
// bare \d+ meaning seconds.
var runTimeGrammar = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)
var bareSeconds = regexp.MustCompile(`^\d+$`)

// ParseRunTime parses --run-time's grammar: forms like 300s, 20m, 3h,
// 1h30m, or bare digits meaning seconds. An empty string means the flag
// was never given — no run-timer at all, distinct from an explicit
// "0" which schedules an immediate stop.
func ParseRunTime(s string) (time.Duration, error) {
	if s == "" {
		return RunTimeUnset, nil
	}
	if bareSeconds.MatchString(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	}

	m := runTimeGrammar.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("invalid --run-time %q: expected forms like 300s, 20m, 3h, 1h30m", s)
	}

	var total time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		total += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		total += time.Duration(min) * time.Minute
	}
	if m[3] != "" {
		sec, _ := strconv.Atoi(m[3])
		total += time.Duration(sec) * time.Second
	}
	return total, nil
}
