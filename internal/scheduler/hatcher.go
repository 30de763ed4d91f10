package scheduler

import (
	"context"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gander/internal/request"
	"gander/internal/throttle"
)

// StatsResetter is the narrow interface the hatcher needs from the metrics
// pipeline — satisfied by *stats.Aggregator — to honor --reset-stats
// without this package depending on stats internals.
type StatsResetter interface {
	RequestReset()
}

// HatchConfig configures one standalone or gaggle-worker run.
type HatchConfig struct {
	Users     int
	HatchRate float64 // users/sec
	TaskSets  []*TaskSet
	BaseURL   *url.URL
	// ClientFactory builds one HTTP client per spawned user — client
	// state (cookies, connections) is never shared between users.
	// Defaults to DefaultClient(30s) when nil.
	ClientFactory func() request.HTTPDoer
	Throttle      *throttle.Limiter
	Sink          request.Sink
	Headers       map[string]string
	StickyFollow bool
	SuccessCodes map[int]bool
	ResetStats   bool
	Resetter     StatsResetter
	// Seed makes hatching deterministic for tests; zero means
	// time-seeded.
	Seed int64
	// FirstUserID offsets user_id assignment — a gaggle worker hatching
	// its shard of users continues the manager's global numbering.
	FirstUserID uint64

	Log zerolog.Logger
}

// Hatcher is the user scheduler: it spawns users at the configured hatch
// rate, tracks their lifecycle, and drives a clean, ordered shutdown.
type Hatcher struct {
	cfg      HatchConfig
	roulette *roulette
	rng      *rand.Rand

	nextUserID uint64

	mu    sync.Mutex
	users []*User
	wg    sync.WaitGroup
	stop  chan struct{}

	hatched atomic.Int64
}

func NewHatcher(cfg HatchConfig) *Hatcher {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = func() request.HTTPDoer { return DefaultClient(30 * time.Second) }
	}
	return &Hatcher{
		cfg:        cfg,
		roulette:   newRoulette(cfg.TaskSets),
		rng:        rand.New(rand.NewSource(seed)),
		nextUserID: cfg.FirstUserID,
		stop:       make(chan struct{}),
	}
}

// Run hatches cfg.Users users at cfg.HatchRate/sec and blocks until ctx is
// done, then signals every user to stop and waits for them to drain.
func (h *Hatcher) Run(ctx context.Context) {
	h.hatch(ctx)

	if h.cfg.ResetStats && h.cfg.Resetter != nil {
		h.cfg.Resetter.RequestReset()
	}

	<-ctx.Done()
	h.Stop()
}

// hatch spawns users in user_id order, sleeping 1/HatchRate between spawns.
// A cancelled ctx stops hatching immediately — already-spawned users still
// run to completion.
func (h *Hatcher) hatch(ctx context.Context) {
	interval := time.Duration(0)
	if h.cfg.HatchRate > 0 {
		interval = time.Duration(float64(time.Second) / h.cfg.HatchRate)
	}

	startedAt := time.Now()

	for i := 0; i < h.cfg.Users; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		u := h.spawn(startedAt)
		h.cfg.Log.Info().Uint64("user", u.ID).Str("taskset", u.taskSet.Name).Msg("hatched user")

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			u.Run(ctx, h.stop)
		}()

		h.hatched.Add(1)

		if i < h.cfg.Users-1 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hatcher) spawn(startedAt time.Time) *User {
	ts := h.roulette.pick(h.rng)
	id := atomic.AddUint64(&h.nextUserID, 1) - 1

	base := h.cfg.BaseURL
	if ts.Host != "" {
		if override, err := url.Parse(ts.Host); err == nil {
			base = override
		}
	}

	exec := request.New(request.Config{
		BaseURL:      base,
		Headers:      h.cfg.Headers,
		StickyFollow: h.cfg.StickyFollow,
		SuccessCodes: h.cfg.SuccessCodes,
	}, h.cfg.ClientFactory(), h.cfg.Throttle, h.cfg.Sink, id, startedAt)

	u := newUser(id, ts, exec, startedAt, rand.New(rand.NewSource(h.rng.Int63())), h.cfg.Log)

	h.mu.Lock()
	h.users = append(h.users, u)
	h.mu.Unlock()

	return u
}

// Stop signals every hatched user to finish its current task and exit,
// then blocks until all of them have.
func (h *Hatcher) Stop() {
	h.mu.Lock()
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hatcher) HatchedCount() int64 { return h.hatched.Load() }

// DefaultClient builds the per-user http.Client used when no custom
// transport is configured — one instance per user, never shared.
func DefaultClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{Timeout: timeout, Transport: transport}
}
