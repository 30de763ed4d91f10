package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gander/internal/record"
	"gander/internal/throttle"
)

// nullSink discards every record; satisfies request.Sink without pulling in
// the stats aggregator.
type nullSink struct{}

func (nullSink) Send(record.Raw) bool   { return true }
func (nullSink) SendDebug(record.Debug) {}

func TestHatcherRunSpawnsUsersAgainstTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	var hits atomic.Int64
	ts := NewTaskSet("hit").AddTask(NewTask("ping", func(ctx context.Context, u *User) Outcome {
		hits.Add(1)
		_, err := u.Executor.Get(ctx, "/")
		if err != nil {
			return Fail(err.Error())
		}
		return Ok()
	}))

	h := NewHatcher(HatchConfig{
		Users:     3,
		HatchRate: 0, // hatch as fast as possible
		TaskSets:  []*TaskSet{ts},
		BaseURL:   base,
		Throttle:  throttle.New(0),
		Sink:      nullSink{},
		Seed:      1,
		Log:       zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hatcher.Run never returned after context expired")
	}

	assert.Equal(t, int64(3), h.HatchedCount())
	assert.Greater(t, hits.Load(), int64(0))
}

func TestHatcherAssignsContiguousUserIDsFromFirstUserID(t *testing.T) {
	ts := NewTaskSet("noop").AddTask(NewTask("noop", func(ctx context.Context, u *User) Outcome { return Ok() }))

	h := NewHatcher(HatchConfig{
		Users:       2,
		HatchRate:   0,
		TaskSets:    []*TaskSet{ts},
		Throttle:    throttle.New(0),
		Sink:        nullSink{},
		FirstUserID: 100,
		Seed:        1,
		Log:         zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h.Run(ctx)

	require.Len(t, h.users, 2)
	assert.Equal(t, uint64(100), h.users[0].ID)
	assert.Equal(t, uint64(101), h.users[1].ID)
}
