// Package dummy implements the target test server used by the `gander
// dummy` subcommand and by example task sets: a handful of endpoints with
// different latency/failure profiles, useful for exercising percentile
// reporting and error classification without a real target.
package dummy

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type ServerConfig struct {
	Port int
	Log  zerolog.Logger
}

// Start launches the dummy server in the background and returns a
// shutdown func. The caller is responsible for calling it (typically on
// ctx cancellation) to release the listening socket.
func Start(cfg ServerConfig) func(context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.Intn(40)+10) * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fast response"))
	})

	mux.HandleFunc("/medium", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.Intn(200)+100) * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("medium response"))
	})

	// Good for exercising timeouts and queuing under --throttle-requests.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.Intn(1000)+1000) * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("slow response"))
	})

	// Mostly fast, occasionally very slow: p50 stays low, p99 spikes.
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		if rand.Float32() < 0.05 {
			time.Sleep(2 * time.Second)
		} else {
			time.Sleep(20 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("spikey response"))
	})

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		rnd := rand.Float32()
		switch {
		case rnd < 0.2:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 internal server error"))
		case rnd < 0.4:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 too many requests"))
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	log := cfg.Log.With().Str("component", "dummy-server").Str("addr", addr).Logger()

	go func() {
		log.Info().Msg("dummy server listening (/fast /medium /slow /spike /error)")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("dummy server failed")
		}
	}()

	return server.Shutdown
}
