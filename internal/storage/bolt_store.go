// Package storage persists completed run summaries to a local bbolt file,
// repurposing the teacher's ephemeral session store as a run archive: the
// CLI saves every completed run (standalone, manager or worker), and its
// history subcommand looks up a prior run's aggregate numbers without
// re-running the test.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"gander/internal/stats"
)

const BucketRuns = "runs"

// RunSummary is the persisted shape of one completed Attack.Execute call.
type RunSummary struct {
	ID             string                    `json:"id"`
	StartedAt      time.Time                 `json:"started_at"`
	Duration       time.Duration             `json:"duration"`
	HatchedUsers   int64                     `json:"hatched_users"`
	Aggregate      stats.Snapshot            `json:"aggregate"`
	Buckets        map[string]stats.Snapshot `json:"buckets"`
	DroppedRecords uint64                    `json:"dropped_records"`
}

type Store struct {
	db       *bbolt.DB
	filePath string
}

// NewStore opens (creating if needed) the run-history database under
// $HOME/.gander/runs.db. Unlike the teacher's per-session ephemeral file,
// this one persists across process restarts so a gaggle manager's history
// survives a restart.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(home, ".gander")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "runs.db")

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, filePath: path}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save persists one run summary, keyed by its ID (typically a UUID
// assigned by the caller at run start).
func (s *Store) Save(run RunSummary) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

// List returns every stored run, most recent first.
func (s *Store) List() []RunSummary {
	var items []RunSummary

	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		c := b.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run RunSummary
			if err := json.Unmarshal(v, &run); err == nil {
				items = append(items, run)
			}
		}
		return nil
	})

	// Keys are caller-assigned IDs (UUIDs in practice), so key order says
	// nothing about when a run happened; order by start time instead.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})

	return items
}

func (s *Store) Get(id string) (*RunSummary, error) {
	var run RunSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("run %q not found", id)
		}
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}
