// Package state persists client-side run history in a bbolt database.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.nas-backup/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var runsBucket = []byte("runs")

// RunRecord is the persisted outcome of one backup run.
type RunRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Targets    int       `json:"targets"`
	Succeeded  int       `json:"succeeded"`
	Uploaded   int       `json:"uploaded"`
	Deleted    int       `json:"deleted"`
	Failures   []string  `json:"failures,omitempty"`
	// Interrupted is set when the run was cancelled before it finished.
	Interrupted bool `json:"interrupted,omitempty"`
}

// OK reports whether every target in the run succeeded.
func (r RunRecord) OK() bool {
	return !r.Interrupted && r.Succeeded == r.Targets
}

// Duration is how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// State wraps a bbolt database holding run history.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveRun appends a run to the history, assigning an ID if it has none.
// Records are keyed by an insertion sequence so cursor order is run
// order regardless of clock changes.
func (s *State) SaveRun(r RunRecord) (RunRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put(seqKeyBytes(seq), data)
	})
	if err != nil {
		return RunRecord{}, fmt.Errorf("saving run: %w", err)
	}

	return r, nil
}

func seqKeyBytes(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// RecentRuns returns up to n runs, newest first. n <= 0 returns all.
func (s *State) RecentRuns(n int) ([]RunRecord, error) {
	var runs []RunRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(runs) >= n {
				break
			}

			var r RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding run %x: %w", k, err)
			}

			runs = append(runs, r)
		}

		return nil
	})

	return runs, err
}

// LastRun returns the most recent run, or nil if none has been recorded.
func (s *State) LastRun() (*RunRecord, error) {
	runs, err := s.RecentRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// PruneRuns drops all but the newest keep runs and reports how many
// were removed.
func (s *State) PruneRuns(keep int) (int, error) {
	var stale [][]byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)
		c := b.Cursor()

		kept := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if kept < keep {
				kept++
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}

		// Cursor.Delete during iteration skips keys; delete afterwards.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}

	return len(stale), nil
}
