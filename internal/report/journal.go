package report

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "checks"

// Journal persists checks in a BoltDB file across runs.
// A nil or disabled Journal accepts and discards records.
type Journal struct {
	db      *bolt.DB
	enabled bool
}

// Open opens (or creates) the journal at path for writing.
// BoltDB's file lock keeps two runs from sharing one journal.
// Returns a disabled journal if path is empty.
func Open(path string) (*Journal, error) {
	if path == "" {
		return &Journal{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal (locked by another run?): %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, enabled: true}, nil
}

// OpenReadOnly opens an existing journal for listing.
func OpenReadOnly(path string) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db, enabled: true}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// makeKey builds an ordered key: runID + NUL + seq(8, big endian).
func makeKey(runID string, seq uint64) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(runID)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, seq)
	return buf.Bytes()
}

// Record stores one check.
func (j *Journal) Record(c Check) error {
	if j == nil || !j.enabled {
		return nil
	}
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode check: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("journal bucket missing")
		}
		return b.Put(makeKey(c.RunID, c.Seq), value)
	})
}

// Entries returns the checks of one run in order, or of every run if
// runID is empty.
func (j *Journal) Entries(runID string) ([]Check, error) {
	if j == nil || !j.enabled {
		return nil, nil
	}
	var prefix []byte
	if runID != "" {
		prefix = append([]byte(runID), 0)
	}

	var checks []Check
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var check Check
			if err := json.Unmarshal(v, &check); err != nil {
				return fmt.Errorf("decode check %q: %w", k, err)
			}
			checks = append(checks, check)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal read: %w", err)
	}
	return checks, nil
}

// Run summarizes one journaled run.
type Run struct {
	ID      string
	Started time.Time
	Checks  int
	Failed  int
}

// Runs lists journaled runs ordered by start time.
func (j *Journal) Runs() ([]Run, error) {
	checks, err := j.Entries("")
	if err != nil {
		return nil, err
	}
	index := map[string]int{}
	var runs []Run
	for _, c := range checks {
		i, ok := index[c.RunID]
		if !ok {
			i = len(runs)
			index[c.RunID] = i
			runs = append(runs, Run{ID: c.RunID, Started: c.At})
		}
		runs[i].Checks++
		if c.Status == Fail {
			runs[i].Failed++
		}
		if c.At.Before(runs[i].Started) {
			runs[i].Started = c.At
		}
	}
	slices.SortStableFunc(runs, func(a, b Run) int { return a.Started.Compare(b.Started) })
	return runs, nil
}
