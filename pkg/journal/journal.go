package journal

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/sputnik/internal/types"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")

	// ErrReadOnly is returned when writing to a read-only journal.
	ErrReadOnly = errors.New("journal is read-only")

	// ErrNegativeKeep is returned when Prune is asked to keep fewer than
	// zero runs.
	ErrNegativeKeep = errors.New("prune keep count is negative")
)

// Bucket names.
var (
	// bucketRuns stores runs keyed by ID.
	bucketRuns = []byte("runs")

	// bucketByProgram indexes run IDs by program digest + ID.
	bucketByProgram = []byte("by_program")
)

// Config holds journal configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout is how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Journal is a BoltDB-backed run journal.
type Journal struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a journal.
func Open(config Config) (*Journal, error) {
	if config.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{db: db, config: config}
	if !config.ReadOnly {
		if err := j.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return j, nil
}

func (j *Journal) initBuckets() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketByProgram} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (j *Journal) check(write bool) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	if write && j.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Append stores run, assigns its ID and returns it.
func (j *Journal) Append(run *Run) (uint64, error) {
	if err := j.check(true); err != nil {
		return 0, err
	}

	var id uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		next, err := runs.NextSequence()
		if err != nil {
			return err
		}
		id = next
		rec := *run
		rec.ID = id

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		if err := runs.Put(encodeID(id), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketByProgram).Put(programKey(run.ProgramDigest, id), []byte{})
	})
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// Get returns the run with the given ID.
func (j *Journal) Get(id uint64) (*Run, error) {
	if err := j.check(false); err != nil {
		return nil, err
	}

	var run *Run
	err := j.db.View(func(tx *bolt.Tx) error {
		r, err := getRun(tx, id)
		run = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func getRun(tx *bolt.Tx, id uint64) (*Run, error) {
	b := tx.Bucket(bucketRuns)
	if b == nil {
		return nil, ErrRunNotFound
	}
	data := b.Get(encodeID(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	var run Run
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&run); err != nil {
		return nil, fmt.Errorf("decode run %d: %w", id, err)
	}
	return &run, nil
}

// List returns runs newest first.
func (j *Journal) List(opts ListOptions) ([]*Run, error) {
	if err := j.check(false); err != nil {
		return nil, err
	}

	var runs []*Run
	keep := func(r *Run) bool {
		if opts.Outcome != 0 && r.Outcome != opts.Outcome {
			return true
		}
		runs = append(runs, r)
		return opts.Limit == 0 || len(runs) < opts.Limit
	}

	err := j.db.View(func(tx *bolt.Tx) error {
		if opts.Program != nil {
			return listByProgram(tx, *opts.Program, keep)
		}
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			r, err := getRun(tx, decodeID(k))
			if err != nil {
				return err
			}
			if !keep(r) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func listByProgram(tx *bolt.Tx, program types.Hash, keep func(*Run) bool) error {
	b := tx.Bucket(bucketByProgram)
	if b == nil {
		return nil
	}
	c := b.Cursor()

	// Seek past the last key of this program, then walk backwards.
	end := programKey(program, ^uint64(0))
	k, _ := c.Seek(end)
	if k == nil {
		k, _ = c.Last()
	} else if !bytes.Equal(k, end) {
		k, _ = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, program[:]); k, _ = c.Prev() {
		r, err := getRun(tx, decodeID(k))
		if err != nil {
			return err
		}
		if !keep(r) {
			break
		}
	}
	return nil
}

// Delete removes a run.
func (j *Journal) Delete(id uint64) error {
	if err := j.check(true); err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Delete(encodeID(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketByProgram).Delete(programKey(run.ProgramDigest, id))
	})
}

// Prune removes all but the newest keep runs and returns how many were
// removed.
func (j *Journal) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeKeep, keep)
	}
	if err := j.check(true); err != nil {
		return 0, err
	}

	var victims []uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		seen := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				victims = append(victims, decodeID(k))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i, id := range victims {
		if err := j.Delete(id); err != nil {
			return i, fmt.Errorf("delete run %d: %w", id, err)
		}
	}
	return len(victims), nil
}

// Stats returns journal statistics.
func (j *Journal) Stats() (*Stats, error) {
	if err := j.check(false); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		stats.Runs = uint64(b.Stats().KeyN)
		stats.LastID = b.Sequence()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(j.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
