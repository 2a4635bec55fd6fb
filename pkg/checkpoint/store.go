// Package checkpoint persists VM snapshots in BadgerDB.
//
// A halted run leaves a snapshot behind; the store keeps it under the
// program digest and a label (by convention the HALT instruction index) so
// that a later session can resume the run or a RECOVER instruction can pull
// the data back in. Values are gob-encoded and zstd-compressed.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/vm"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a label.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("checkpoint store closed")

	// ErrCorrupt is returned when a stored value cannot be decoded.
	ErrCorrupt = errors.New("corrupt checkpoint")

	// ErrInvalidLabel is returned for an empty label.
	ErrInvalidLabel = errors.New("invalid checkpoint label")
)

// Key prefixes.
var (
	// prefixCheckpoint + program digest (32 bytes) + label
	prefixCheckpoint = []byte{0x01}
)

// Config contains configuration for the checkpoint store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// CompressionLevel is the zstd level applied to snapshots.
	CompressionLevel zstd.EncoderLevel

	// Logger is an optional badger logger. Nil disables badger logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
		CompressionLevel: zstd.SpeedDefault,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("checkpoint path is required")
	}
	if c.NumCompactors < 2 {
		return errors.New("checkpoint compactors must be at least 2")
	}
	return nil
}

// Info describes a stored checkpoint without decoding its values.
type Info struct {
	ProgramDigest types.Hash
	Label         string
	ExecIndex     int
	SavedAt       time.Time
	StoredBytes   int
}

// Store is a BadgerDB-backed checkpoint store. It implements vm.Recoverer.
type Store struct {
	db    *badger.DB
	codec *codec

	// mu serializes writers
	mu     sync.Mutex
	closed atomic.Bool
}

var _ vm.Recoverer = (*Store)(nil)

// Open opens or creates a checkpoint store.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	c, err := newCodec(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, codec: c}, nil
}

func checkpointKey(program types.Hash, label string) []byte {
	key := make([]byte, 0, 1+types.HashSize+len(label))
	key = append(key, prefixCheckpoint...)
	key = append(key, program[:]...)
	return append(key, label...)
}

func programPrefix(program types.Hash) []byte {
	return checkpointKey(program, "")
}

// Save stores snap under label, replacing any previous checkpoint with the
// same label for the same program.
func (s *Store) Save(snap *vm.Snapshot, label string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if label == "" {
		return ErrInvalidLabel
	}
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", vm.ErrInvalidArguments)
	}

	data, err := s.codec.marshal(&record{
		Label:    label,
		SavedAt:  time.Now().UTC(),
		Snapshot: snap,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(snap.ProgramDigest, label), data)
	})
}

// Load returns the checkpoint stored for program under label.
func (s *Store) Load(program types.Hash, label string) (*vm.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var rec *record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(program, label))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, program, label)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := s.codec.unmarshal(val)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec.Snapshot, nil
}

// Recover implements vm.Recoverer.
func (s *Store) Recover(program types.Hash, label string) (*vm.Snapshot, error) {
	return s.Load(program, label)
}

// Latest returns the most recently saved checkpoint for program.
func (s *Store) Latest(program types.Hash) (*vm.Snapshot, *Info, error) {
	infos, err := s.List(program)
	if err != nil {
		return nil, nil, err
	}
	if len(infos) == 0 {
		return nil, nil, fmt.Errorf("%w: no checkpoints for %s", ErrNotFound, program)
	}
	latest := infos[0]
	for _, info := range infos[1:] {
		if info.SavedAt.After(latest.SavedAt) {
			latest = info
		}
	}
	snap, err := s.Load(program, latest.Label)
	if err != nil {
		return nil, nil, err
	}
	return snap, &latest, nil
}

// List returns the checkpoints of program ordered by label.
func (s *Store) List(program types.Hash) ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := programPrefix(program)
	var infos []Info
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			label := string(bytes.TrimPrefix(item.Key(), prefix))
			err := item.Value(func(val []byte) error {
				r, err := s.codec.unmarshal(val)
				if err != nil {
					return fmt.Errorf("checkpoint %s: %w", label, err)
				}
				infos = append(infos, Info{
					ProgramDigest: program,
					Label:         label,
					ExecIndex:     r.Snapshot.ExecIndex,
					SavedAt:       r.SavedAt,
					StoredBytes:   len(val),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Label < infos[j].Label })
	return infos, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(program types.Hash, label string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(program, label))
	})
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.codec.close()
	return s.db.Close()
}
