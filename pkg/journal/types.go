// Package journal keeps a persistent record of VM runs.
//
// Every run that reaches HALT or EXIT is appended with its program digest,
// audit algorithm, leaves and root, so a finished run can be re-verified or
// asked for an inclusion proof long after the machine is gone. The journal
// uses BoltDB and is designed for a single local process.
package journal

import (
	"encoding/binary"
	"time"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
)

// Outcome is how a run ended.
type Outcome uint8

const (
	// OutcomeKilled means the run reached EXIT and its trail was finalized.
	OutcomeKilled Outcome = iota + 1

	// OutcomeHalted means the run stopped at HALT and left a checkpoint.
	OutcomeHalted

	// OutcomeFaulted means an instruction failed.
	OutcomeFaulted
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeKilled:
		return "killed"
	case OutcomeHalted:
		return "halted"
	case OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Run is one journaled execution.
type Run struct {
	// ID is assigned by Append and increases monotonically.
	ID uint64

	// ProgramDigest identifies the program.
	ProgramDigest types.Hash

	// ProgramSource is the canonical program text.
	ProgramSource string

	// Algorithm is the audit hash algorithm.
	Algorithm audit.HashAlgorithm

	// Outcome is how the run ended.
	Outcome Outcome

	// Leaves are the audit leaves in append order.
	Leaves []types.Hash

	// Root is the finalized audit root. Zero unless Outcome is OutcomeKilled.
	Root types.Hash

	// State is the encoded final STATE, if the evaluator could encode it.
	State []byte

	// ExecIndex is the program counter when the run stopped.
	ExecIndex int

	// Checkpoint is the label of the checkpoint left by a halted run.
	Checkpoint string

	// ResumedFrom is the ID of the halted run this one continued, or zero.
	ResumedFrom uint64

	// Error is the fault message of a faulted run.
	Error string

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListOptions configures List.
type ListOptions struct {
	// Program restricts the result to runs of one program.
	Program *types.Hash

	// Outcome restricts the result to one outcome. Zero matches all.
	Outcome Outcome

	// Limit is the maximum number of runs returned. Zero means no limit.
	Limit int
}

// Stats contains journal statistics.
type Stats struct {
	// Runs is the number of runs stored.
	Runs uint64

	// LastID is the most recently assigned run ID.
	LastID uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// encodeID encodes a run ID as a big-endian 8-byte key so cursor order is
// ID order.
func encodeID(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decodeID(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// programKey is program digest (32 bytes) + run ID (8 bytes).
func programKey(program types.Hash, id uint64) []byte {
	key := make([]byte, 0, types.HashSize+8)
	key = append(key, program[:]...)
	return append(key, encodeID(id)...)
}
