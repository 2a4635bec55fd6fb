package vm

import (
	"errors"
	"fmt"
	"strings"
)

// VM errors.
var (
	// ErrInvalidOpcode is returned for an opcode outside the instruction set.
	ErrInvalidOpcode = errors.New("invalid opcode")

	// ErrNoEntrance is returned when a program has no EXEC instruction.
	ErrNoEntrance = errors.New("no entrance instruction")

	// ErrOutOfProgram is returned when the program counter runs past the last
	// instruction without reaching HALT or EXIT.
	ErrOutOfProgram = errors.New("program counter out of program")

	// ErrConfiguration is the parent of all write-once and precondition
	// violations.
	ErrConfiguration = errors.New("configuration error")

	// ErrSizeAlreadySet is returned when SIZE runs twice.
	ErrSizeAlreadySet = fmt.Errorf("%w: size already set", ErrConfiguration)

	// ErrKeyAlreadySet is returned when KEY runs twice.
	ErrKeyAlreadySet = fmt.Errorf("%w: key already set", ErrConfiguration)

	// ErrKeyNotSet is returned when a gate runs before KEY.
	ErrKeyNotSet = fmt.Errorf("%w: key not set", ErrConfiguration)

	// ErrMissingKey is returned when the input named by KEY is absent.
	ErrMissingKey = errors.New("missing key input")

	// ErrUnimplementedOpcode is returned for declared opcodes without
	// defined semantics.
	ErrUnimplementedOpcode = errors.New("unimplemented opcode")

	// ErrInvalidArguments is returned for malformed instruction arguments.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrTerminated is returned when executing a program that already halted,
	// was killed or faulted.
	ErrTerminated = errors.New("program already terminated")

	// ErrSnapshotMismatch is returned when restoring a snapshot taken from a
	// different program.
	ErrSnapshotMismatch = errors.New("snapshot belongs to a different program")

	// ErrNoEvaluator is returned when a machine is created without a gate
	// evaluator.
	ErrNoEvaluator = errors.New("no gate evaluator")
)

// ExecutionFault reports a failed instruction together with the program state
// at the moment of failure.
type ExecutionFault struct {
	// Opcode is the instruction's opcode as written in the program.
	Opcode string

	// Args are the raw instruction arguments.
	Args []string

	// Index is the program counter of the failed instruction.
	Index int

	// Snapshot is the frozen program state at failure time.
	Snapshot *Snapshot

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (f *ExecutionFault) Error() string {
	instr := f.Opcode
	if len(f.Args) > 0 {
		instr += " " + strings.Join(f.Args, " ")
	}
	return fmt.Sprintf("execution fault at %d (%s): %v", f.Index, instr, f.Err)
}

// Unwrap returns the underlying error.
func (f *ExecutionFault) Unwrap() error {
	return f.Err
}
