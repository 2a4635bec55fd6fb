package vm

import (
	"fmt"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/program"
)

// StateName is the reserved name of the accumulator slot.
const StateName = "STATE"

// Program holds the execution state of one Sputnik program: the instruction
// list, the program counter, the variable store with its STATE slot, the
// write-once size and key, and the terminal flags.
//
// The instruction list is copied on construction and never modified.
// A Program is owned by a single Machine and is not safe for concurrent use.
type Program struct {
	operations []program.Instruction
	digest     types.Hash

	execIndex    int
	execIndexSet bool

	variables map[string]gate.Value
	state     gate.Value

	size    int
	sizeSet bool
	key     gate.Key
	keySet  bool

	halted bool
	killed bool
}

// NewProgram creates a program over a copy of ops.
func NewProgram(ops []program.Instruction) *Program {
	return &Program{
		operations: cloneOperations(ops),
		digest:     program.Digest(ops),
		execIndex:  -1,
		variables:  make(map[string]gate.Value),
	}
}

// Digest returns the program digest.
func (p *Program) Digest() types.Hash {
	return p.digest
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.operations)
}

// Instruction returns a copy of the instruction at i.
func (p *Program) Instruction(i int) (program.Instruction, bool) {
	if i < 0 || i >= len(p.operations) {
		return program.Instruction{}, false
	}
	return p.operations[i].Clone(), true
}

// FindEntrance returns the index of the first EXEC instruction.
func (p *Program) FindEntrance() (int, error) {
	entrance := EXEC.String()
	for i, op := range p.operations {
		if op.Op == entrance {
			return i, nil
		}
	}
	return 0, ErrNoEntrance
}

// ExecIndex returns the program counter and whether it has been set.
func (p *Program) ExecIndex() (int, bool) {
	return p.execIndex, p.execIndexSet
}

// SetExecIndex sets the program counter. The next fetch reads i+1.
func (p *Program) SetExecIndex(i int) {
	p.execIndex = i
	p.execIndexSet = true
}

// IncrementAndFetch advances the program counter by one and returns the
// instruction it now points at.
func (p *Program) IncrementAndFetch() (program.Instruction, error) {
	p.execIndex++
	p.execIndexSet = true
	if p.execIndex < 0 || p.execIndex >= len(p.operations) {
		return program.Instruction{}, fmt.Errorf("%w: index %d of %d", ErrOutOfProgram, p.execIndex, len(p.operations))
	}
	return p.operations[p.execIndex], nil
}

// Get returns the value bound to name. STATE reads the accumulator. An unset
// name is not an error: it reports (nil, false).
func (p *Program) Get(name string) (gate.Value, bool) {
	if name == StateName {
		return p.state, p.state != nil
	}
	v, ok := p.variables[name]
	return v, ok
}

// Set binds value to name. STATE writes the accumulator.
func (p *Program) Set(name string, value gate.Value) {
	if name == StateName {
		p.state = value
		return
	}
	p.variables[name] = value
}

// State returns the accumulator.
func (p *Program) State() gate.Value {
	return p.state
}

// Variables returns a copy of the named variables. STATE is never included.
func (p *Program) Variables() map[string]gate.Value {
	return cloneVariables(p.variables)
}

// BindEntranceVars copies each named input into the variable store. Names
// that are absent from available, or bound to nil, are skipped.
func (p *Program) BindEntranceVars(names []string, available map[string]gate.Value) {
	for _, name := range names {
		v, ok := available[name]
		if !ok || v == nil {
			continue
		}
		p.Set(name, v)
	}
}

// Size returns the declared STATE bit width.
func (p *Program) Size() (int, bool) {
	return p.size, p.sizeSet
}

// SetSize declares the STATE bit width. It may be called once.
func (p *Program) SetSize(size int) error {
	if p.sizeSet {
		return ErrSizeAlreadySet
	}
	p.size = size
	p.sizeSet = true
	return nil
}

// Key returns the bootstrapping key.
func (p *Program) Key() (gate.Key, bool) {
	return p.key, p.keySet
}

// SetKey binds the bootstrapping key. It may be called once.
func (p *Program) SetKey(key gate.Key) error {
	if p.keySet {
		return ErrKeyAlreadySet
	}
	p.key = key
	p.keySet = true
	return nil
}

// Halted reports whether HALT has run.
func (p *Program) Halted() bool {
	return p.halted
}

// Killed reports whether EXIT has run.
func (p *Program) Killed() bool {
	return p.killed
}

// Terminated reports whether the program halted or was killed.
func (p *Program) Terminated() bool {
	return p.halted || p.killed
}

// Snapshot is an immutable copy of a program's state.
//
// The operation list and variable map are deep-copied; value handles are
// shared, since the VM never mutates a handle in place.
type Snapshot struct {
	ProgramDigest types.Hash
	Operations    []program.Instruction
	State         gate.Value
	Variables     map[string]gate.Value
	ExecIndex     int
	ExecIndexSet  bool
	Size          int
	SizeSet       bool
	Key           gate.Key
	KeySet        bool
	Halted        bool
	Killed        bool
}

// Freeze captures the current program state.
func (p *Program) Freeze() *Snapshot {
	return &Snapshot{
		ProgramDigest: p.digest,
		Operations:    cloneOperations(p.operations),
		State:         p.state,
		Variables:     cloneVariables(p.variables),
		ExecIndex:     p.execIndex,
		ExecIndexSet:  p.execIndexSet,
		Size:          p.size,
		SizeSet:       p.sizeSet,
		Key:           p.key,
		KeySet:        p.keySet,
		Halted:        p.halted,
		Killed:        p.killed,
	}
}

// Restore replaces the program's data (variables, STATE, size and key) with
// the snapshot's. When withIndex is set the program counter is restored as
// well and the terminal flags are cleared, so execution resumes after the
// snapshot's instruction.
func (p *Program) Restore(s *Snapshot, withIndex bool) error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidArguments)
	}
	if s.ProgramDigest != p.digest {
		return fmt.Errorf("%w: snapshot %s, program %s", ErrSnapshotMismatch, s.ProgramDigest, p.digest)
	}

	p.variables = cloneVariables(s.Variables)
	p.state = s.State
	p.size, p.sizeSet = s.Size, s.SizeSet
	p.key, p.keySet = s.Key, s.KeySet

	if withIndex {
		p.execIndex, p.execIndexSet = s.ExecIndex, s.ExecIndexSet
		p.halted = false
		p.killed = false
	}
	return nil
}

func cloneOperations(ops []program.Instruction) []program.Instruction {
	out := make([]program.Instruction, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func cloneVariables(vars map[string]gate.Value) map[string]gate.Value {
	out := make(map[string]gate.Value, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
