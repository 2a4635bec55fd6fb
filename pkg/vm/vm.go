// Package vm implements the Sputnik gate machine.
//
// A Machine executes a linear program of boolean gate instructions over
// opaque value handles and records every audited gate evaluation in a Merkle
// audit trail.
//
// Execution starts at the first EXEC instruction and fetches one instruction
// at a time until HALT or EXIT:
//
//	EXEC a b     bind entrance variables a and b from the inputs
//	SIZE 32      declare the STATE bit width (once)
//	KEY k        bind the bootstrapping key from input k (once)
//	PUSH a b     copy a into b (either side may be STATE)
//	XOR a b      STATE = a XOR b, audited
//	NOT a        STATE = NOT a
//	HALT         stop and return a snapshot
//	EXIT         stop and return STATE and the audit root
//
// The other gates are NAND, OR, AND, XNOR, NOR, ANDNY, ANDYN, ORNY and ORYN.
// COPY, CONST and MUX are reserved and fail with ErrUnimplementedOpcode.
// RECOVER restores data from a checkpoint when the machine has a Recoverer.
//
// Any failure inside the loop is returned as an *ExecutionFault carrying a
// snapshot of the program at that moment.
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/program"
)

// Status is the machine's position in its lifecycle.
type Status uint8

// Machine states.
const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusHalted
	StatusKilled
	StatusFaulted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusKilled:
		return "killed"
	case StatusFaulted:
		return "faulted"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Result is the outcome of a run.
//
// A killed run carries the final STATE, the audit root and the leaves it was
// computed from. A halted run carries the snapshot taken at the HALT
// instruction (and the STATE at that point).
type Result struct {
	Status    Status
	State     gate.Value
	AuditRoot types.Hash
	Leaves    []types.Hash
	Snapshot  *Snapshot
}

// Recoverer supplies checkpoints to the RECOVER instruction.
type Recoverer interface {
	// Recover returns the snapshot stored for the program under label.
	Recover(programDigest types.Hash, label string) (*Snapshot, error)
}

// Config configures a Machine.
type Config struct {
	// Evaluator computes gates. Required.
	Evaluator gate.Evaluator

	// HashAlgorithm is the audit trail digest. Defaults to BLAKE3.
	HashAlgorithm audit.HashAlgorithm

	// Recoverer backs RECOVER. Without one RECOVER fails with
	// ErrUnimplementedOpcode.
	Recoverer Recoverer

	// AuditOverride turns auditing on or off for individual gate opcodes.
	// Opcodes not listed keep the default policy.
	AuditOverride map[Opcode]bool

	// Logger receives dispatch and lifecycle events. Defaults to a discard
	// logger.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Evaluator == nil {
		return ErrNoEvaluator
	}
	if c.HashAlgorithm != "" {
		if _, err := c.HashAlgorithm.New(); err != nil {
			return err
		}
	}
	_, err := defaultInstructionSet.withAudit(c.AuditOverride)
	return err
}

// Machine runs one program for one session. The audit trail lives as long
// as the machine, so a halted program resumed on the same machine keeps
// appending to it.
// A Machine is not safe for concurrent use.
type Machine struct {
	prog   *Program
	trail  *audit.Trail
	set    instructionSet
	config Config
	logger *slog.Logger

	// faulted holds the fault that ended the run, if any
	faulted *ExecutionFault
}

// New creates a machine for ops.
func New(ops []program.Instruction, config Config) (*Machine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	set, err := defaultInstructionSet.withAudit(config.AuditOverride)
	if err != nil {
		return nil, err
	}
	trail, err := audit.NewTrail(config.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	prog := NewProgram(ops)
	return &Machine{
		prog:   prog,
		trail:  trail,
		set:    set,
		config: config,
		logger: logger.With("program", prog.Digest().String()),
	}, nil
}

// Program returns the machine's program state.
func (m *Machine) Program() *Program {
	return m.prog
}

// Trail returns the machine's audit trail.
func (m *Machine) Trail() *audit.Trail {
	return m.trail
}

// Status returns the lifecycle state.
func (m *Machine) Status() Status {
	switch {
	case m.faulted != nil:
		return StatusFaulted
	case m.prog.Killed():
		return StatusKilled
	case m.prog.Halted():
		return StatusHalted
	}
	if _, set := m.prog.ExecIndex(); set {
		return StatusRunning
	}
	return StatusNotStarted
}

// Execute runs the program until HALT or EXIT.
//
// A fault ends the run: later calls to Execute or Resume return ErrTerminated
// wrapping the original fault.
//
// If the program counter has not been set, execution starts at the first
// EXEC instruction. inputs supplies the entrance variables and the key. ctx
// is passed to every gate evaluation; the machine itself never interrupts an
// instruction.
func (m *Machine) Execute(ctx context.Context, inputs map[string]gate.Value) (*Result, error) {
	if err := m.checkLive(); err != nil {
		return nil, err
	}

	if _, set := m.prog.ExecIndex(); !set {
		entrance, err := m.prog.FindEntrance()
		if err != nil {
			return nil, err
		}
		m.prog.SetExecIndex(entrance - 1)
		m.logger.DebugContext(ctx, "entrance found", "index", entrance)
	}

	ec := &execContext{
		ctx:       ctx,
		prog:      m.prog,
		trail:     m.trail,
		eval:      m.config.Evaluator,
		recoverer: m.config.Recoverer,
		inputs:    inputs,
		logger:    m.logger,
	}

	var last *Result
	for !m.prog.Terminated() {
		res, err := m.step(ec)
		if err != nil {
			return nil, err
		}
		last = res
	}

	m.logger.InfoContext(ctx, "program terminated",
		"status", m.Status().String(),
		"index", m.prog.execIndex,
		"leaves", m.trail.Len())
	return last, nil
}

// step fetches, decodes and dispatches one instruction.
func (m *Machine) step(ec *execContext) (*Result, error) {
	ins, err := m.prog.IncrementAndFetch()
	if err != nil {
		return nil, m.fault(ec.ctx, ins, err)
	}

	_, op, err := m.set.decode(ins.Op)
	if err != nil {
		return nil, m.fault(ec.ctx, ins, err)
	}
	if err := op.checkArgs(ins.Args); err != nil {
		return nil, m.fault(ec.ctx, ins, err)
	}

	m.logger.DebugContext(ec.ctx, "dispatch", "index", m.prog.execIndex, "op", ins.Op, "args", ins.Args)

	ec.op = op
	res, err := op.execute(ec, ins.Args)
	if err != nil {
		return nil, m.fault(ec.ctx, ins, err)
	}
	return res, nil
}

func (m *Machine) fault(ctx context.Context, ins program.Instruction, err error) error {
	f := &ExecutionFault{
		Opcode:   ins.Op,
		Args:     append([]string(nil), ins.Args...),
		Index:    m.prog.execIndex,
		Snapshot: m.prog.Freeze(),
		Err:      err,
	}
	m.faulted = f
	m.logger.WarnContext(ctx, "execution fault", "index", f.Index, "op", f.Opcode, "error", err)
	return f
}

// Fault returns the fault that ended the run, or nil.
func (m *Machine) Fault() *ExecutionFault {
	return m.faulted
}

func (m *Machine) checkLive() error {
	if m.faulted != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, m.faulted)
	}
	if m.prog.Terminated() {
		return ErrTerminated
	}
	return nil
}

// Resume restores a snapshot, including its program counter, and continues
// execution after the snapshot's instruction. The snapshot must come from
// the same program.
func (m *Machine) Resume(ctx context.Context, snap *Snapshot, inputs map[string]gate.Value) (*Result, error) {
	if m.faulted != nil {
		return nil, m.checkLive()
	}
	if err := m.prog.Restore(snap, true); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "resuming", "index", snap.ExecIndex)
	return m.Execute(ctx, inputs)
}

// Run is a convenience wrapper that builds a machine and executes ops once.
func Run(ctx context.Context, ops []program.Instruction, config Config, inputs map[string]gate.Value) (*Result, error) {
	m, err := New(ops, config)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, inputs)
}
