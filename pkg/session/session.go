// Package session runs programs end to end.
//
// A Runner owns the pieces around a machine:
// - the gate evaluator
// - the checkpoint store that receives HALT snapshots and backs RECOVER
// - the journal that records every finished run
//
// and can later verify a journaled run or prove one of its leaves without
// re-executing anything.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fortiblox/sputnik/internal/logging"
	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/checkpoint"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/journal"
	"github.com/fortiblox/sputnik/pkg/program"
	"github.com/fortiblox/sputnik/pkg/vm"
)

// Errors.
var (
	ErrNoJournal      = errors.New("no run journal configured")
	ErrNoCheckpoints  = errors.New("no checkpoint store configured")
	ErrNotHalted      = errors.New("run did not halt")
	ErrNotFinalized   = errors.New("run has no finalized audit root")
	ErrRootMismatch   = errors.New("audit root mismatch")
	ErrDigestMismatch = errors.New("program digest mismatch")
)

// Config holds runner configuration.
type Config struct {
	// Evaluator computes gates. Required.
	Evaluator gate.Evaluator

	// HashAlgorithm is the audit trail digest.
	HashAlgorithm audit.HashAlgorithm

	// AuditOverride is passed to every machine.
	AuditOverride map[vm.Opcode]bool

	// Checkpoints receives HALT snapshots and serves RECOVER. Optional.
	Checkpoints *checkpoint.Store

	// Journal records finished runs. Optional.
	Journal *journal.Journal

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// OnRunComplete is called after each run is journaled.
	OnRunComplete func(run *journal.Run)
}

// DefaultConfig returns a configuration using the plaintext evaluator and
// no persistence.
func DefaultConfig() Config {
	return Config{
		Evaluator:     gate.NewPlaintext(),
		HashAlgorithm: audit.DefaultHashAlgorithm,
	}
}

// Report is the outcome of Run or Resume.
type Report struct {
	// Result is nil when the run faulted.
	Result *vm.Result

	// Run is the journal record. Its ID is zero without a journal.
	Run *journal.Run
}

// Runner executes programs and records their outcome.
type Runner struct {
	config Config
	logger *slog.Logger

	// seq tags runs in log records before the journal assigns an ID
	seq atomic.Uint64
}

// New creates a runner.
func New(config Config) (*Runner, error) {
	if config.Evaluator == nil {
		return nil, vm.ErrNoEvaluator
	}
	if config.HashAlgorithm == "" {
		config.HashAlgorithm = audit.DefaultHashAlgorithm
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{config: config, logger: logger}, nil
}

func (r *Runner) machine(ops []program.Instruction) (*vm.Machine, error) {
	cfg := vm.Config{
		Evaluator:     r.config.Evaluator,
		HashAlgorithm: r.config.HashAlgorithm,
		AuditOverride: r.config.AuditOverride,
		Logger:        r.logger,
	}
	if r.config.Checkpoints != nil {
		cfg.Recoverer = r.config.Checkpoints
	}
	return vm.New(ops, cfg)
}

func (r *Runner) runContext(ctx context.Context) context.Context {
	if _, ok := logging.RunFrom(ctx); ok {
		return ctx
	}
	return logging.WithRun(ctx, "s"+strconv.FormatUint(r.seq.Add(1), 10))
}

// Run executes ops from the entrance.
//
// A faulted run is journaled and its *vm.ExecutionFault returned together
// with the report. Errors raised before the first instruction, such as a
// program without EXEC, are returned without journaling.
func (r *Runner) Run(ctx context.Context, ops []program.Instruction, inputs map[string]gate.Value) (*Report, error) {
	m, err := r.machine(ops)
	if err != nil {
		return nil, err
	}
	ctx = r.runContext(ctx)
	started := time.Now().UTC()
	res, err := m.Execute(ctx, inputs)
	return r.finish(ctx, m, ops, started, 0, res, err)
}

// Resume continues a halted run from snap on a fresh machine. resumedFrom
// is the journal ID of the halted run, or zero. The resumed run's audit
// trail starts empty.
func (r *Runner) Resume(ctx context.Context, ops []program.Instruction, snap *vm.Snapshot, resumedFrom uint64, inputs map[string]gate.Value) (*Report, error) {
	m, err := r.machine(ops)
	if err != nil {
		return nil, err
	}
	ctx = r.runContext(ctx)
	started := time.Now().UTC()
	res, err := m.Resume(ctx, snap, inputs)
	if err != nil && !isFault(err) {
		return nil, err
	}
	return r.finish(ctx, m, ops, started, resumedFrom, res, err)
}

// ResumeCheckpoint resumes ops from the checkpoint stored under label.
func (r *Runner) ResumeCheckpoint(ctx context.Context, ops []program.Instruction, label string, inputs map[string]gate.Value) (*Report, error) {
	if r.config.Checkpoints == nil {
		return nil, ErrNoCheckpoints
	}
	snap, err := r.config.Checkpoints.Load(program.Digest(ops), label)
	if err != nil {
		return nil, err
	}
	return r.Resume(ctx, ops, snap, 0, inputs)
}

// ResumeRun resumes the journaled halted run id from its checkpoint.
func (r *Runner) ResumeRun(ctx context.Context, id uint64, inputs map[string]gate.Value) (*Report, error) {
	if r.config.Journal == nil {
		return nil, ErrNoJournal
	}
	if r.config.Checkpoints == nil {
		return nil, ErrNoCheckpoints
	}
	prev, err := r.config.Journal.Get(id)
	if err != nil {
		return nil, err
	}
	if prev.Outcome != journal.OutcomeHalted || prev.Checkpoint == "" {
		return nil, fmt.Errorf("%w: run %d is %s", ErrNotHalted, id, prev.Outcome)
	}
	ops, err := sourceOf(prev)
	if err != nil {
		return nil, err
	}
	snap, err := r.config.Checkpoints.Load(prev.ProgramDigest, prev.Checkpoint)
	if err != nil {
		return nil, err
	}
	return r.Resume(ctx, ops, snap, id, inputs)
}

func (r *Runner) finish(ctx context.Context, m *vm.Machine, ops []program.Instruction, started time.Time, resumedFrom uint64, res *vm.Result, execErr error) (*Report, error) {
	if execErr != nil && !isFault(execErr) {
		return nil, execErr
	}

	run := &journal.Run{
		ProgramDigest: m.Program().Digest(),
		ProgramSource: program.Format(ops),
		Algorithm:     m.Trail().Algorithm(),
		Leaves:        m.Trail().Leaves(),
		ResumedFrom:   resumedFrom,
		StartedAt:     started,
		FinishedAt:    time.Now().UTC(),
	}
	run.ExecIndex, _ = m.Program().ExecIndex()

	switch {
	case execErr != nil:
		run.Outcome = journal.OutcomeFaulted
		run.Error = execErr.Error()

	case res.Status == vm.StatusHalted:
		run.Outcome = journal.OutcomeHalted
		run.State = r.encodeState(ctx, res.State)
		if r.config.Checkpoints != nil {
			label := strconv.Itoa(res.Snapshot.ExecIndex)
			if err := r.config.Checkpoints.Save(res.Snapshot, label); err != nil {
				return nil, fmt.Errorf("save checkpoint: %w", err)
			}
			run.Checkpoint = label
		}

	default:
		run.Outcome = journal.OutcomeKilled
		run.Root = res.AuditRoot
		run.Leaves = res.Leaves
		run.State = r.encodeState(ctx, res.State)
	}

	if r.config.Journal != nil {
		if _, err := r.config.Journal.Append(run); err != nil {
			return nil, fmt.Errorf("journal run: %w", err)
		}
		if r.config.OnRunComplete != nil {
			r.config.OnRunComplete(run)
		}
	}

	r.logger.InfoContext(ctx, "run recorded",
		"id", run.ID,
		"outcome", run.Outcome.String(),
		"leaves", len(run.Leaves),
		"checkpoint", run.Checkpoint)

	return &Report{Result: res, Run: run}, execErr
}

func (r *Runner) encodeState(ctx context.Context, state gate.Value) []byte {
	if state == nil {
		return nil
	}
	b, err := r.config.Evaluator.Encode(state)
	if err != nil {
		r.logger.WarnContext(ctx, "state not encodable", "error", err)
		return nil
	}
	return b
}

// Verify recomputes the audit root of a killed run from its leaves and
// checks it against the journaled root and the program digest.
func (r *Runner) Verify(id uint64) (types.Hash, error) {
	run, err := r.finalized(id)
	if err != nil {
		return types.Hash{}, err
	}
	ops, err := sourceOf(run)
	if err != nil {
		return types.Hash{}, err
	}
	if got := program.Digest(ops); got != run.ProgramDigest {
		return types.Hash{}, fmt.Errorf("%w: source hashes to %s, run records %s", ErrDigestMismatch, got, run.ProgramDigest)
	}
	root, err := audit.ComputeMerkleRoot(run.Algorithm, run.Leaves)
	if err != nil {
		return types.Hash{}, err
	}
	if root != run.Root {
		return root, fmt.Errorf("%w: computed %s, journaled %s", ErrRootMismatch, root, run.Root)
	}
	return root, nil
}

// Proof returns the inclusion proof for leaf index of a killed run.
func (r *Runner) Proof(id uint64, index int) (*audit.MerkleProof, error) {
	run, err := r.finalized(id)
	if err != nil {
		return nil, err
	}
	proof, err := audit.BuildProof(run.Algorithm, run.Leaves, index)
	if err != nil {
		return nil, err
	}
	if proof.Root != run.Root {
		return nil, fmt.Errorf("%w: computed %s, journaled %s", ErrRootMismatch, proof.Root, run.Root)
	}
	return proof, nil
}

func (r *Runner) finalized(id uint64) (*journal.Run, error) {
	if r.config.Journal == nil {
		return nil, ErrNoJournal
	}
	run, err := r.config.Journal.Get(id)
	if err != nil {
		return nil, err
	}
	if run.Outcome != journal.OutcomeKilled {
		return nil, fmt.Errorf("%w: run %d is %s", ErrNotFinalized, id, run.Outcome)
	}
	return run, nil
}

func sourceOf(run *journal.Run) ([]program.Instruction, error) {
	ops, err := program.ParseString(run.ProgramSource)
	if err != nil {
		return nil, fmt.Errorf("run %d source: %w", run.ID, err)
	}
	return ops, nil
}

func isFault(err error) bool {
	var f *vm.ExecutionFault
	return errors.As(err, &f)
}
