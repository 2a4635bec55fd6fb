package vm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/gate"
)

// execContext is handed to a handler for the duration of one dispatch.
type execContext struct {
	ctx       context.Context
	prog      *Program
	trail     *audit.Trail
	eval      gate.Evaluator
	recoverer Recoverer
	inputs    map[string]gate.Value
	op        *operation
	logger    *slog.Logger
}

func opExec(ec *execContext, args []string) (*Result, error) {
	ec.prog.BindEntranceVars(args, ec.inputs)
	return nil, nil
}

func opSize(ec *execContext, args []string) (*Result, error) {
	if _, ok := ec.prog.Size(); ok {
		return nil, ErrSizeAlreadySet
	}
	size, err := strconv.Atoi(args[0])
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: size %q is not a positive integer", ErrInvalidArguments, args[0])
	}
	return nil, ec.prog.SetSize(size)
}

func opKey(ec *execContext, args []string) (*Result, error) {
	if _, ok := ec.prog.Key(); ok {
		return nil, ErrKeyAlreadySet
	}
	key, ok := ec.inputs[args[0]]
	if !ok || key == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, args[0])
	}
	return nil, ec.prog.SetKey(key)
}

func opPush(ec *execContext, args []string) (*Result, error) {
	v, _ := ec.prog.Get(args[0])
	ec.prog.Set(args[1], v)
	return nil, nil
}

// makeGate returns the handler for a boolean gate. The result always lands in
// STATE. Audited gates record the encoded left operand, right operand and
// result as one leaf.
func makeGate(g gate.Gate) executionFunc {
	return func(ec *execContext, args []string) (*Result, error) {
		key, ok := ec.prog.Key()
		if !ok {
			return nil, ErrKeyNotSet
		}

		left, _ := ec.prog.Get(args[0])
		var right gate.Value
		if !g.Unary() {
			right, _ = ec.prog.Get(args[1])
		}

		result, err := ec.eval.Evaluate(ec.ctx, g, key, left, right)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", g, err)
		}

		if ec.op.audit {
			if err := auditGate(ec, left, right, result); err != nil {
				return nil, err
			}
		}

		ec.prog.Set(StateName, result)
		return nil, nil
	}
}

func auditGate(ec *execContext, left, right, result gate.Value) error {
	parts := make([][]byte, 0, 3)
	for _, v := range []gate.Value{left, right, result} {
		b, err := ec.eval.Encode(v)
		if err != nil {
			return fmt.Errorf("encode audit operand: %w", err)
		}
		parts = append(parts, b)
	}
	leaf, err := ec.trail.AddLeaf(parts...)
	if err != nil {
		return fmt.Errorf("add audit leaf: %w", err)
	}
	ec.logger.DebugContext(ec.ctx, "audit leaf", "leaf", leaf.String(), "count", ec.trail.Len())
	return nil
}

func opHalt(ec *execContext, _ []string) (*Result, error) {
	ec.prog.halted = true
	return &Result{
		Status:   StatusHalted,
		State:    ec.prog.State(),
		Snapshot: ec.prog.Freeze(),
	}, nil
}

func opExit(ec *execContext, _ []string) (*Result, error) {
	ec.prog.killed = true
	root, err := ec.trail.Finalize()
	if err != nil {
		return nil, fmt.Errorf("finalize audit trail: %w", err)
	}
	return &Result{
		Status:    StatusKilled,
		State:     ec.prog.State(),
		AuditRoot: root,
		Leaves:    ec.trail.Leaves(),
	}, nil
}

// opRecover restores variables, STATE, size and key from a checkpoint of the
// same program. The program counter is left alone, so execution stays linear.
func opRecover(ec *execContext, args []string) (*Result, error) {
	if ec.recoverer == nil {
		return nil, fmt.Errorf("%w: RECOVER needs a checkpoint source", ErrUnimplementedOpcode)
	}
	snap, err := ec.recoverer.Recover(ec.prog.Digest(), args[0])
	if err != nil {
		return nil, fmt.Errorf("recover %q: %w", args[0], err)
	}
	if err := ec.prog.Restore(snap, false); err != nil {
		return nil, err
	}
	ec.logger.InfoContext(ec.ctx, "recovered checkpoint", "label", args[0], "checkpoint_index", snap.ExecIndex)
	return nil, nil
}

func opReserved(_ *execContext, _ []string) (*Result, error) {
	return nil, ErrUnimplementedOpcode
}
