// Package gate defines the boolean gate capability consumed by the VM.
//
// The VM never computes gates itself. It resolves operand handles, hands them
// to an Evaluator together with the bootstrapping key, and stores the handle
// it gets back. Handles are opaque to the VM: a homomorphic backend passes
// ciphertexts, the plaintext backend in this package passes ordinary Go
// values.
//
// Evaluate is a synchronous, possibly slow call. Retry and timeout policy
// belong to the Evaluator, not to the VM.
package gate

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedValue is returned for operand types a backend cannot handle.
	ErrUnsupportedValue = errors.New("unsupported value type")

	// ErrShapeMismatch is returned when two operands have different shapes.
	ErrShapeMismatch = errors.New("operand shape mismatch")

	// ErrUnknownGate is returned for a gate the backend does not implement.
	ErrUnknownGate = errors.New("unknown gate")

	// ErrMissingOperand is returned when a binary gate has no right operand.
	ErrMissingOperand = errors.New("missing operand")
)

// Value is an opaque value handle (plaintext or ciphertext).
type Value any

// Key is an opaque bootstrapping key handle.
type Key any

// Gate identifies a boolean gate.
type Gate uint8

// Boolean gates.
const (
	NAND Gate = iota + 1
	OR
	AND
	XOR
	XNOR
	NOT
	NOR
	ANDNY // (not a) and b
	ANDYN // a and (not b)
	ORNY  // (not a) or b
	ORYN  // a or (not b)
)

var gateNames = map[Gate]string{
	NAND:  "NAND",
	OR:    "OR",
	AND:   "AND",
	XOR:   "XOR",
	XNOR:  "XNOR",
	NOT:   "NOT",
	NOR:   "NOR",
	ANDNY: "ANDNY",
	ANDYN: "ANDYN",
	ORNY:  "ORNY",
	ORYN:  "ORYN",
}

// String returns the gate mnemonic.
func (g Gate) String() string {
	if s, ok := gateNames[g]; ok {
		return s
	}
	return fmt.Sprintf("Gate(%d)", uint8(g))
}

// Unary reports whether the gate takes a single operand.
func (g Gate) Unary() bool {
	return g == NOT
}

// ParseGate resolves a gate mnemonic.
func ParseGate(s string) (Gate, error) {
	for g, name := range gateNames {
		if name == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownGate, s)
}

// Bit evaluates the gate on single bits. Unary gates ignore b.
func (g Gate) Bit(a, b bool) (bool, error) {
	switch g {
	case NAND:
		return !(a && b), nil
	case OR:
		return a || b, nil
	case AND:
		return a && b, nil
	case XOR:
		return a != b, nil
	case XNOR:
		return a == b, nil
	case NOT:
		return !a, nil
	case NOR:
		return !(a || b), nil
	case ANDNY:
		return !a && b, nil
	case ANDYN:
		return a && !b, nil
	case ORNY:
		return !a || b, nil
	case ORYN:
		return a || !b, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownGate, g)
}

// Word evaluates the gate bitwise on 64-bit words.
func (g Gate) Word(a, b uint64) (uint64, error) {
	switch g {
	case NAND:
		return ^(a & b), nil
	case OR:
		return a | b, nil
	case AND:
		return a & b, nil
	case XOR:
		return a ^ b, nil
	case XNOR:
		return ^(a ^ b), nil
	case NOT:
		return ^a, nil
	case NOR:
		return ^(a | b), nil
	case ANDNY:
		return ^a & b, nil
	case ANDYN:
		return a &^ b, nil
	case ORNY:
		return ^a | b, nil
	case ORYN:
		return a | ^b, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownGate, g)
}

// Evaluator is the gate capability.
type Evaluator interface {
	// Evaluate applies g to the operands under key. right is nil for unary
	// gates. The result has the same shape as the operands.
	Evaluate(ctx context.Context, g Gate, key Key, left, right Value) (Value, error)

	// Encode returns the deterministic byte encoding of a value handle, used
	// for audit leaves.
	Encode(v Value) ([]byte, error)
}
