package vm

import (
	"fmt"

	"github.com/fortiblox/sputnik/pkg/gate"
)

// Opcode is a member of the fixed Sputnik instruction set.
type Opcode uint8

// Instruction set.
const (
	EXEC Opcode = iota + 1 // entrance; binds entrance variables
	SIZE                   // declare STATE bit width (write-once)
	KEY                    // bind the bootstrapping key (write-once)
	PUSH                   // copy a value between named slots
	NAND
	OR
	AND
	XOR
	XNOR
	NOT
	COPY  // reserved
	CONST // reserved
	NOR
	ANDNY
	ANDYN
	ORNY
	ORYN
	MUX // reserved
	HALT
	EXIT
	RECOVER

	numOpcodes = iota
)

var opcodeNames = [...]string{
	EXEC:    "EXEC",
	SIZE:    "SIZE",
	KEY:     "KEY",
	PUSH:    "PUSH",
	NAND:    "NAND",
	OR:      "OR",
	AND:     "AND",
	XOR:     "XOR",
	XNOR:    "XNOR",
	NOT:     "NOT",
	COPY:    "COPY",
	CONST:   "CONST",
	NOR:     "NOR",
	ANDNY:   "ANDNY",
	ANDYN:   "ANDYN",
	ORNY:    "ORNY",
	ORYN:    "ORYN",
	MUX:     "MUX",
	HALT:    "HALT",
	EXIT:    "EXIT",
	RECOVER: "RECOVER",
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(1); op <= numOpcodes; op++ {
		m[opcodeNames[op]] = op
	}
	return m
}()

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if op >= 1 && op <= numOpcodes {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Opcodes returns the instruction set in declaration order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, numOpcodes)
	for op := Opcode(1); op <= numOpcodes; op++ {
		out = append(out, op)
	}
	return out
}

// ParseOpcode resolves a mnemonic. Matching is case-sensitive.
func ParseOpcode(name string) (Opcode, error) {
	op, ok := opcodeByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOpcode, name)
	}
	return op, nil
}

// variadic marks an operation without an upper argument bound.
const variadic = -1

type executionFunc func(ec *execContext, args []string) (*Result, error)

type operation struct {
	// execute is the handler
	execute executionFunc
	// minArgs and maxArgs bound the argument count; maxArgs may be variadic
	minArgs, maxArgs int
	// gate is the boolean gate evaluated by the operation, if any
	gate gate.Gate
	// audit marks operations that append a leaf to the audit trail
	audit bool
	// halts marks operations that end the run
	halts bool
	// reserved marks declared opcodes without defined semantics
	reserved bool
}

func (o *operation) checkArgs(args []string) error {
	n := len(args)
	if n < o.minArgs || (o.maxArgs != variadic && n > o.maxArgs) {
		if o.minArgs == o.maxArgs {
			return fmt.Errorf("%w: want %d arguments, got %d", ErrInvalidArguments, o.minArgs, n)
		}
		return fmt.Errorf("%w: want at least %d arguments, got %d", ErrInvalidArguments, o.minArgs, n)
	}
	return nil
}

type instructionSet [numOpcodes + 1]*operation

// defaultInstructionSet is the static opcode table. Every two-operand gate is
// audited; NOT is not.
var defaultInstructionSet = newInstructionSet()

func newInstructionSet() instructionSet {
	binary := func(g gate.Gate) *operation {
		return &operation{execute: makeGate(g), minArgs: 2, maxArgs: 2, gate: g, audit: true}
	}
	reserved := func() *operation {
		return &operation{execute: opReserved, minArgs: 0, maxArgs: variadic, reserved: true}
	}

	return instructionSet{
		EXEC:    {execute: opExec, minArgs: 0, maxArgs: variadic},
		SIZE:    {execute: opSize, minArgs: 1, maxArgs: 1},
		KEY:     {execute: opKey, minArgs: 1, maxArgs: 1},
		PUSH:    {execute: opPush, minArgs: 2, maxArgs: 2},
		NAND:    binary(gate.NAND),
		OR:      binary(gate.OR),
		AND:     binary(gate.AND),
		XOR:     binary(gate.XOR),
		XNOR:    binary(gate.XNOR),
		NOT:     {execute: makeGate(gate.NOT), minArgs: 1, maxArgs: 1, gate: gate.NOT},
		COPY:    reserved(),
		CONST:   reserved(),
		NOR:     binary(gate.NOR),
		ANDNY:   binary(gate.ANDNY),
		ANDYN:   binary(gate.ANDYN),
		ORNY:    binary(gate.ORNY),
		ORYN:    binary(gate.ORYN),
		MUX:     reserved(),
		HALT:    {execute: opHalt, minArgs: 0, maxArgs: 0, halts: true},
		EXIT:    {execute: opExit, minArgs: 0, maxArgs: 0, halts: true},
		RECOVER: {execute: opRecover, minArgs: 1, maxArgs: 1},
	}
}

// withAudit returns a copy of the set with audit flags overridden. Only gate
// operations can be audited.
func (s instructionSet) withAudit(override map[Opcode]bool) (instructionSet, error) {
	if len(override) == 0 {
		return s, nil
	}
	out := s
	for op, on := range override {
		if op < 1 || op > numOpcodes {
			return out, fmt.Errorf("%w: %s", ErrInvalidOpcode, op)
		}
		if s[op].gate == 0 {
			return out, fmt.Errorf("%w: %s is not a gate and cannot be audited", ErrConfiguration, op)
		}
		cp := *s[op]
		cp.audit = on
		out[op] = &cp
	}
	return out, nil
}

// decode validates an instruction against the set and resolves its handler.
func (s *instructionSet) decode(name string) (Opcode, *operation, error) {
	op, err := ParseOpcode(name)
	if err != nil {
		return 0, nil, err
	}
	return op, s[op], nil
}

// Audited reports whether op appends an audit leaf under the default policy.
func Audited(op Opcode) bool {
	if op < 1 || op > numOpcodes {
		return false
	}
	return defaultInstructionSet[op].audit
}

// Auditable reports whether op evaluates a gate and can therefore be
// audited.
func Auditable(op Opcode) bool {
	if op < 1 || op > numOpcodes {
		return false
	}
	return defaultInstructionSet[op].gate != 0
}

// Reserved reports whether op is declared without defined semantics.
func Reserved(op Opcode) bool {
	if op < 1 || op > numOpcodes {
		return false
	}
	return defaultInstructionSet[op].reserved
}
