package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/program"
)

func mustParse(t *testing.T, src string) []program.Instruction {
	t.Helper()
	ops, err := program.ParseString(src)
	if err != nil {
		t.Fatalf("ParseString() failed: %v", err)
	}
	return ops
}

func newMachine(t *testing.T, src string, mutate ...func(*Config)) *Machine {
	t.Helper()
	cfg := Config{Evaluator: gate.NewPlaintext()}
	for _, f := range mutate {
		f(&cfg)
	}
	m, err := New(mustParse(t, src), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return m
}

func asFault(t *testing.T, err error) *ExecutionFault {
	t.Helper()
	var f *ExecutionFault
	if !errors.As(err, &f) {
		t.Fatalf("error %v is not an *ExecutionFault", err)
	}
	return f
}

func leafFor(t *testing.T, left, right, result gate.Value) types.Hash {
	t.Helper()
	var parts [][]byte
	for _, v := range []gate.Value{left, right, result} {
		b, err := gate.EncodePlain(v)
		if err != nil {
			t.Fatalf("EncodePlain(%v) failed: %v", v, err)
		}
		parts = append(parts, b)
	}
	leaf, err := audit.LeafDigest(audit.DefaultHashAlgorithm, parts...)
	if err != nil {
		t.Fatalf("LeafDigest() failed: %v", err)
	}
	return leaf
}

func rootOf(t *testing.T, leaves ...types.Hash) types.Hash {
	t.Helper()
	root, err := audit.ComputeMerkleRoot(audit.DefaultHashAlgorithm, leaves)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot() failed: %v", err)
	}
	return root
}

var plainInputs = map[string]gate.Value{"a": true, "b": false, "k": "key"}

func TestExecuteXorExit(t *testing.T) {
	m := newMachine(t, "EXEC a b c\nKEY k\nXOR a b\nEXIT\n")

	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if res.Status != StatusKilled {
		t.Errorf("Status = %v, want killed", res.Status)
	}
	if res.State != true {
		t.Errorf("State = %v, want true", res.State)
	}
	want := rootOf(t, leafFor(t, true, false, true))
	if res.AuditRoot != want {
		t.Errorf("AuditRoot = %s, want %s", res.AuditRoot, want)
	}
	if len(res.Leaves) != 1 {
		t.Errorf("len(Leaves) = %d, want 1", len(res.Leaves))
	}
	if _, ok := m.Program().Get("c"); ok {
		t.Error("absent entrance variable c was bound")
	}
	if !m.Program().Killed() || m.Program().Halted() {
		t.Error("want killed and not halted")
	}
}

func TestInstructionsBeforeEntranceAreSkipped(t *testing.T) {
	m := newMachine(t, "KEY k\nEXEC a\nNOT a\nEXIT\n")

	_, err := m.Execute(context.Background(), plainInputs)
	if !errors.Is(err, ErrKeyNotSet) {
		t.Fatalf("Execute() = %v, want ErrKeyNotSet", err)
	}
	if f := asFault(t, err); f.Index != 2 || f.Opcode != "NOT" {
		t.Errorf("fault at %d (%s), want 2 (NOT)", f.Index, f.Opcode)
	}
}

func TestInvalidOpcodeLeavesStateUntouched(t *testing.T) {
	m := newMachine(t, "EXEC a b\nKEY k\nFOO a b\nEXIT\n")

	_, err := m.Execute(context.Background(), plainInputs)
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Fatalf("Execute() = %v, want ErrInvalidOpcode", err)
	}

	f := asFault(t, err)
	if f.Index != 2 {
		t.Errorf("Index = %d, want 2", f.Index)
	}
	if f.Snapshot == nil {
		t.Fatal("fault has no snapshot")
	}
	if f.Snapshot.State != nil {
		t.Errorf("State = %v, want nil", f.Snapshot.State)
	}
	if len(f.Snapshot.Variables) != 2 {
		t.Errorf("len(Variables) = %d, want 2", len(f.Snapshot.Variables))
	}
	if m.Trail().Len() != 0 {
		t.Errorf("Trail().Len() = %d, want 0", m.Trail().Len())
	}
}

func TestHaltSnapshot(t *testing.T) {
	src := "EXEC a b\nKEY k\nAND a b\nHALT\nXOR a b\nEXIT\n"
	m := newMachine(t, src)

	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Status != StatusHalted {
		t.Fatalf("Status = %v, want halted", res.Status)
	}
	snap := res.Snapshot
	if snap == nil {
		t.Fatal("halted result has no snapshot")
	}
	if snap.ExecIndex != 3 || !snap.Halted || snap.Killed {
		t.Errorf("snapshot index=%d halted=%v killed=%v, want 3 true false",
			snap.ExecIndex, snap.Halted, snap.Killed)
	}
	if snap.State != false {
		t.Errorf("snapshot State = %v, want false", snap.State)
	}
	if m.Status() != StatusHalted {
		t.Errorf("Status() = %v, want halted", m.Status())
	}
	if m.Trail().Finalized() {
		t.Error("HALT finalized the audit trail")
	}

	if _, err := m.Execute(context.Background(), plainInputs); !errors.Is(err, ErrTerminated) {
		t.Errorf("second Execute() = %v, want ErrTerminated", err)
	}

	// Resuming on the same machine keeps the AND leaf.
	res, err = m.Resume(context.Background(), snap, plainInputs)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if res.Status != StatusKilled || res.State != true {
		t.Errorf("Resume() = %v %v, want killed true", res.Status, res.State)
	}
	want := rootOf(t, leafFor(t, true, false, false), leafFor(t, true, false, true))
	if res.AuditRoot != want {
		t.Errorf("AuditRoot = %s, want %s", res.AuditRoot, want)
	}

	// A fresh machine only audits what runs after the snapshot.
	fresh := newMachine(t, src)
	res, err = fresh.Resume(context.Background(), snap, plainInputs)
	if err != nil {
		t.Fatalf("fresh Resume() failed: %v", err)
	}
	if len(res.Leaves) != 1 {
		t.Errorf("fresh len(Leaves) = %d, want 1", len(res.Leaves))
	}
}

func TestResumeRejectsForeignSnapshot(t *testing.T) {
	a := newMachine(t, "EXEC a\nHALT\n")
	res, err := a.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	b := newMachine(t, "EXEC b\nHALT\n")
	if _, err := b.Resume(context.Background(), res.Snapshot, plainInputs); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("Resume() = %v, want ErrSnapshotMismatch", err)
	}
	if _, err := b.Resume(context.Background(), nil, plainInputs); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Resume(nil) = %v, want ErrInvalidArguments", err)
	}
}

func TestWriteOnce(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"size twice", "EXEC\nSIZE 8\nSIZE 8\nEXIT\n", ErrSizeAlreadySet},
		{"key twice", "EXEC\nKEY k\nKEY k\nEXIT\n", ErrKeyAlreadySet},
		{"gate before key", "EXEC a b\nAND a b\nEXIT\n", ErrKeyNotSet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, tt.src)
			_, err := m.Execute(context.Background(), plainInputs)
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute() = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Execute() = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestSizeAndKey(t *testing.T) {
	m := newMachine(t, "EXEC\nSIZE 32\nKEY k\nEXIT\n")
	if _, err := m.Execute(context.Background(), plainInputs); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if size, ok := m.Program().Size(); !ok || size != 32 {
		t.Errorf("Size() = %d %v, want 32 true", size, ok)
	}
	if key, ok := m.Program().Key(); !ok || key != "key" {
		t.Errorf("Key() = %v %v, want key true", key, ok)
	}
}

func TestArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"size not a number", "EXEC\nSIZE x\nEXIT\n", ErrInvalidArguments},
		{"size zero", "EXEC\nSIZE 0\nEXIT\n", ErrInvalidArguments},
		{"xor one operand", "EXEC a\nKEY k\nXOR a\nEXIT\n", ErrInvalidArguments},
		{"not two operands", "EXEC a\nKEY k\nNOT a a\nEXIT\n", ErrInvalidArguments},
		{"exit with argument", "EXEC\nEXIT now\n", ErrInvalidArguments},
		{"missing key input", "EXEC\nKEY nokey\nEXIT\n", ErrMissingKey},
		{"reserved mux", "EXEC a b\nKEY k\nMUX a b a\nEXIT\n", ErrUnimplementedOpcode},
		{"reserved copy", "EXEC a\nCOPY a\nEXIT\n", ErrUnimplementedOpcode},
		{"reserved const", "EXEC\nCONST 1\nEXIT\n", ErrUnimplementedOpcode},
		{"recover without source", "EXEC\nRECOVER 3\nEXIT\n", ErrUnimplementedOpcode},
		{"lowercase opcode", "EXEC a\nxor a a\nEXIT\n", ErrInvalidOpcode},
		{"runs off the end", "EXEC a\nKEY k\n", ErrOutOfProgram},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, tt.src)
			_, err := m.Execute(context.Background(), plainInputs)
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute() = %v, want %v", err, tt.want)
			}
			if f := asFault(t, err); f.Snapshot == nil {
				t.Error("fault has no snapshot")
			}
		})
	}
}

func TestNoEntrance(t *testing.T) {
	m := newMachine(t, "KEY k\nEXIT\n")
	if _, err := m.Execute(context.Background(), plainInputs); !errors.Is(err, ErrNoEntrance) {
		t.Errorf("Execute() = %v, want ErrNoEntrance", err)
	}
	if m.Status() != StatusNotStarted {
		t.Errorf("Status() = %v, want not_started", m.Status())
	}
}

func TestFaultEndsRun(t *testing.T) {
	m := newMachine(t, "EXEC a b\nSIZE 1\nSIZE 2\nEXIT\n")

	_, err := m.Execute(context.Background(), plainInputs)
	if !errors.Is(err, ErrSizeAlreadySet) {
		t.Fatalf("Execute() = %v, want ErrSizeAlreadySet", err)
	}
	if m.Status() != StatusFaulted {
		t.Errorf("Status() = %v, want faulted", m.Status())
	}
	if f := m.Fault(); f == nil || f.Index != 2 {
		t.Errorf("Fault() = %v, want fault at 2", f)
	}

	res, err := m.Execute(context.Background(), plainInputs)
	if res != nil {
		t.Errorf("second Execute() result = %+v, want nil", res)
	}
	if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrSizeAlreadySet) {
		t.Errorf("second Execute() = %v, want ErrTerminated wrapping ErrSizeAlreadySet", err)
	}
	if _, err := m.Resume(context.Background(), m.Fault().Snapshot, plainInputs); !errors.Is(err, ErrTerminated) {
		t.Errorf("Resume() after fault = %v, want ErrTerminated", err)
	}
	if m.Trail().Finalized() {
		t.Error("audit trail finalized after fault")
	}
}

func TestFirstEntranceWins(t *testing.T) {
	m := newMachine(t, "KEY k\nEXEC a\nKEY k\nNOT a\nEXEC b\nEXIT\n")
	if entrance, err := m.Program().FindEntrance(); err != nil || entrance != 1 {
		t.Fatalf("FindEntrance() = %d %v, want 1", entrance, err)
	}

	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != false {
		t.Errorf("State = %v, want false", res.State)
	}
	if _, ok := m.Program().Get("a"); !ok {
		t.Error("entrance variable a not bound")
	}
}

func TestPushChain(t *testing.T) {
	m := newMachine(t, "EXEC a\nPUSH a b\nPUSH b STATE\nPUSH STATE c\nPUSH missing d\nEXIT\n")

	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != true {
		t.Errorf("State = %v, want true", res.State)
	}
	for _, name := range []string{"a", "b", "c"} {
		if v, _ := m.Program().Get(name); v != true {
			t.Errorf("Get(%q) = %v, want true", name, v)
		}
	}
	if v, ok := m.Program().Get("d"); !ok || v != nil {
		t.Errorf("Get(d) = %v %v, want nil true", v, ok)
	}
	if !res.AuditRoot.IsZero() {
		t.Errorf("AuditRoot = %s, want zero hash for an empty trail", res.AuditRoot)
	}
}

func TestGatesOnWords(t *testing.T) {
	inputs := map[string]gate.Value{"a": uint64(0b1100), "b": uint64(0b1010), "k": 1}
	tests := []struct {
		op   string
		want uint64
	}{
		{"AND", 0b1000},
		{"OR", 0b1110},
		{"XOR", 0b0110},
		{"NAND", ^uint64(0b1000)},
		{"NOR", ^uint64(0b1110)},
		{"XNOR", ^uint64(0b0110)},
		{"ANDNY", 0b0010},
		{"ANDYN", 0b0100},
		{"ORNY", ^uint64(0b0100)},
		{"ORYN", ^uint64(0b0010)},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			m := newMachine(t, "EXEC a b\nKEY k\n"+tt.op+" a b\nEXIT\n")
			res, err := m.Execute(context.Background(), inputs)
			if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			}
			if res.State != tt.want {
				t.Errorf("%s = %b, want %b", tt.op, res.State, tt.want)
			}
			if len(res.Leaves) != 1 {
				t.Errorf("len(Leaves) = %d, want 1", len(res.Leaves))
			}
		})
	}
}

func TestNotIsNotAudited(t *testing.T) {
	m := newMachine(t, "EXEC a\nKEY k\nNOT a\nEXIT\n")
	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != false {
		t.Errorf("State = %v, want false", res.State)
	}
	if len(res.Leaves) != 0 {
		t.Errorf("len(Leaves) = %d, want 0", len(res.Leaves))
	}
}

func TestAuditOverride(t *testing.T) {
	m := newMachine(t, "EXEC a b\nKEY k\nNOT a\nXOR a b\nEXIT\n", func(c *Config) {
		c.AuditOverride = map[Opcode]bool{NOT: true, XOR: false}
	})
	res, err := m.Execute(context.Background(), plainInputs)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	want := rootOf(t, leafFor(t, true, nil, false))
	if res.AuditRoot != want {
		t.Errorf("AuditRoot = %s, want %s", res.AuditRoot, want)
	}
	if !Audited(XOR) || Audited(NOT) {
		t.Error("override leaked into the default instruction set")
	}

	_, err = New(mustParse(t, "EXEC\nEXIT\n"), Config{
		Evaluator:     gate.NewPlaintext(),
		AuditOverride: map[Opcode]bool{PUSH: true},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("New() with PUSH override = %v, want ErrConfiguration", err)
	}
}

func TestDeterminism(t *testing.T) {
	src := "EXEC a b\nKEY k\nXOR a b\nAND STATE a\nORNY STATE b\nEXIT\n"
	var roots []types.Hash
	for i := 0; i < 3; i++ {
		m := newMachine(t, src)
		res, err := m.Execute(context.Background(), plainInputs)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		roots = append(roots, res.AuditRoot)
	}
	if roots[0] != roots[1] || roots[1] != roots[2] {
		t.Errorf("roots differ across runs: %v", roots)
	}

	other := newMachine(t, src)
	res, err := other.Execute(context.Background(), map[string]gate.Value{"a": true, "b": true, "k": "key"})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.AuditRoot == roots[0] {
		t.Error("different inputs produced the same root")
	}
}

func TestHashAlgorithmChangesRoot(t *testing.T) {
	src := "EXEC a b\nKEY k\nXOR a b\nEXIT\n"
	roots := map[audit.HashAlgorithm]types.Hash{}
	for _, alg := range []audit.HashAlgorithm{audit.HashBlake3, audit.HashKeccak256, audit.HashSHA256} {
		m := newMachine(t, src, func(c *Config) { c.HashAlgorithm = alg })
		res, err := m.Execute(context.Background(), plainInputs)
		if err != nil {
			t.Fatalf("Execute(%s) failed: %v", alg, err)
		}
		roots[alg] = res.AuditRoot
	}
	if roots[audit.HashBlake3] == roots[audit.HashKeccak256] || roots[audit.HashBlake3] == roots[audit.HashSHA256] {
		t.Error("hash algorithms produced the same root")
	}

	_, err := New(mustParse(t, src), Config{Evaluator: gate.NewPlaintext(), HashAlgorithm: "md5"})
	if !errors.Is(err, audit.ErrUnknownHash) {
		t.Errorf("New() with md5 = %v, want ErrUnknownHash", err)
	}
}

type mapRecoverer map[string]*Snapshot

func (r mapRecoverer) Recover(_ types.Hash, label string) (*Snapshot, error) {
	s, ok := r[label]
	if !ok {
		return nil, errors.New("no such checkpoint")
	}
	return s, nil
}

func TestRecover(t *testing.T) {
	src := "EXEC a b\nKEY k\nRECOVER cp\nXOR a b\nEXIT\n"
	ops := mustParse(t, src)

	saved := NewProgram(ops)
	saved.Set("a", false)
	saved.Set("b", false)
	if err := saved.SetKey("key"); err != nil {
		t.Fatalf("SetKey() failed: %v", err)
	}
	saved.SetExecIndex(0)

	m := newMachine(t, src, func(c *Config) {
		c.Recoverer = mapRecoverer{"cp": saved.Freeze()}
	})
	res, err := m.Execute(context.Background(), map[string]gate.Value{"a": true, "b": false, "k": "key"})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != false {
		t.Errorf("State = %v, want false after recovering a=false b=false", res.State)
	}
	if idx, _ := m.Program().ExecIndex(); idx != 4 {
		t.Errorf("ExecIndex() = %d, want 4", idx)
	}

	foreign := NewProgram(mustParse(t, "EXEC\nEXIT\n"))
	m = newMachine(t, src, func(c *Config) {
		c.Recoverer = mapRecoverer{"cp": foreign.Freeze()}
	})
	if _, err := m.Execute(context.Background(), plainInputs); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("Execute() = %v, want ErrSnapshotMismatch", err)
	}

	m = newMachine(t, src, func(c *Config) { c.Recoverer = mapRecoverer{} })
	if _, err := m.Execute(context.Background(), plainInputs); err == nil {
		t.Error("Execute() with unknown checkpoint succeeded")
	}
}

var errBackend = errors.New("backend down")

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, gate.Gate, gate.Key, gate.Value, gate.Value) (gate.Value, error) {
	return nil, errBackend
}

func (failingEvaluator) Encode(v gate.Value) ([]byte, error) {
	return gate.EncodePlain(v)
}

func TestEvaluatorFailure(t *testing.T) {
	m := newMachine(t, "EXEC a b\nKEY k\nPUSH a STATE\nOR a b\nEXIT\n", func(c *Config) {
		c.Evaluator = failingEvaluator{}
	})
	_, err := m.Execute(context.Background(), plainInputs)
	if !errors.Is(err, errBackend) {
		t.Fatalf("Execute() = %v, want errBackend", err)
	}
	f := asFault(t, err)
	if f.Opcode != "OR" || f.Index != 3 {
		t.Errorf("fault at %d (%s), want 3 (OR)", f.Index, f.Opcode)
	}
	if f.Snapshot.State != true {
		t.Errorf("snapshot State = %v, want true", f.Snapshot.State)
	}
	if m.Trail().Len() != 0 {
		t.Errorf("Trail().Len() = %d, want 0", m.Trail().Len())
	}
}

func TestNewRequiresEvaluator(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, ErrNoEvaluator) {
		t.Errorf("New() = %v, want ErrNoEvaluator", err)
	}
}

func TestRun(t *testing.T) {
	res, err := Run(context.Background(), mustParse(t, "EXEC a b\nKEY k\nOR a b\nEXIT\n"),
		Config{Evaluator: gate.NewPlaintext()}, plainInputs)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.State != true {
		t.Errorf("State = %v, want true", res.State)
	}
}

func TestOpcodes(t *testing.T) {
	ops := Opcodes()
	if len(ops) != 21 {
		t.Fatalf("len(Opcodes()) = %d, want 21", len(ops))
	}
	for _, op := range ops {
		got, err := ParseOpcode(op.String())
		if err != nil || got != op {
			t.Errorf("ParseOpcode(%q) = %v %v, want %v", op.String(), got, err, op)
		}
	}
	if _, err := ParseOpcode("Exit"); !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("ParseOpcode(Exit) = %v, want ErrInvalidOpcode", err)
	}

	for _, op := range []Opcode{COPY, CONST, MUX} {
		if !Reserved(op) {
			t.Errorf("Reserved(%s) = false, want true", op)
		}
	}
	for _, op := range []Opcode{EXEC, SIZE, KEY, PUSH, NOT, HALT, EXIT, RECOVER} {
		if Audited(op) {
			t.Errorf("Audited(%s) = true, want false", op)
		}
	}
}
