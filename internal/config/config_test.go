package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/vm"
)

const fullRunFile = `
program: "otp.sputnik"
inputs: {
	plaintext: [true, false, true, true]
	pad:       [false, true, true, false]
	key:       "bootstrap"
	word:      42
	raw:       [0, 255, 16]
	blob:      '\x01\x02'
}
hash: "keccak256"
data_dir: "/var/lib/sputnik"
audit: {NOT: true, XOR: false}
backend: {
	kind:     "remote"
	endpoint: "fhe.internal:7443"
	token:    "${SPUTNIK_TEST_TOKEN}"
	timeout:  "2s"
}
log: {level: "debug", json: true}
`

func TestParseFull(t *testing.T) {
	t.Setenv("SPUTNIK_TEST_TOKEN", "s3cret")

	rf, err := Parse([]byte(fullRunFile), "full.cue")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if rf.Program != "otp.sputnik" {
		t.Errorf("Program = %q, want otp.sputnik", rf.Program)
	}
	if rf.Hash != audit.HashKeccak256 {
		t.Errorf("Hash = %q, want keccak256", rf.Hash)
	}
	if rf.DataDir != "/var/lib/sputnik" {
		t.Errorf("DataDir = %q", rf.DataDir)
	}
	if rf.Backend.Kind != BackendRemote || rf.Backend.Endpoint != "fhe.internal:7443" {
		t.Errorf("Backend = %+v", rf.Backend)
	}
	if got := rf.Backend.ExpandedToken(); got != "s3cret" {
		t.Errorf("ExpandedToken() = %q, want s3cret", got)
	}
	if d, err := rf.Backend.CallTimeout(); err != nil || d.Seconds() != 2 {
		t.Errorf("CallTimeout() = %v %v, want 2s", d, err)
	}
	if rf.Log.Level != "debug" || !rf.Log.JSON || rf.Log.Journal != "auto" {
		t.Errorf("Log = %+v", rf.Log)
	}

	override, err := rf.AuditOverride()
	if err != nil {
		t.Fatalf("AuditOverride() failed: %v", err)
	}
	if !override[vm.NOT] || override[vm.XOR] || len(override) != 2 {
		t.Errorf("AuditOverride() = %v", override)
	}

	bits, ok := rf.Inputs["plaintext"].([]bool)
	if !ok || len(bits) != 4 || !bits[0] || bits[1] {
		t.Errorf("Inputs[plaintext] = %v", rf.Inputs["plaintext"])
	}
	if rf.Inputs["key"] != "bootstrap" {
		t.Errorf("Inputs[key] = %v", rf.Inputs["key"])
	}
	if rf.Inputs["word"] != int64(42) {
		t.Errorf("Inputs[word] = %v (%T), want int64 42", rf.Inputs["word"], rf.Inputs["word"])
	}
	if raw, ok := rf.Inputs["raw"].([]byte); !ok || string(raw) != "\x00\xff\x10" {
		t.Errorf("Inputs[raw] = %v", rf.Inputs["raw"])
	}
	if blob, ok := rf.Inputs["blob"].([]byte); !ok || string(blob) != "\x01\x02" {
		t.Errorf("Inputs[blob] = %v", rf.Inputs["blob"])
	}
}

func TestParseDefaults(t *testing.T) {
	rf, err := Parse([]byte(`program: "p.sputnik"`), "min.cue")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if rf.Hash != audit.DefaultHashAlgorithm {
		t.Errorf("Hash = %q, want default", rf.Hash)
	}
	if rf.Backend.Kind != BackendPlaintext {
		t.Errorf("Backend.Kind = %q, want plaintext", rf.Backend.Kind)
	}
	if rf.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", rf.Log.Level)
	}
	if len(rf.Inputs) != 0 {
		t.Errorf("Inputs = %v, want empty", rf.Inputs)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing program", `inputs: {a: true}`},
		{"unknown field", "program: \"p\"\ncolour: \"red\""},
		{"bad hash", "program: \"p\"\nhash: \"md5\""},
		{"byte out of range", "program: \"p\"\ninputs: {a: [1, 300]}"},
		{"float input", "program: \"p\"\ninputs: {a: 1.5}"},
		{"remote without endpoint", "program: \"p\"\nbackend: {kind: \"remote\"}"},
		{"bad timeout", "program: \"p\"\nbackend: {timeout: \"soon\"}"},
		{"audit non-gate", "program: \"p\"\naudit: {PUSH: true}"},
		{"syntax", `program: "p`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.src), tt.name+".cue"); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}

func TestLoadResolvesProgram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.cue")
	if err := os.WriteFile(path, []byte(`program: "prog/otp.sputnik"`), 0644); err != nil {
		t.Fatal(err)
	}

	rf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if want := filepath.Join(dir, "prog", "otp.sputnik"); rf.Program != want {
		t.Errorf("Program = %q, want %q", rf.Program, want)
	}

	if _, err := Load(filepath.Join(dir, "missing.cue")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v, want ErrNotExist", err)
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := ParseInputs([]string{"a=true", "b=bits:0110", "c=hex:00ff", "d=-3", "k=secret", "e=x=y"})
	if err != nil {
		t.Fatalf("ParseInputs() failed: %v", err)
	}
	if inputs["a"] != true {
		t.Errorf("a = %v, want true", inputs["a"])
	}
	if b, ok := inputs["b"].([]bool); !ok || len(b) != 4 || b[0] || !b[1] || !b[2] || b[3] {
		t.Errorf("b = %v, want [false true true false]", inputs["b"])
	}
	if c, ok := inputs["c"].([]byte); !ok || string(c) != "\x00\xff" {
		t.Errorf("c = %v", inputs["c"])
	}
	if inputs["d"] != int64(-3) {
		t.Errorf("d = %v, want -3", inputs["d"])
	}
	if inputs["k"] != "secret" || inputs["e"] != "x=y" {
		t.Errorf("k = %v e = %v", inputs["k"], inputs["e"])
	}

	for _, bad := range []string{"noequals", "=1", "a=bits:012", "a=hex:0", "a=hex:zz"} {
		if _, err := ParseInputs([]string{bad}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseInputs(%q) = %v, want ErrInvalidInput", bad, err)
		}
	}
}
