package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/fortiblox/sputnik/internal/config"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/journal"
	"github.com/fortiblox/sputnik/pkg/program"
)

func parseOptions(t *testing.T, args ...string) (*options, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var o options
	o.register(fs, true)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return &o, fs
}

func TestRunFileFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.cue")
	src := "program: \"otp.sputnik\"\nhash: \"sha256\"\ninputs: {a: true, k: \"file\"}\n"
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	o, fs := parseOptions(t, "-config", path, "-hash", "keccak256", "-input", "k=flag", "-input", "b=bits:01", "-data-dir", dir)
	rf, err := o.runFile(fs)
	if err != nil {
		t.Fatalf("runFile() failed: %v", err)
	}
	if rf.Hash != audit.HashKeccak256 {
		t.Errorf("Hash = %q, want keccak256", rf.Hash)
	}
	if rf.Inputs["a"] != true || rf.Inputs["k"] != "flag" {
		t.Errorf("Inputs = %v", rf.Inputs)
	}
	if rf.Backend.Kind != config.BackendPlaintext {
		t.Errorf("Backend.Kind = %q, want plaintext", rf.Backend.Kind)
	}
	if rf.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", rf.DataDir, dir)
	}
	if rf.Program != filepath.Join(dir, "otp.sputnik") {
		t.Errorf("Program = %q", rf.Program)
	}
}

func TestRunFileRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"hash", []string{"-hash", "md5"}},
		{"backend", []string{"-backend", "gpu"}},
		{"remote without endpoint", []string{"-backend", "remote"}},
		{"input", []string{"-input", "novalue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, fs := parseOptions(t, tt.args...)
			if _, err := o.runFile(fs); err == nil {
				t.Error("runFile() succeeded, want error")
			}
		})
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "xor.sputnik")
	if err := os.WriteFile(prog, []byte("EXEC a b\nKEY k\nXOR a b\nEXIT\n"), 0644); err != nil {
		t.Fatal(err)
	}

	args := []string{"-data-dir", dir, "-journal", "off", "-log-level", "error",
		"-input", "a=bits:1100", "-input", "b=bits:1010", "-input", "k=key", prog}
	if err := cmdRun(context.Background(), args); err != nil {
		t.Fatalf("cmdRun() failed: %v", err)
	}
	if err := cmdVerify(context.Background(), []string{"-data-dir", dir, "-journal", "off", "1"}); err != nil {
		t.Errorf("cmdVerify() failed: %v", err)
	}
	if err := cmdProof(context.Background(), []string{"-data-dir", dir, "-journal", "off", "1", "0"}); err != nil {
		t.Errorf("cmdProof() failed: %v", err)
	}
	if err := cmdRuns(context.Background(), []string{"-data-dir", dir, "-journal", "off", "-program", prog}); err != nil {
		t.Errorf("cmdRuns() failed: %v", err)
	}
}

func TestProgramDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.sputnik")
	if err := os.WriteFile(path, []byte("EXEC a\nEXIT\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ops, _ := program.ParseString("EXEC a\nEXIT\n")
	want := program.Digest(ops)

	got, err := programDigest(path)
	if err != nil || got != want {
		t.Errorf("programDigest(file) = %s %v, want %s", got, err, want)
	}
	got, err = programDigest(want.String())
	if err != nil || got != want {
		t.Errorf("programDigest(base58) = %s %v, want %s", got, err, want)
	}
	if _, err := programDigest("not-a-digest"); err == nil {
		t.Error("programDigest(garbage) succeeded")
	}
}

func TestParseOutcome(t *testing.T) {
	if o, err := parseOutcome("halted"); err != nil || o != journal.OutcomeHalted {
		t.Errorf("parseOutcome(halted) = %v %v", o, err)
	}
	if _, err := parseOutcome("exploded"); err == nil {
		t.Error("parseOutcome(exploded) succeeded")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "<unset>"},
		{[]bool{true, false, true}, "bits:101"},
		{[]byte{0x00, 0xff}, "hex:00ff"},
		{true, "true"},
		{uint64(9), "9"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
