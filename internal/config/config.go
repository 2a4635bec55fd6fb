// Package config loads run files.
//
// A run file is CUE and names the program to execute, its inputs, the audit
// hash, the gate backend and where run data is kept:
//
//	program: "otp.sputnik"
//	inputs: {
//		plaintext: [true, false, true, true]
//		pad:       [false, true, true, false]
//		key:       "bootstrap"
//	}
//	hash: "blake3"
//	backend: {kind: "remote", endpoint: "fhe.internal:7443", token: "${GATE_TOKEN}"}
//	data_dir: "/var/lib/sputnik"
//
// Files are validated against an embedded schema before decoding.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/fortiblox/sputnik/internal/logging"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/vm"
)

//go:embed schema.cue
var schemaSrc string

// Backend kinds.
const (
	BackendPlaintext = "plaintext"
	BackendRemote    = "remote"
)

var (
	// ErrInvalidRunFile is returned for run files that fail validation.
	ErrInvalidRunFile = errors.New("invalid run file")

	// ErrInvalidInput is returned for input values that cannot be used as
	// value handles.
	ErrInvalidInput = errors.New("invalid input value")
)

// Backend selects the gate evaluator.
type Backend struct {
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	TLS      bool   `json:"tls"`
	Token    string `json:"token"`
	Timeout  string `json:"timeout"`
}

// ExpandedToken returns Token with environment variables expanded.
func (b Backend) ExpandedToken() string {
	return os.ExpandEnv(b.Token)
}

// CallTimeout parses Timeout. An empty timeout returns zero.
func (b Backend) CallTimeout() (time.Duration, error) {
	if b.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(b.Timeout)
}

// Log configures logging.
type Log struct {
	Level   string `json:"level"`
	JSON    bool   `json:"json"`
	Journal string `json:"journal"`
}

// RunFile is a decoded run file.
type RunFile struct {
	// Program is the program path, resolved against the run file's
	// directory.
	Program string `json:"program"`

	// Hash is the audit hash algorithm.
	Hash audit.HashAlgorithm `json:"hash"`

	// DataDir holds the checkpoint store and the run journal.
	DataDir string `json:"data_dir"`

	// Audit overrides the audit policy per gate mnemonic.
	Audit map[string]bool `json:"audit"`

	Backend Backend `json:"backend"`
	Log     Log     `json:"log"`

	// Inputs are the entrance variables and key handles.
	Inputs map[string]gate.Value `json:"-"`
}

// Default returns a run file with defaults applied and no program.
func Default() RunFile {
	opts := logging.DefaultOptions()
	return RunFile{
		Hash:    audit.DefaultHashAlgorithm,
		Backend: Backend{Kind: BackendPlaintext},
		Log:     Log{Level: opts.Level, Journal: opts.Journal},
		Inputs:  make(map[string]gate.Value),
	}
}

// Load reads and validates a run file.
func Load(path string) (*RunFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rf, err := Parse(content, path)
	if err != nil {
		return nil, err
	}
	if rf.Program != "" && !filepath.IsAbs(rf.Program) {
		rf.Program = filepath.Join(filepath.Dir(path), rf.Program)
	}
	return rf, nil
}

// Parse validates and decodes run file source. filename is used in error
// messages.
func Parse(content []byte, filename string) (*RunFile, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	value := ctx.CompileBytes(content, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunFile, err)
	}
	value = schema.Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunFile, err)
	}

	rf := Default()
	if err := value.Decode(&rf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunFile, err)
	}
	rf.Inputs = make(map[string]gate.Value)

	if inputs := value.LookupPath(cue.ParsePath("inputs")); inputs.Exists() {
		iter, err := inputs.Fields()
		if err != nil {
			return nil, fmt.Errorf("%w: inputs: %v", ErrInvalidRunFile, err)
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			v, err := inputValue(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", name, err)
			}
			rf.Inputs[name] = v
		}
	}

	applyDefaults(&rf)
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return &rf, nil
}

func applyDefaults(rf *RunFile) {
	def := Default()
	if rf.Hash == "" {
		rf.Hash = def.Hash
	}
	if rf.Backend.Kind == "" {
		rf.Backend.Kind = def.Backend.Kind
	}
	if rf.Log.Level == "" {
		rf.Log.Level = def.Log.Level
	}
	if rf.Log.Journal == "" {
		rf.Log.Journal = def.Log.Journal
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (rf *RunFile) Validate() error {
	if rf.Backend.Kind == BackendRemote && rf.Backend.Endpoint == "" {
		return fmt.Errorf("%w: remote backend needs an endpoint", ErrInvalidRunFile)
	}
	if _, err := rf.Backend.CallTimeout(); err != nil {
		return fmt.Errorf("%w: backend timeout: %v", ErrInvalidRunFile, err)
	}
	if _, err := rf.AuditOverride(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRunFile, err)
	}
	return nil
}

// AuditOverride converts the audit map to VM opcodes.
func (rf *RunFile) AuditOverride() (map[vm.Opcode]bool, error) {
	if len(rf.Audit) == 0 {
		return nil, nil
	}
	out := make(map[vm.Opcode]bool, len(rf.Audit))
	for name, on := range rf.Audit {
		op, err := vm.ParseOpcode(name)
		if err != nil {
			return nil, err
		}
		if !vm.Auditable(op) {
			return nil, fmt.Errorf("audit: %s is not a gate", op)
		}
		out[op] = on
	}
	return out, nil
}

// inputValue converts a concrete CUE value to a plaintext value handle.
// Lists of booleans become bit vectors and lists of byte-sized integers
// become byte strings.
func inputValue(v cue.Value) (gate.Value, error) {
	switch v.Kind() {
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		return v.Int64()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		return v.Bytes()
	case cue.ListKind:
		var bits []bool
		if err := v.Decode(&bits); err == nil {
			return bits, nil
		}
		var ints []int
		if err := v.Decode(&ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		out := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidInput, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: kind %s", ErrInvalidInput, v.Kind())
}

// ParseInput parses a command-line input value:
//
//	true, false      bool
//	bits:1011        []bool, most significant first
//	hex:00ff         []byte
//	42, -1           int64
//	anything else    string
func ParseInput(s string) (gate.Value, error) {
	switch {
	case s == "true" || s == "false":
		return s == "true", nil
	case strings.HasPrefix(s, "bits:"):
		digits := strings.TrimPrefix(s, "bits:")
		out := make([]bool, len(digits))
		for i, c := range digits {
			switch c {
			case '0':
			case '1':
				out[i] = true
			default:
				return nil, fmt.Errorf("%w: %q is not a bit string", ErrInvalidInput, digits)
			}
		}
		return out, nil
	case strings.HasPrefix(s, "hex:"):
		var out []byte
		digits := strings.TrimPrefix(s, "hex:")
		if len(digits)%2 != 0 {
			return nil, fmt.Errorf("%w: odd hex length", ErrInvalidInput)
		}
		for i := 0; i < len(digits); i += 2 {
			b, err := strconv.ParseUint(digits[i:i+2], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			out = append(out, byte(b))
		}
		return out, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return s, nil
}

// ParseInputs parses name=value pairs with ParseInput.
func ParseInputs(pairs []string) (map[string]gate.Value, error) {
	out := make(map[string]gate.Value, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not name=value", ErrInvalidInput, pair)
		}
		v, err := ParseInput(raw)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
