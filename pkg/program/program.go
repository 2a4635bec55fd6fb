// Package program parses Sputnik program text into instructions.
//
// Program text has one instruction per line with fields separated by a single
// space. A line starting with ';' is a comment. The text must end with a
// newline; the empty segment after the last newline is discarded, and so is
// any text after it. The first field of a line is the opcode name and the
// remaining fields are its arguments, kept as strings: names are resolved
// against the caller's inputs at execution time, not at parse time.
package program

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
)

// CommentPrefix marks a comment line.
const CommentPrefix = ";"

var (
	// ErrEmptyField is returned for a line with an empty field, such as a
	// double space between arguments.
	ErrEmptyField = errors.New("empty field")
)

// Instruction is one opcode with its string arguments.
type Instruction struct {
	Op   string
	Args []string
}

// Clone returns a deep copy of the instruction.
func (i Instruction) Clone() Instruction {
	args := make([]string, len(i.Args))
	copy(args, i.Args)
	return Instruction{Op: i.Op, Args: args}
}

// String renders the instruction back into program text form.
func (i Instruction) String() string {
	if len(i.Args) == 0 {
		return i.Op
	}
	return i.Op + " " + strings.Join(i.Args, " ")
}

// ParseString parses program text.
func ParseString(src string) ([]Instruction, error) {
	lines := strings.Split(src, "\n")
	// Drop the segment after the final newline.
	lines = lines[:len(lines)-1]

	ops := make([]Instruction, 0, len(lines))
	for n, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, CommentPrefix) {
			continue
		}
		fields := strings.Split(line, " ")
		for _, f := range fields {
			if f == "" {
				return nil, fmt.Errorf("line %d: %w", n+1, ErrEmptyField)
			}
		}
		ops = append(ops, Instruction{Op: fields[0], Args: fields[1:]})
	}
	return ops, nil
}

// Parse reads and parses program text from r.
func Parse(r io.Reader) ([]Instruction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return ParseString(string(data))
}

// ParseFile parses the program file at path.
func ParseFile(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open program: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Format renders instructions as canonical program text.
func Format(ops []Instruction) string {
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Digest identifies a program by the BLAKE3 hash of its canonical text.
// Comments and blank lines do not affect it.
func Digest(ops []Instruction) types.Hash {
	sum, err := audit.HashBlake3.Sum([]byte(Format(ops)))
	if err != nil {
		panic(err)
	}
	return sum
}
