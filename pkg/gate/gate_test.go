package gate

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestGateTruthTables(t *testing.T) {
	// Rows are (a,b) = (0,0), (0,1), (1,0), (1,1).
	tables := map[Gate][4]bool{
		NAND:  {true, true, true, false},
		OR:    {false, true, true, true},
		AND:   {false, false, false, true},
		XOR:   {false, true, true, false},
		XNOR:  {true, false, false, true},
		NOR:   {true, false, false, false},
		ANDNY: {false, true, false, false},
		ANDYN: {false, false, true, false},
		ORNY:  {true, true, false, true},
		ORYN:  {true, false, true, true},
	}
	inputs := [4][2]bool{{false, false}, {false, true}, {true, false}, {true, true}}

	for g, want := range tables {
		for i, in := range inputs {
			got, err := g.Bit(in[0], in[1])
			if err != nil {
				t.Fatalf("%s.Bit failed: %v", g, err)
			}
			if got != want[i] {
				t.Errorf("%s(%v, %v) = %v, want %v", g, in[0], in[1], got, want[i])
			}

			// The word form must agree with the bit form on the low bit.
			var a, b uint64
			if in[0] {
				a = 1
			}
			if in[1] {
				b = 1
			}
			w, _ := g.Word(a, b)
			if (w&1 == 1) != want[i] {
				t.Errorf("%s.Word(%d, %d) low bit = %d, want %v", g, a, b, w&1, want[i])
			}
		}
	}
}

func TestParseGate(t *testing.T) {
	for g, name := range gateNames {
		got, err := ParseGate(name)
		if err != nil || got != g {
			t.Errorf("ParseGate(%q) = %v, %v, want %v", name, got, err, g)
		}
	}
	if _, err := ParseGate("MUX"); !errors.Is(err, ErrUnknownGate) {
		t.Errorf("ParseGate(MUX) = %v, want ErrUnknownGate", err)
	}
}

func TestPlaintextEvaluate(t *testing.T) {
	p := NewPlaintext()
	ctx := context.Background()

	tests := []struct {
		name        string
		gate        Gate
		left, right Value
		want        Value
	}{
		{"bool xor", XOR, true, false, true},
		{"int xor", XOR, 1, 0, 1},
		{"int or", OR, 10, 21, 10 | 21},
		{"int and", AND, 12, 13, 12 & 13},
		{"uint64 nand", NAND, uint64(0xf0), uint64(0x3c), ^uint64(0xf0 & 0x3c)},
		{"bits xor", XOR, []bool{true, false, true}, []bool{true, true, false}, []bool{false, true, true}},
		{"bytes andyn", ANDYN, []byte{0xff, 0x0f}, []byte{0x0f, 0x0f}, []byte{0xf0, 0x00}},
		{"not bool", NOT, true, nil, false},
		{"not bits", NOT, []bool{true, false}, nil, []bool{false, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Evaluate(ctx, tt.gate, nil, tt.left, tt.right)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Evaluate = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestPlaintextEvaluateErrors(t *testing.T) {
	p := NewPlaintext()
	ctx := context.Background()

	if _, err := p.Evaluate(ctx, XOR, nil, true, nil); !errors.Is(err, ErrMissingOperand) {
		t.Errorf("missing right = %v, want ErrMissingOperand", err)
	}
	if _, err := p.Evaluate(ctx, XOR, nil, true, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("bool/int = %v, want ErrShapeMismatch", err)
	}
	if _, err := p.Evaluate(ctx, AND, nil, []bool{true}, []bool{true, false}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("length mismatch = %v, want ErrShapeMismatch", err)
	}
	if _, err := p.Evaluate(ctx, OR, nil, 1.5, 2.5); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("float = %v, want ErrUnsupportedValue", err)
	}
}

func TestEncodePlain(t *testing.T) {
	tests := []struct {
		in   Value
		want []byte
	}{
		{true, []byte{1}},
		{false, []byte{0}},
		{[]bool{true, false, true}, []byte{1, 0, 1}},
		{1, []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{"yes", []byte("yes")},
		{[]byte{9, 8}, []byte{9, 8}},
		{nil, []byte{}},
	}
	for _, tt := range tests {
		got, err := EncodePlain(tt.in)
		if err != nil {
			t.Errorf("EncodePlain(%v) failed: %v", tt.in, err)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodePlain(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := EncodePlain(struct{}{}); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("EncodePlain(struct) = %v, want ErrUnsupportedValue", err)
	}
}
