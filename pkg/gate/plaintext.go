package gate

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Plaintext evaluates gates directly on unencrypted values. It stands in for
// a homomorphic backend in tests and dry runs, and ignores the key.
//
// Supported handles:
//   - bool
//   - []bool, evaluated element-wise (the bit-vector shape of an encrypted
//     register)
//   - int, int64, uint64, uint8, evaluated bitwise; the result keeps the
//     left operand's type
//   - []byte, evaluated bytewise
type Plaintext struct{}

// NewPlaintext returns a plaintext evaluator.
func NewPlaintext() *Plaintext {
	return &Plaintext{}
}

// Evaluate implements Evaluator.
func (p *Plaintext) Evaluate(_ context.Context, g Gate, _ Key, left, right Value) (Value, error) {
	if !g.Unary() && right == nil {
		return nil, fmt.Errorf("%w: %s needs two operands", ErrMissingOperand, g)
	}
	if g.Unary() {
		right = zeroLike(left)
	}

	switch a := left.(type) {
	case bool:
		b, ok := right.(bool)
		if !ok {
			return nil, mismatch(left, right)
		}
		return g.Bit(a, b)

	case []bool:
		b, ok := right.([]bool)
		if !ok || len(a) != len(b) {
			return nil, mismatch(left, right)
		}
		out := make([]bool, len(a))
		for i := range a {
			bit, err := g.Bit(a[i], b[i])
			if err != nil {
				return nil, err
			}
			out[i] = bit
		}
		return out, nil

	case []byte:
		b, ok := right.([]byte)
		if !ok || len(a) != len(b) {
			return nil, mismatch(left, right)
		}
		out := make([]byte, len(a))
		for i := range a {
			w, err := g.Word(uint64(a[i]), uint64(b[i]))
			if err != nil {
				return nil, err
			}
			out[i] = byte(w)
		}
		return out, nil
	}

	aw, ok := word(left)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, left)
	}
	bw, ok := word(right)
	if !ok {
		return nil, mismatch(left, right)
	}
	w, err := g.Word(aw, bw)
	if err != nil {
		return nil, err
	}
	return fromWord(left, w), nil
}

// Encode implements Evaluator.
//
// bool is one byte (0 or 1); []bool is one byte per bit; integers are eight
// bytes big-endian; []byte and string are their raw bytes.
func (p *Plaintext) Encode(v Value) ([]byte, error) {
	return EncodePlain(v)
}

// EncodePlain is the plaintext value encoding shared with other backends.
func EncodePlain(v Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{}, nil
	case bool:
		if x {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case []bool:
		out := make([]byte, len(x))
		for i, bit := range x {
			if bit {
				out[i] = 1
			}
		}
		return out, nil
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	case string:
		return []byte(x), nil
	}
	if w, ok := word(v); ok {
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, w)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func word(v Value) (uint64, bool) {
	switch x := v.(type) {
	case int:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case uint64:
		return x, true
	case uint8:
		return uint64(x), true
	}
	return 0, false
}

func fromWord(like Value, w uint64) Value {
	switch like.(type) {
	case int:
		return int(w)
	case int64:
		return int64(w)
	case uint8:
		return uint8(w)
	}
	return w
}

func zeroLike(v Value) Value {
	switch x := v.(type) {
	case bool:
		return false
	case []bool:
		return make([]bool, len(x))
	case []byte:
		return make([]byte, len(x))
	}
	return v
}

func mismatch(left, right Value) error {
	return fmt.Errorf("%w: %T and %T", ErrShapeMismatch, left, right)
}

var _ Evaluator = (*Plaintext)(nil)
