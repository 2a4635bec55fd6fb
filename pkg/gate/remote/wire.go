package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/fortiblox/sputnik/pkg/gate"
)

// codecName is the gRPC content subtype used by the gate service.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals the service messages as JSON. The service has no
// generated protobuf types, so it travels as application/grpc+json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// Value is a value handle on the wire.
type Value struct {
	// Kind names the handle's type. Backends may define their own kinds.
	Kind string `json:"kind"`

	// Data is the kind-specific payload.
	Data []byte `json:"data,omitempty"`
}

// EvaluateRequest asks the server to apply one gate.
type EvaluateRequest struct {
	Gate  string `json:"gate"`
	Key   *Value `json:"key,omitempty"`
	Left  *Value `json:"left"`
	Right *Value `json:"right,omitempty"`
}

// EvaluateResponse carries the gate result.
type EvaluateResponse struct {
	Result *Value `json:"result"`
}

// EncodeRequest asks the server for the audit encoding of a value.
type EncodeRequest struct {
	Value *Value `json:"value"`
}

// EncodeResponse carries the audit encoding.
type EncodeResponse struct {
	Data []byte `json:"data"`
}

// ErrUnknownKind is returned for a wire value of an unregistered kind.
var ErrUnknownKind = errors.New("unknown value kind")

// ValueCodec converts value handles to and from their wire form. Client and
// server must agree on it.
type ValueCodec interface {
	MarshalValue(v gate.Value) (*Value, error)
	UnmarshalValue(w *Value) (gate.Value, error)
}

// Plain kinds.
const (
	KindNil    = "nil"
	KindBool   = "bool"
	KindBits   = "bits"
	KindBytes  = "bytes"
	KindString = "string"
	KindInt    = "int"
	KindInt64  = "int64"
	KindUint64 = "uint64"
	KindUint8  = "uint8"
)

// PlainCodec is the ValueCodec for the handles of gate.Plaintext.
type PlainCodec struct{}

// MarshalValue implements ValueCodec.
func (PlainCodec) MarshalValue(v gate.Value) (*Value, error) {
	switch x := v.(type) {
	case nil:
		return &Value{Kind: KindNil}, nil
	case bool:
		b, _ := gate.EncodePlain(x)
		return &Value{Kind: KindBool, Data: b}, nil
	case []bool:
		b, _ := gate.EncodePlain(x)
		return &Value{Kind: KindBits, Data: b}, nil
	case []byte:
		return &Value{Kind: KindBytes, Data: append([]byte(nil), x...)}, nil
	case string:
		return &Value{Kind: KindString, Data: []byte(x)}, nil
	case int:
		return &Value{Kind: KindInt, Data: u64(uint64(x))}, nil
	case int64:
		return &Value{Kind: KindInt64, Data: u64(uint64(x))}, nil
	case uint64:
		return &Value{Kind: KindUint64, Data: u64(x)}, nil
	case uint8:
		return &Value{Kind: KindUint8, Data: []byte{x}}, nil
	}
	return nil, fmt.Errorf("%w: %T", gate.ErrUnsupportedValue, v)
}

// UnmarshalValue implements ValueCodec.
func (PlainCodec) UnmarshalValue(w *Value) (gate.Value, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Kind {
	case KindNil:
		return nil, nil
	case KindBool:
		if len(w.Data) != 1 {
			return nil, fmt.Errorf("%w: bool of %d bytes", gate.ErrUnsupportedValue, len(w.Data))
		}
		return w.Data[0] != 0, nil
	case KindBits:
		out := make([]bool, len(w.Data))
		for i, b := range w.Data {
			out[i] = b != 0
		}
		return out, nil
	case KindBytes:
		out := make([]byte, len(w.Data))
		copy(out, w.Data)
		return out, nil
	case KindString:
		return string(w.Data), nil
	case KindUint8:
		if len(w.Data) != 1 {
			return nil, fmt.Errorf("%w: uint8 of %d bytes", gate.ErrUnsupportedValue, len(w.Data))
		}
		return w.Data[0], nil
	case KindInt, KindInt64, KindUint64:
		if len(w.Data) != 8 {
			return nil, fmt.Errorf("%w: %s of %d bytes", gate.ErrUnsupportedValue, w.Kind, len(w.Data))
		}
		n := binary.BigEndian.Uint64(w.Data)
		switch w.Kind {
		case KindInt:
			return int(n), nil
		case KindInt64:
			return int64(n), nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
}

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
