package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/sputnik/pkg/vm"
)

// recordVersion is written as the first byte of every stored value.
const recordVersion = 1

// record is the stored form of a checkpoint.
type record struct {
	Label    string
	SavedAt  time.Time
	Snapshot *vm.Snapshot
}

// RegisterValue makes a backend's value handle type storable. Built-in Go
// types (bool, integers, strings and their slices) are registered already;
// ciphertext and key types from a homomorphic backend must be registered
// before the first Save or Load.
func RegisterValue(v any) {
	gob.Register(v)
}

// codec serializes records as version byte + zstd(gob(record)).
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec(level zstd.EncoderLevel) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) marshal(r *record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	out := make([]byte, 1, buf.Len()/2+1)
	out[0] = recordVersion
	return c.enc.EncodeAll(buf.Bytes(), out), nil
}

func (c *codec) unmarshal(data []byte) (*record, error) {
	if len(data) == 0 || data[0] != recordVersion {
		return nil, ErrCorrupt
	}
	raw, err := c.dec.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var r record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &r, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
