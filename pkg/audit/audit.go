// Package audit builds the tamper-evident trail of gate evaluations.
//
// A Trail is an append-only list of leaf digests. Each leaf summarizes one
// audited computation step (typically the encoded left operand, right operand
// and result of a two-operand gate). When the run ends the trail is finalized
// into a single Merkle root that can be anchored externally and later checked
// with inclusion proofs.
//
// # Finalization
//
// Finalize may be called exactly once. A trail with no leaves finalizes to the
// zero hash. A second Finalize, or AddLeaf after Finalize, returns
// ErrFinalized.
package audit

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sputnik/internal/types"
)

var (
	// ErrFinalized is returned when a finalized trail is modified or
	// finalized again.
	ErrFinalized = errors.New("audit trail already finalized")

	// ErrNotFinalized is returned when a proof is requested before Finalize.
	ErrNotFinalized = errors.New("audit trail not finalized")

	// ErrUnknownHash is returned for an unsupported hash algorithm.
	ErrUnknownHash = errors.New("unknown hash algorithm")

	// ErrLeafOutOfRange is returned for a proof index outside the trail.
	ErrLeafOutOfRange = errors.New("leaf index out of range")

	// ErrNilProof is returned when verifying a nil proof.
	ErrNilProof = errors.New("nil proof")

	// ErrEmptyLeaf is returned by AddLeaf when called without parts.
	ErrEmptyLeaf = errors.New("leaf has no parts")
)

// Trail accumulates leaves for one execution session.
// A Trail is not safe for concurrent use.
type Trail struct {
	alg       HashAlgorithm
	leaves    []types.Hash
	root      types.Hash
	finalized bool
}

// NewTrail creates an empty trail using alg. The empty algorithm selects
// DefaultHashAlgorithm.
func NewTrail(alg HashAlgorithm) (*Trail, error) {
	if alg == "" {
		alg = DefaultHashAlgorithm
	}
	if _, err := alg.New(); err != nil {
		return nil, err
	}
	return &Trail{alg: alg}, nil
}

// Algorithm returns the trail's hash algorithm.
func (t *Trail) Algorithm() HashAlgorithm {
	return t.alg
}

// AddLeaf appends one leaf built from the ordered parts.
func (t *Trail) AddLeaf(parts ...[]byte) (types.Hash, error) {
	if t.finalized {
		return types.Hash{}, ErrFinalized
	}
	if len(parts) == 0 {
		return types.Hash{}, ErrEmptyLeaf
	}
	leaf, err := LeafDigest(t.alg, parts...)
	if err != nil {
		return types.Hash{}, err
	}
	t.leaves = append(t.leaves, leaf)
	return leaf, nil
}

// Len returns the number of leaves.
func (t *Trail) Len() int {
	return len(t.leaves)
}

// Leaves returns a copy of the leaf digests in append order.
func (t *Trail) Leaves() []types.Hash {
	out := make([]types.Hash, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Finalize computes the Merkle root over all appended leaves.
func (t *Trail) Finalize() (types.Hash, error) {
	if t.finalized {
		return types.Hash{}, ErrFinalized
	}
	root, err := ComputeMerkleRoot(t.alg, t.leaves)
	if err != nil {
		return types.Hash{}, err
	}
	t.root = root
	t.finalized = true
	return root, nil
}

// Finalized reports whether Finalize has been called.
func (t *Trail) Finalized() bool {
	return t.finalized
}

// Root returns the finalized root.
func (t *Trail) Root() (types.Hash, error) {
	if !t.finalized {
		return types.Hash{}, ErrNotFinalized
	}
	return t.root, nil
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Trail) Proof(index int) (*MerkleProof, error) {
	if !t.finalized {
		return nil, ErrNotFinalized
	}
	proof, err := BuildProof(t.alg, t.leaves, index)
	if err != nil {
		return nil, fmt.Errorf("build proof: %w", err)
	}
	return proof, nil
}
