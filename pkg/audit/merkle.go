package audit

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/sputnik/internal/types"
)

// Node domain separators.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// LeafDigest hashes the ordered parts of one audit record. Every part is
// prefixed with its length (8 bytes, little-endian) so that different splits
// of the same bytes never collide.
func LeafDigest(alg HashAlgorithm, parts ...[]byte) (types.Hash, error) {
	h, err := alg.New()
	if err != nil {
		return types.Hash{}, err
	}
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ComputeMerkleRoot computes the Merkle root of a list of leaf digests.
//
// Tree structure:
// - Leaf: H(0x00 || digest)
// - Node: H(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
//
// An empty list has the zero hash as its root.
func ComputeMerkleRoot(alg HashAlgorithm, leaves []types.Hash) (types.Hash, error) {
	if _, err := alg.New(); err != nil {
		return types.Hash{}, err
	}
	if len(leaves) == 0 {
		return types.Hash{}, nil
	}

	level := make([]types.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = leafHash(alg, l)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(alg, left, right)
		}
		level = next
	}

	return level[0], nil
}

// ProofNode is a sibling in a Merkle proof path.
type ProofNode struct {
	Hash   types.Hash
	IsLeft bool
}

// MerkleProof is an inclusion proof for one leaf of a trail.
type MerkleProof struct {
	Algorithm HashAlgorithm
	Leaf      types.Hash
	LeafIndex uint64
	Siblings  []ProofNode
	Root      types.Hash
}

// BuildProof builds the inclusion proof for leaves[index].
func BuildProof(alg HashAlgorithm, leaves []types.Hash, index int) (*MerkleProof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafOutOfRange, index, len(leaves))
	}
	root, err := ComputeMerkleRoot(alg, leaves)
	if err != nil {
		return nil, err
	}

	proof := &MerkleProof{
		Algorithm: alg,
		Leaf:      leaves[index],
		LeafIndex: uint64(index),
		Root:      root,
	}

	level := make([]types.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = leafHash(alg, l)
	}

	pos := index
	for len(level) > 1 {
		var sib ProofNode
		if pos%2 == 0 {
			if pos+1 < len(level) {
				sib.Hash = level[pos+1]
			}
		} else {
			sib.Hash = level[pos-1]
			sib.IsLeft = true
		}
		proof.Siblings = append(proof.Siblings, sib)

		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(alg, level[i], right)
		}
		level = next
		pos /= 2
	}

	return proof, nil
}

// VerifyProof reports whether the proof links its leaf to its root.
func VerifyProof(p *MerkleProof) (bool, error) {
	if p == nil {
		return false, ErrNilProof
	}
	if _, err := p.Algorithm.New(); err != nil {
		return false, err
	}
	cur := leafHash(p.Algorithm, p.Leaf)
	for _, sib := range p.Siblings {
		if sib.IsLeft {
			cur = nodeHash(p.Algorithm, sib.Hash, cur)
		} else {
			cur = nodeHash(p.Algorithm, cur, sib.Hash)
		}
	}
	return cur == p.Root, nil
}

func leafHash(alg HashAlgorithm, data types.Hash) types.Hash {
	return alg.mustSum([]byte{leafPrefix}, data[:])
}

func nodeHash(alg HashAlgorithm, left, right types.Hash) types.Hash {
	return alg.mustSum([]byte{nodePrefix}, left[:], right[:])
}
