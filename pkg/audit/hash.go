package audit

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/sputnik/internal/types"
)

// HashAlgorithm names the digest used for leaves and tree nodes.
type HashAlgorithm string

// Supported hash algorithms.
const (
	// HashBlake3 is the default audit digest.
	HashBlake3 HashAlgorithm = "blake3"

	// HashKeccak256 matches the digest used by EVM contracts, so a root can be
	// recomputed on chain.
	HashKeccak256 HashAlgorithm = "keccak256"

	// HashSHA256 is plain SHA-256.
	HashSHA256 HashAlgorithm = "sha256"
)

// DefaultHashAlgorithm is used when a trail is created without one.
const DefaultHashAlgorithm = HashBlake3

// ParseHashAlgorithm parses an algorithm name. The empty string selects the
// default.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(strings.ToLower(s)) {
	case "":
		return DefaultHashAlgorithm, nil
	case HashBlake3:
		return HashBlake3, nil
	case HashKeccak256:
		return HashKeccak256, nil
	case HashSHA256:
		return HashSHA256, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownHash, s)
}

// New returns a fresh hash.Hash for the algorithm.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashBlake3:
		return blake3.New(), nil
	case HashKeccak256:
		return sha3.NewLegacyKeccak256(), nil
	case HashSHA256:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHash, string(a))
}

// Sum hashes the concatenation of parts.
func (a HashAlgorithm) Sum(parts ...[]byte) (types.Hash, error) {
	h, err := a.New()
	if err != nil {
		return types.Hash{}, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// mustSum is Sum for algorithms already validated by the caller.
func (a HashAlgorithm) mustSum(parts ...[]byte) types.Hash {
	out, err := a.Sum(parts...)
	if err != nil {
		panic(err)
	}
	return out
}
