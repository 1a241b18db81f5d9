package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the chain hash function. The algorithm is part of
// the protocol: every digest string carries it as a prefix ("sha256:<hex>"),
// so a chain can never be silently downgraded to a weaker function without
// every digest advertising the swap.
type Algorithm string

const (
	// SHA256 is the default chain hash.
	SHA256 Algorithm = "sha256"
	// BLAKE3 is the faster alternative; both produce 256-bit digests.
	BLAKE3 Algorithm = "blake3"
)

// Valid reports whether a names a supported hash function.
func (a Algorithm) Valid() bool {
	return a == SHA256 || a == BLAKE3
}

func (a Algorithm) newHasher() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// GenesisHash returns the fixed prev_hash of sequence 1 for a chain using
// the given algorithm: the algorithm prefix followed by an all-zero digest.
func GenesisHash(a Algorithm) string {
	return string(a) + ":" + strings.Repeat("0", 64)
}

// chainHash computes an entry's hash: H(canonical_bytes || prev_hash).
//
// The canonical encoding always comes first and the previous hash — its
// full "<algo>:<hex>" string form — second. Swapping the operand order
// would change every digest in existence, so the order is fixed by the
// protocol, not by convenience.
func chainHash(algo Algorithm, canonical []byte, prevHash string) string {
	h := algo.newHasher()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return string(algo) + ":" + hex.EncodeToString(h.Sum(nil))
}
