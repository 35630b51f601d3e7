// Package crypto provides the hashing, key, signature, and Merkle tree
// primitives for the snap chain. Hashes are SHA-256 and compare as unsigned
// big-endian 256-bit integers; the textual form of hashes and keys is the
// big-endian value in base 36.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"math/big"
)

// HashSize is the byte length of a Hash.
const HashSize = 32

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as the genesis previous-block hash and
// as the Merkle root of an empty transaction list.
var ZeroHash = Hash{}

// NewHash hashes data with SHA-256.
func NewHash(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// CompareWithData reports whether h is the SHA-256 digest of data.
func (h Hash) CompareWithData(data []byte) bool {
	return h == NewHash(data)
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Big returns the hash as an unsigned big-endian integer.
func (h Hash) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// Base36 returns the hash as a big-endian unsigned integer in base 36
// without padding.
func (h Hash) Base36() string {
	return dumpBase36(h[:])
}

// String implements fmt.Stringer using the base-36 form.
func (h Hash) String() string {
	return h.Base36()
}

// HashFromBase36 parses the base-36 textual form back into a hash,
// left-zero-padding to 32 bytes.
func HashFromBase36(s string) (Hash, error) {
	var h Hash
	if err := fromBase36(s, h[:]); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// dumpBase36 renders buf as a big-endian unsigned integer in base 36.
func dumpBase36(buf []byte) string {
	return new(big.Int).SetBytes(buf).Text(36)
}

// fromBase36 parses a base-36 string into dst, left-padding with zeros.
// Fails if the value does not fit.
func fromBase36(s string, dst []byte) error {
	n, ok := new(big.Int).SetString(s, 36)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("invalid base36 string %q", s)
	}
	b := n.Bytes()
	if len(b) > len(dst) {
		return fmt.Errorf("base36 value overflows %d bytes", len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[len(dst)-len(b):], b)
	return nil
}
