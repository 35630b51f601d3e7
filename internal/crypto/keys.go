package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeySize is the byte length of both public and private keys.
const KeySize = 32

// SignatureSize is the byte length of an Ed25519 signature.
const SignatureSize = 64

// Public is an Ed25519 public key used to verify input signatures and to
// own transaction outputs.
type Public [KeySize]byte

// Private is an Ed25519 private key seed.
type Private [KeySize]byte

// Signature is an Ed25519 signature over arbitrary bytes.
type Signature [SignatureSize]byte

// NewRandomPrivate generates a private key from the system CSPRNG.
func NewRandomPrivate() (Private, error) {
	var p Private
	if _, err := rand.Read(p[:]); err != nil {
		return Private{}, fmt.Errorf("generate private key: %w", err)
	}
	return p, nil
}

// ToPublic derives the public key. The derivation is deterministic.
func (p Private) ToPublic() Public {
	key := ed25519.NewKeyFromSeed(p[:])
	var pub Public
	copy(pub[:], key.Public().(ed25519.PublicKey))
	return pub
}

// Sign signs data with the private key.
func (p Private) Sign(data []byte) Signature {
	key := ed25519.NewKeyFromSeed(p[:])
	var sig Signature
	copy(sig[:], ed25519.Sign(key, data))
	return sig
}

// Base36 returns the private key in base-36 textual form.
func (p Private) Base36() string {
	return dumpBase36(p[:])
}

// PrivateFromBase36 parses a base-36 private key.
func PrivateFromBase36(s string) (Private, error) {
	var p Private
	if err := fromBase36(s, p[:]); err != nil {
		return Private{}, err
	}
	return p, nil
}

// Validate reports whether sig is a valid signature by pub over data.
func (s Signature) Validate(pub Public, data []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), data, s[:])
}

// Base36 returns the public key in base-36 textual form.
func (p Public) Base36() string {
	return dumpBase36(p[:])
}

// String implements fmt.Stringer using the base-36 form.
func (p Public) String() string {
	return p.Base36()
}

// PublicFromBase36 parses a base-36 public key.
func PublicFromBase36(s string) (Public, error) {
	var p Public
	if err := fromBase36(s, p[:]); err != nil {
		return Public{}, err
	}
	return p, nil
}
