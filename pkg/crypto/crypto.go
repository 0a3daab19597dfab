// Copyright 2025 Exonum Core Contributors
//
// Package crypto provides the canonical cryptographic primitives used
// across the node: Ed25519 signing/verification and domain-separated
// SHA-256 hashing. Every hash input is prefixed with a single-byte tag so
// that digests computed for one purpose (a list leaf, a map branch, a
// signed message) can never collide with a digest computed for another.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

const (
	// HashSize is the length in bytes of a Hash.
	HashSize = sha256.Size
	// PublicKeySize is the length in bytes of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length in bytes of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
)

// Domain-separation tags. Every hash computed for a given structural
// position in the authenticated storage carries exactly one of these as
// its first input byte. Do not reuse a tag across contexts and do not mix
// this scheme with any alternate historical one.
const (
	TagListLeaf      byte = 0x00
	TagListBranch    byte = 0x01
	TagMapLeaf       byte = 0x02
	TagMapRoot       byte = 0x03
	TagMapBranch     byte = 0x04
	TagMessageDigest byte = 0x10
)

// ErrInvalidSignature is returned when a signature fails to verify.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero digest used as prev_hash for the genesis block.
var ZeroHash Hash

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// HashFromBytes builds a Hash from a 32-byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, errors.New("crypto: hash must be 32 bytes")
	}
	copy(h[:], b)
	return h, nil
}

// Tagged computes SHA-256(tag || parts...), domain-separating the digest
// from every other tag defined above.
func Tagged(tag byte, parts ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashBytes computes an untagged SHA-256 digest, used only where the spec
// defines a context-free content hash (raw payload checksums).
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// PublicKey is an Ed25519 verification key.
type PublicKey [PublicKeySize]byte

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }
func (p PublicKey) Bytes() []byte  { b := make([]byte, PublicKeySize); copy(b, p[:]); return b }

// PublicKeyFromBytes builds a PublicKey from a 32-byte slice.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, errors.New("crypto: public key must be 32 bytes")
	}
	copy(pk[:], b)
	return pk, nil
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

func (s Signature) Bytes() []byte { b := make([]byte, SignatureSize); copy(b, s[:]); return b }

// SignatureFromBytes builds a Signature from a 64-byte slice.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, errors.New("crypto: signature must be 64 bytes")
	}
	copy(s[:], b)
	return s, nil
}

// KeyPair holds an Ed25519 signing key alongside its public counterpart.
type KeyPair struct {
	Public  PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	kp.private = priv
	return kp, nil
}

// KeyPairFromSeed deterministically derives a key pair from a 32-byte
// seed; used by tests and by genesis configuration to pin validator keys.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, errors.New("crypto: seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var kp KeyPair
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	kp.private = priv
	return kp, nil
}

// Sign signs the canonical byte encoding of a message, excluding the
// signature slot itself.
func (kp KeyPair) Sign(message []byte) Signature {
	raw := ed25519.Sign(kp.private, message)
	var sig Signature
	copy(sig[:], raw)
	return sig
}

// Verify checks a signature against a public key and message in constant
// time with respect to the key material; malformed inputs are rejected
// rather than branched on.
func Verify(pub PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig[:])
}

// ConstantTimeEqual reports whether two byte slices are equal without
// leaking timing information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
