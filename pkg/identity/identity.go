// Package identity holds the BLS12-381 key material that owns mutable
// records. Public keys live in G1 (48 bytes compressed) and signatures in
// G2 (96 bytes compressed).
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
	"github.com/cloudflare/circl/sign/bls"
	"github.com/zeebo/blake3"
)

const (
	// SecretKeySize is the length of an encoded secret key.
	SecretKeySize = 32
	// PublicKeySize is the length of a compressed public key.
	PublicKeySize = 48
	// SignatureSize is the length of a compressed signature.
	SignatureSize = 96
)

type scheme = bls.KeyG1SigG2

// PublicKey is a compressed G1 point. It is comparable and can be used as a
// map key.
type PublicKey [PublicKeySize]byte

// Signature is a compressed G2 point.
type Signature [SignatureSize]byte

// SecretKey signs records on behalf of its PublicKey.
type SecretKey struct {
	key *bls.PrivateKey[scheme]
	pub PublicKey
}

// GenerateSecretKey returns a fresh random secret key.
func GenerateSecretKey() (SecretKey, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return SecretKey{}, fmt.Errorf("reading key material: %w", err)
	}
	key, err := bls.KeyGen[scheme](ikm, nil, nil)
	if err != nil {
		return SecretKey{}, fmt.Errorf("generating BLS key: %w", err)
	}
	return newSecretKey(key)
}

// SecretKeyFromBytes decodes a 32-byte big-endian scalar.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	if len(b) != SecretKeySize {
		return SecretKey{}, fmt.Errorf("secret key is %d bytes, want %d", len(b), SecretKeySize)
	}
	key := new(bls.PrivateKey[scheme])
	if err := key.UnmarshalBinary(b); err != nil {
		return SecretKey{}, fmt.Errorf("decoding secret key: %w", err)
	}
	return newSecretKey(key)
}

// ParseSecretKey decodes a hex-encoded secret key.
func ParseSecretKey(s string) (SecretKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("parsing secret key: %w", err)
	}
	return SecretKeyFromBytes(b)
}

func newSecretKey(key *bls.PrivateKey[scheme]) (SecretKey, error) {
	raw, err := key.PublicKey().MarshalBinary()
	if err != nil {
		return SecretKey{}, fmt.Errorf("encoding public key: %w", err)
	}
	var pub PublicKey
	copy(pub[:], raw)
	return SecretKey{key: key, pub: pub}, nil
}

// IsZero reports whether sk was never initialised.
func (sk SecretKey) IsZero() bool { return sk.key == nil }

// PublicKey returns the key that verifies signatures made by sk.
func (sk SecretKey) PublicKey() PublicKey { return sk.pub }

// Bytes returns the 32-byte big-endian scalar.
func (sk SecretKey) Bytes() []byte {
	b, err := sk.key.MarshalBinary()
	if err != nil {
		panic("identity: marshalling scalar: " + err.Error())
	}
	return b
}

// Hex returns the hex-encoded secret key.
func (sk SecretKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// Equal reports whether both keys hold the same scalar.
func (sk SecretKey) Equal(other SecretKey) bool {
	if sk.key == nil || other.key == nil {
		return sk.key == other.key
	}
	return sk.key.Equal(other.key)
}

// Sign signs msg.
func (sk SecretKey) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], bls.Sign(sk.key, msg))
	return sig
}

// DeriveChild derives a deterministic child key. The matching public key
// can be computed without the secret via PublicKey.DeriveChild.
func (sk SecretKey) DeriveChild(index []byte) SecretKey {
	h := derivationScalar(sk.pub, index)
	var parent bls12381.Scalar
	if err := parent.UnmarshalBinary(sk.Bytes()); err != nil {
		panic("identity: decoding scalar: " + err.Error())
	}
	var child bls12381.Scalar
	child.Mul(&parent, &h)
	raw, err := child.MarshalBinary()
	if err != nil {
		panic("identity: marshalling scalar: " + err.Error())
	}
	derived, err := SecretKeyFromBytes(raw)
	if err != nil {
		panic("identity: derived zero key: " + err.Error())
	}
	return derived
}

// PublicKeyFromBytes decodes and validates a compressed G1 point.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key is %d bytes, want %d", len(b), PublicKeySize)
	}
	key := new(bls.PublicKey[scheme])
	if err := key.UnmarshalBinary(b); err != nil {
		return pk, fmt.Errorf("decoding public key: %w", err)
	}
	if !key.Validate() {
		return pk, fmt.Errorf("public key is not a valid G1 point")
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parsing public key: %w", err)
	}
	return PublicKeyFromBytes(b)
}

// Bytes returns a copy of the compressed point.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk[:]...) }

// Hex returns the hex-encoded public key.
func (pk PublicKey) Hex() string { return hex.EncodeToString(pk[:]) }

func (pk PublicKey) String() string { return pk.Hex() }

// Verify reports whether sig is a valid signature over msg by pk. Malformed
// keys and signatures never verify.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	key := new(bls.PublicKey[scheme])
	if err := key.UnmarshalBinary(pk[:]); err != nil {
		return false
	}
	if !key.Validate() {
		return false
	}
	return bls.Verify(key, msg, sig[:])
}

// DeriveChild returns the public half of SecretKey.DeriveChild. It panics
// if pk is not a valid point; keys produced by this package always are.
func (pk PublicKey) DeriveChild(index []byte) PublicKey {
	var point bls12381.G1
	if err := point.SetBytes(pk[:]); err != nil {
		panic("identity: invalid public key: " + err.Error())
	}
	h := derivationScalar(pk, index)
	point.ScalarMult(&h, &point)
	var child PublicKey
	copy(child[:], point.BytesCompressed())
	return child
}

// SignatureFromBytes copies a compressed signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("signature is %d bytes, want %d", len(b), SignatureSize)
	}
	copy(sig[:], b)
	return sig, nil
}

// Bytes returns a copy of the compressed signature.
func (s Signature) Bytes() []byte { return append([]byte(nil), s[:]...) }

// Hex returns the hex-encoded signature.
func (s Signature) Hex() string { return hex.EncodeToString(s[:]) }

// KeyFromName derives a named child of owner. The same owner and name
// always yield the same key.
func KeyFromName(owner SecretKey, name string) SecretKey {
	index := blake3.Sum256([]byte(name))
	return owner.DeriveChild(index[:])
}

// derivationScalar hashes the parent key and index into a non-zero scalar.
// 64 bytes of XOF output keep the modular reduction unbiased.
func derivationScalar(parent PublicKey, index []byte) bls12381.Scalar {
	hasher := blake3.NewDeriveKey("xorstore identity child key v1")
	hasher.Write(parent[:])
	hasher.Write(index)
	var wide [64]byte
	if _, err := hasher.Digest().Read(wide[:]); err != nil {
		panic("identity: reading derivation digest: " + err.Error())
	}
	var h bls12381.Scalar
	h.SetBytes(wide[:])
	if h.IsZero() == 1 {
		h.SetOne()
	}
	return h
}
