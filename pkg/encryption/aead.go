package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key used for sealing.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the XChaCha20-Poly1305 nonce size.
const NonceSize = chacha20poly1305.NonceSizeX

// SealedVersion prefixes every blob produced by Seal. It is bound into the
// AAD so a flipped version byte fails authentication.
const SealedVersion byte = 0x01

// SealOverhead is the byte overhead of Seal: version, nonce and tag.
const SealOverhead = 1 + NonceSize + chacha20poly1305.Overhead

// TagSize is the authentication tag appended by every seal.
const TagSize = chacha20poly1305.Overhead

// DeriveKey expands secret into a KeySize key bound to info using
// HKDF-SHA256.
func DeriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("encryption: deriving key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a random nonce:
//
//	[version 1B] [nonce 24B] [ciphertext+tag]
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("encryption: generating nonce: %w", err)
	}
	out := make([]byte, 1+NonceSize, SealOverhead+len(plaintext))
	out[0] = SealedVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, versionedAAD(SealedVersion, aad)), nil
}

// Open reverses Seal. Any mismatch in key, AAD or bytes fails.
func Open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, fmt.Errorf("encryption: sealed blob is %d bytes, minimum is %d", len(sealed), SealOverhead)
	}
	if sealed[0] != SealedVersion {
		return nil, fmt.Errorf("encryption: sealed blob version %d is not supported", sealed[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+NonceSize]
	plaintext, err := aead.Open(nil, nonce, sealed[1+NonceSize:], versionedAAD(sealed[0], aad))
	if err != nil {
		return nil, fmt.Errorf("encryption: authentication failed: %w", err)
	}
	return plaintext, nil
}

// SealWithNonce encrypts with a caller-chosen nonce and emits only
// ciphertext and tag. The same key, nonce and plaintext always give the
// same output, so callers must never reuse a nonce for different
// plaintext under one key.
func SealWithNonce(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("encryption: nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenWithNonce reverses SealWithNonce.
func OpenWithNonce(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("encryption: nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("encryption: authentication failed: %w", err)
	}
	return plaintext, nil
}

func versionedAAD(version byte, aad []byte) []byte {
	out := make([]byte, 1+len(aad))
	out[0] = version
	copy(out[1:], aad)
	return out
}
