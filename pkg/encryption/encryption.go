// Package encryption provides the symmetric ciphers used by xorstore:
// at-rest encryption for local record stores and the AEAD sealing used by
// scratchpads and self-encrypted chunks.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Method enumerates supported at-rest encryption algorithms.
type Method string

const (
	// MethodNone stores records as-is.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts data using AES-256 in CTR mode with a random IV prefix.
	MethodAES256CTR Method = "aes-256-ctr"
	// MethodXChaCha20Poly1305 seals data with an authenticated cipher so a
	// modified file fails to load instead of decrypting to garbage.
	MethodXChaCha20Poly1305 Method = "xchacha20-poly1305"
)

// ParseMethod maps a configuration string to a Method. The empty string is
// MethodNone.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodNone:
		return MethodNone, nil
	case MethodAES256CTR, MethodXChaCha20Poly1305:
		return Method(s), nil
	default:
		return "", fmt.Errorf("encryption: unsupported method %q", s)
	}
}

// Options describes how to encrypt or decrypt stored records.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR, MethodXChaCha20Poly1305:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: %s requires 32-byte key, got %d", o.Method, len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// Encrypt returns data encrypted according to opts. The returned slice
// includes any IV or nonce header. aad binds the ciphertext to a slot for
// authenticated methods and is ignored by AES-CTR.
func Encrypt(data, aad []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	switch opts.Method {
	case MethodAES256CTR:
		return encryptAES256CTR(data, opts.Key)
	default:
		return Seal(opts.Key, data, aad)
	}
}

// Decrypt reverses Encrypt using opts.
func Decrypt(ciphertext, aad []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	switch opts.Method {
	case MethodAES256CTR:
		return decryptAES256CTR(ciphertext, opts.Key)
	default:
		return Open(opts.Key, ciphertext, aad)
	}
}

// Overhead returns the number of bytes added by the given method.
func Overhead(method Method) int {
	switch method {
	case MethodAES256CTR:
		return aes.BlockSize
	case MethodXChaCha20Poly1305:
		return SealOverhead
	default:
		return 0
	}
}

func encryptAES256CTR(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize+len(data))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], data)
	return out, nil
}

func decryptAES256CTR(data, key []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, errors.New("encryption: ciphertext missing IV")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCTR(block, data[:aes.BlockSize]).XORKeyStream(payload, data[aes.BlockSize:])
	return payload, nil
}
