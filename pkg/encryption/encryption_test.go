package encryption

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, method := range []Method{MethodAES256CTR, MethodXChaCha20Poly1305} {
		method := method
		t.Run(string(method), func(t *testing.T) {
			opts := Options{
				Method: method,
				Key:    bytes.Repeat([]byte{0x42}, 32),
			}
			ciphertext, err := Encrypt([]byte("top-secret"), []byte("slot"), opts)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if len(ciphertext) != len("top-secret")+Overhead(method) {
				t.Fatalf("ciphertext should include %d header bytes, got %d", Overhead(method), len(ciphertext))
			}
			plaintext, err := Decrypt(ciphertext, []byte("slot"), opts)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if string(plaintext) != "top-secret" {
				t.Fatalf("unexpected plaintext %q", plaintext)
			}
		})
	}
}

func TestAuthenticatedMethodDetectsTampering(t *testing.T) {
	opts := Options{Method: MethodXChaCha20Poly1305, Key: bytes.Repeat([]byte{0x7f}, 32)}
	ciphertext, err := Encrypt([]byte("record"), []byte("a"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, []byte("b"), opts); err == nil {
		t.Fatalf("expected slot mismatch to fail")
	}
	ciphertext[len(ciphertext)-1] ^= 1
	if _, err := Decrypt(ciphertext, []byte("a"), opts); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod(""); err != nil || m != MethodNone {
		t.Fatalf("ParseMethod(\"\") = %q, %v", m, err)
	}
	if _, err := ParseMethod("rot13"); err == nil {
		t.Fatalf("expected unknown method to fail")
	}
}

func TestValidateRejectsBadKey(t *testing.T) {
	err := (Options{Method: MethodAES256CTR, Key: []byte("short")}).Validate()
	if err == nil {
		t.Fatalf("expected validation failure for short key")
	}
}

func TestSealOpen(t *testing.T) {
	key, err := DeriveKey([]byte("owner secret"), []byte("scratchpad"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	aad := []byte("owner")
	sealed, err := Seal(key, []byte("payload"), aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(sealed) != SealOverhead+len("payload") {
		t.Fatalf("sealed length %d", len(sealed))
	}
	plaintext, err := Open(key, sealed, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if _, err := Open(key, sealed, []byte("other")); err == nil {
		t.Fatalf("expected AAD mismatch to fail")
	}
	sealed[0] = 0x02
	if _, err := Open(key, sealed, aad); err == nil {
		t.Fatalf("expected version mismatch to fail")
	}
	other, _ := DeriveKey([]byte("owner secret"), []byte("vault"))
	if bytes.Equal(other, key) {
		t.Fatalf("info strings must separate keys")
	}
}

func TestSealWithNonceIsDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	nonce := bytes.Repeat([]byte{0x22}, NonceSize)
	a, err := SealWithNonce(key, nonce, []byte("chunk"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := SealWithNonce(key, nonce, []byte("chunk"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same inputs produced different ciphertext")
	}
	a[0] ^= 0xff
	if _, err := OpenWithNonce(key, nonce, a, nil); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
	if _, err := SealWithNonce(key, nonce[:3], []byte("x"), nil); err == nil {
		t.Fatalf("expected short nonce to fail")
	}
}
