package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func mustKey(t *testing.T) SecretKey {
	t.Helper()
	sk, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return sk
}

func TestSignVerify(t *testing.T) {
	sk := mustKey(t)
	msg := []byte("counter=1")
	sig := sk.Sign(msg)
	if !sk.PublicKey().Verify(msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if sk.PublicKey().Verify([]byte("counter=2"), sig) {
		t.Fatalf("signature verified over different message")
	}
	sig[10] ^= 0x01
	if sk.PublicKey().Verify(msg, sig) {
		t.Fatalf("tampered signature verified")
	}
	other := mustKey(t)
	if other.PublicKey().Verify(msg, sk.Sign(msg)) {
		t.Fatalf("signature verified under wrong key")
	}
}

func TestSecretKeyRoundTrip(t *testing.T) {
	sk := mustKey(t)
	parsed, err := ParseSecretKey(sk.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(sk) || parsed.PublicKey() != sk.PublicKey() {
		t.Fatalf("round trip changed key")
	}
	pk, err := ParsePublicKey(sk.PublicKey().Hex())
	if err != nil {
		t.Fatalf("parse public: %v", err)
	}
	if pk != sk.PublicKey() {
		t.Fatalf("public round trip mismatch")
	}
	if _, err := SecretKeyFromBytes(make([]byte, SecretKeySize)); err == nil {
		t.Fatalf("expected zero key to be rejected")
	}
	if _, err := PublicKeyFromBytes(make([]byte, 10)); err == nil {
		t.Fatalf("expected short public key to be rejected")
	}
}

func TestDeriveChildMatchesPublicDerivation(t *testing.T) {
	sk := mustKey(t)
	index := []byte("register-head")
	child := sk.DeriveChild(index)
	if child.PublicKey() != sk.PublicKey().DeriveChild(index) {
		t.Fatalf("secret and public derivation disagree")
	}
	if child.PublicKey() == sk.PublicKey() {
		t.Fatalf("child equals parent")
	}
	if sk.DeriveChild([]byte("other")).PublicKey() == child.PublicKey() {
		t.Fatalf("distinct indexes produced the same child")
	}
	again := sk.DeriveChild(index)
	if !again.Equal(child) {
		t.Fatalf("derivation is not deterministic")
	}
	sig := child.Sign([]byte("hello"))
	if !child.PublicKey().Verify([]byte("hello"), sig) {
		t.Fatalf("child key cannot sign")
	}
}

func TestKeyFromName(t *testing.T) {
	sk := mustKey(t)
	a := KeyFromName(sk, "notes")
	b := KeyFromName(sk, "notes")
	c := KeyFromName(sk, "todo")
	if !a.Equal(b) {
		t.Fatalf("named key not deterministic")
	}
	if a.Equal(c) {
		t.Fatalf("different names share a key")
	}
}

func TestLoadOrGenerateSecretKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	sk, created, err := LoadOrGenerateSecretKey(dir, "main")
	if err != nil {
		t.Fatalf("load or generate: %v", err)
	}
	if !created {
		t.Fatalf("expected a new key")
	}
	info, err := os.Stat(filepath.Join(dir, "main.key"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v", info.Mode().Perm())
	}
	again, created, err := LoadOrGenerateSecretKey(dir, "main")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if created || !again.Equal(sk) {
		t.Fatalf("expected existing key to be loaded")
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.key"), []byte("zz"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := LoadOrGenerateSecretKey(dir, "bad"); err == nil {
		t.Fatalf("expected corrupt key file to fail")
	}
}
