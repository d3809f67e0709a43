package record

import (
	"bytes"
	"testing"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

func mustKey(t *testing.T) identity.SecretKey {
	t.Helper()
	sk, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return sk
}

func TestPointerSignAndTamper(t *testing.T) {
	sk := mustKey(t)
	target := address.ChunkAddressOf([]byte("v1"))
	p := NewPointer(sk, 0, target)
	if err := p.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := p
	tampered.Counter = 5
	if err := tampered.Verify(); !xerrors.Is(err, xerrors.KindInvalidSignature) {
		t.Fatalf("expected invalid signature after counter change, got %v", err)
	}
	tampered = p
	tampered.Target = address.ChunkAddressOf([]byte("v2"))
	if tampered.VerifySignature() {
		t.Fatalf("signature survived target change")
	}

	raw, err := EncodePointer(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePointer(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != p {
		t.Fatalf("decoded %+v, want %+v", decoded, p)
	}
	raw[len(raw)-1] ^= 0x01
	if _, err := DecodePointer(raw); err == nil {
		t.Fatalf("expected decode of tampered bytes to fail")
	}
}

func TestPointerNext(t *testing.T) {
	sk := mustKey(t)
	p := NewPointer(sk, 0, address.ChunkAddressOf([]byte("a")))
	next, err := p.Next(sk, address.ChunkAddressOf([]byte("b")))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Counter != 1 || next.Verify() != nil {
		t.Fatalf("unexpected next pointer %+v", next)
	}
	if _, err := p.Next(mustKey(t), next.Target); err == nil {
		t.Fatalf("expected foreign key to be rejected")
	}
	last := NewPointer(sk, ^uint32(0), next.Target)
	if _, err := last.Next(sk, next.Target); err == nil {
		t.Fatalf("expected counter overflow to fail")
	}
}

func TestPointerSignedBytesLayout(t *testing.T) {
	sk := mustKey(t)
	target := address.ChunkAddressOf([]byte("layout"))
	p := NewPointer(sk, 0x01020304, target)
	got := p.BytesForSignature()
	var want bytes.Buffer
	want.Write([]byte{0, 0, 0, byte(len(pointerDomain))})
	want.WriteString(pointerDomain)
	want.Write([]byte{1, 2, 3, 4})
	want.Write([]byte{0, 0, 0, 33, byte(address.KindChunk)})
	want.Write(target.XorName[:])
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("signed bytes\n got %x\nwant %x", got, want.Bytes())
	}
}

func TestScratchpadEncryption(t *testing.T) {
	sk := mustKey(t)
	s, err := NewScratchpad(sk, 42, []byte("private notes"), 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if bytes.Contains(s.EncryptedData, []byte("private notes")) {
		t.Fatalf("payload stored in plaintext")
	}
	plaintext, err := s.DecryptData(sk)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "private notes" {
		t.Fatalf("plaintext %q", plaintext)
	}
	if _, err := s.DecryptData(mustKey(t)); err == nil {
		t.Fatalf("expected other key to fail")
	}

	next, err := s.Next(sk, 43, []byte("more notes"))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Counter != 1 || next.DataEncoding != 43 {
		t.Fatalf("unexpected next %+v", next)
	}

	raw, err := EncodeScratchpad(next)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeScratchpad(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Counter != 1 || !bytes.Equal(decoded.EncryptedData, next.EncryptedData) {
		t.Fatalf("decoded mismatch")
	}

	tampered := next
	tampered.DataEncoding = 7
	if tampered.Verify() == nil {
		t.Fatalf("expected encoding change to break signature")
	}

	if _, err := NewScratchpad(sk, 0, make([]byte, MaxScratchpadData+1), 0); !xerrors.Is(err, xerrors.KindPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
}

func TestGraphEntryTrivial(t *testing.T) {
	sk := mustKey(t)
	g := NewGraphEntry(sk, nil, []byte("content"), nil)
	if err := g.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if g.IsTooBig() {
		t.Fatalf("trivial entry reported too big")
	}
	raw, err := EncodeGraphEntry(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeGraphEntry(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Owner != g.Owner || !bytes.Equal(decoded.Content, g.Content) {
		t.Fatalf("decoded mismatch")
	}

	big := NewGraphEntry(sk, nil, make([]byte, MaxGraphEntrySize), nil)
	if !big.IsTooBig() {
		t.Fatalf("oversized entry not detected")
	}
}

func TestGraphEntrySignatureCoversAllFields(t *testing.T) {
	sk := mustKey(t)
	parent := mustKey(t).PublicKey()
	child := mustKey(t).PublicKey()
	g := NewGraphEntry(sk, []identity.PublicKey{parent}, []byte("c"), []Descendant{{Key: child, Data: []byte("d")}})

	mutations := map[string]func(GraphEntry) GraphEntry{
		"content": func(e GraphEntry) GraphEntry { e.Content = []byte("x"); return e },
		"parents": func(e GraphEntry) GraphEntry { e.Parents = nil; return e },
		"descendant data": func(e GraphEntry) GraphEntry {
			e.Descendants = []Descendant{{Key: child, Data: []byte("e")}}
			return e
		},
		"owner": func(e GraphEntry) GraphEntry { e.Owner = child; return e },
	}
	for name, mutate := range mutations {
		name, mutate := name, mutate
		t.Run(name, func(t *testing.T) {
			if mutate(g).VerifySignature() {
				t.Fatalf("signature survived %s change", name)
			}
		})
	}
}

func TestValidatorPointerCounters(t *testing.T) {
	sk := mustKey(t)
	v := Validator{}
	key := address.KeyOf(address.PointerAddress{Owner: sk.PublicKey()})

	encode := func(counter uint32, data string) []byte {
		raw, err := EncodePointer(NewPointer(sk, counter, address.ChunkAddressOf([]byte(data))))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return raw
	}
	v0, v1, v3 := encode(0, "a"), encode(1, "b"), encode(3, "c")

	if ok, err := v.Admit(key, nil, v0); !ok || err != nil {
		t.Fatalf("first write rejected: %v", err)
	}
	if ok, err := v.Admit(key, v0, v3); !ok || err != nil {
		t.Fatalf("higher counter rejected: %v", err)
	}
	if _, err := v.Admit(key, v3, v1); !xerrors.Is(err, xerrors.KindStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	if _, err := v.Admit(key, v1, encode(1, "other")); !xerrors.Is(err, xerrors.KindStaleWrite) {
		t.Fatalf("expected equal counter with different content to be stale, got %v", err)
	}
	if ok, err := v.Admit(key, v3, v3); ok || err != nil {
		t.Fatalf("identical rewrite should be a no-op, got %v %v", ok, err)
	}

	wrongSlot := address.KeyOf(address.PointerAddress{Owner: mustKey(t).PublicKey()})
	if _, err := v.Admit(wrongSlot, nil, v0); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected slot mismatch, got %v", err)
	}
}

func TestValidatorGraphAndChunk(t *testing.T) {
	sk := mustKey(t)
	v := Validator{}
	g, err := EncodeGraphEntry(NewGraphEntry(sk, nil, []byte("one"), nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	other, err := EncodeGraphEntry(NewGraphEntry(sk, nil, []byte("two"), nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	key := address.KeyOf(address.GraphEntryAddress{Owner: sk.PublicKey()})
	if ok, err := v.Admit(key, nil, g); !ok || err != nil {
		t.Fatalf("graph write rejected: %v", err)
	}
	if ok, err := v.Admit(key, g, g); ok || err != nil {
		t.Fatalf("identical graph rewrite should be a no-op")
	}
	if _, err := v.Admit(key, g, other); !xerrors.Is(err, xerrors.KindAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	data := []byte("chunk bytes")
	chunkKey := address.KeyOf(address.ChunkAddressOf(data))
	if ok, err := v.Admit(chunkKey, nil, data); !ok || err != nil {
		t.Fatalf("chunk rejected: %v", err)
	}
	if _, err := v.Admit(chunkKey, nil, []byte("forged")); !xerrors.Is(err, xerrors.KindCorruptChunk) {
		t.Fatalf("expected corrupt chunk, got %v", err)
	}
}
