package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/codec"
	"github.com/jacktea/xorstore/pkg/encryption"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// MaxScratchpadSize bounds an encoded scratchpad.
const MaxScratchpadSize = 4 << 20

// scratchpadOverhead covers the owner, signature, counters and CBOR
// framing around the encrypted payload.
const scratchpadOverhead = 512

// MaxScratchpadData is the largest plaintext a scratchpad accepts.
const MaxScratchpadData = MaxScratchpadSize - scratchpadOverhead - encryption.SealOverhead

var scratchpadKeyInfo = []byte("xorstore.scratchpad.key.v1")

// Scratchpad is a small mutable blob encrypted to its owner. Writers bump
// Counter on every update; the highest valid counter wins.
type Scratchpad struct {
	Owner         identity.PublicKey
	DataEncoding  uint64
	EncryptedData []byte
	Counter       uint64
	Signature     identity.Signature
}

// NewScratchpad encrypts plaintext to sk and signs the result.
func NewScratchpad(sk identity.SecretKey, encoding uint64, plaintext []byte, counter uint64) (Scratchpad, error) {
	owner := sk.PublicKey()
	if len(plaintext) > MaxScratchpadData {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindPayloadTooLarge, "scratchpad.new", owner.Hex(),
			fmt.Errorf("%d bytes exceeds %d", len(plaintext), MaxScratchpadData))
	}
	key, err := scratchpadKey(sk)
	if err != nil {
		return Scratchpad{}, err
	}
	sealed, err := encryption.Seal(key, plaintext, scratchpadAAD(owner, encoding))
	if err != nil {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInternal, "scratchpad.new", owner.Hex(), err)
	}
	s := Scratchpad{Owner: owner, DataEncoding: encoding, EncryptedData: sealed, Counter: counter}
	s.Signature = sk.Sign(s.BytesForSignature())
	return s, nil
}

func scratchpadKey(sk identity.SecretKey) ([]byte, error) {
	owner := sk.PublicKey()
	info := append(append([]byte(nil), scratchpadKeyInfo...), owner[:]...)
	return encryption.DeriveKey(sk.Bytes(), info)
}

func scratchpadAAD(owner identity.PublicKey, encoding uint64) []byte {
	aad := make([]byte, identity.PublicKeySize+8)
	copy(aad, owner[:])
	binary.BigEndian.PutUint64(aad[identity.PublicKeySize:], encoding)
	return aad
}

// Address returns where the scratchpad is stored.
func (s Scratchpad) Address() address.ScratchpadAddress {
	return address.ScratchpadAddress{Owner: s.Owner}
}

// BytesForSignature returns the signed payload.
func (s Scratchpad) BytesForSignature() []byte {
	b := newSigBuffer(scratchpadDomain)
	b.Write(s.Owner[:])
	b.writeUint64(s.DataEncoding)
	b.writeBytes(s.EncryptedData)
	b.writeUint64(s.Counter)
	return b.Bytes()
}

// VerifySignature reports whether the signature matches Owner.
func (s Scratchpad) VerifySignature() bool {
	return s.Owner.Verify(s.BytesForSignature(), s.Signature)
}

// Verify returns a KindInvalidSignature error when the signature does not
// match.
func (s Scratchpad) Verify() error {
	if !s.VerifySignature() {
		return xerrors.E(xerrors.KindInvalidSignature, "scratchpad.verify", s.Owner.Hex())
	}
	return nil
}

// DecryptData returns the plaintext. Only the owner can decrypt.
func (s Scratchpad) DecryptData(sk identity.SecretKey) ([]byte, error) {
	if sk.PublicKey() != s.Owner {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "scratchpad.decrypt", s.Owner.Hex(),
			fmt.Errorf("key does not own scratchpad"))
	}
	key, err := scratchpadKey(sk)
	if err != nil {
		return nil, err
	}
	plaintext, err := encryption.Open(key, s.EncryptedData, scratchpadAAD(s.Owner, s.DataEncoding))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCorruptChunk, "scratchpad.decrypt", s.Owner.Hex(), err)
	}
	return plaintext, nil
}

// Next re-encrypts new content at counter+1.
func (s Scratchpad) Next(sk identity.SecretKey, encoding uint64, plaintext []byte) (Scratchpad, error) {
	if sk.PublicKey() != s.Owner {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInvalid, "scratchpad.next", s.Owner.Hex(),
			fmt.Errorf("signing key does not own scratchpad"))
	}
	if s.Counter == math.MaxUint64 {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInvalid, "scratchpad.next", s.Owner.Hex(),
			fmt.Errorf("counter exhausted"))
	}
	return NewScratchpad(sk, encoding, plaintext, s.Counter+1)
}

// Size returns the encoded size.
func (s Scratchpad) Size() int {
	b, err := EncodeScratchpad(s)
	if err != nil {
		return 0
	}
	return len(b)
}

// IsTooBig reports whether the encoded scratchpad exceeds MaxScratchpadSize.
func (s Scratchpad) IsTooBig() bool { return s.Size() > MaxScratchpadSize }

type scratchpadWire struct {
	_             struct{} `cbor:",toarray"`
	Owner         []byte
	DataEncoding  uint64
	EncryptedData []byte
	Counter       uint64
	Signature     []byte
}

// EncodeScratchpad returns the wire form of s.
func EncodeScratchpad(s Scratchpad) ([]byte, error) {
	return codec.Marshal(scratchpadWire{
		Owner:         s.Owner[:],
		DataEncoding:  s.DataEncoding,
		EncryptedData: s.EncryptedData,
		Counter:       s.Counter,
		Signature:     s.Signature[:],
	})
}

// DecodeScratchpad parses and verifies a scratchpad.
func DecodeScratchpad(data []byte) (Scratchpad, error) {
	const op = "scratchpad.decode"
	var w scratchpadWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	owner, err := identity.PublicKeyFromBytes(w.Owner)
	if err != nil {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	sig, err := identity.SignatureFromBytes(w.Signature)
	if err != nil {
		return Scratchpad{}, xerrors.Wrap(xerrors.KindInvalidSignature, op, owner.Hex(), err)
	}
	s := Scratchpad{
		Owner:         owner,
		DataEncoding:  w.DataEncoding,
		EncryptedData: w.EncryptedData,
		Counter:       w.Counter,
		Signature:     sig,
	}
	if err := s.Verify(); err != nil {
		return Scratchpad{}, err
	}
	return s, nil
}
