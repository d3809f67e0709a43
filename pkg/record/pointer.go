package record

import (
	"fmt"
	"math"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/codec"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// MaxPointerSize bounds an encoded pointer.
const MaxPointerSize = 1 << 10

// Pointer is a mutable, owner-signed reference to another address. Among
// valid versions at one address the highest Counter wins.
type Pointer struct {
	Owner     identity.PublicKey
	Counter   uint32
	Target    address.Target
	Signature identity.Signature
}

// NewPointer signs a pointer at the given counter.
func NewPointer(sk identity.SecretKey, counter uint32, target address.Target) Pointer {
	p := Pointer{Owner: sk.PublicKey(), Counter: counter, Target: target}
	p.Signature = sk.Sign(p.BytesForSignature())
	return p
}

// Address returns where the pointer is stored.
func (p Pointer) Address() address.PointerAddress {
	return address.PointerAddress{Owner: p.Owner}
}

// BytesForSignature returns the signed payload: counter then target.
func (p Pointer) BytesForSignature() []byte {
	b := newSigBuffer(pointerDomain)
	b.writeUint32(p.Counter)
	b.writeBytes(address.TargetBytes(p.Target))
	return b.Bytes()
}

// VerifySignature reports whether the signature matches Owner.
func (p Pointer) VerifySignature() bool {
	if p.Target == nil {
		return false
	}
	return p.Owner.Verify(p.BytesForSignature(), p.Signature)
}

// Verify returns a KindInvalidSignature error when the signature does not
// match.
func (p Pointer) Verify() error {
	if !p.VerifySignature() {
		return xerrors.E(xerrors.KindInvalidSignature, "pointer.verify", p.Owner.Hex())
	}
	return nil
}

// Next returns the pointer re-targeted at counter+1, signed by sk.
func (p Pointer) Next(sk identity.SecretKey, target address.Target) (Pointer, error) {
	if sk.PublicKey() != p.Owner {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalid, "pointer.next", p.Owner.Hex(),
			fmt.Errorf("signing key does not own pointer"))
	}
	if p.Counter == math.MaxUint32 {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalid, "pointer.next", p.Owner.Hex(),
			fmt.Errorf("counter exhausted"))
	}
	return NewPointer(sk, p.Counter+1, target), nil
}

// Size returns the encoded size.
func (p Pointer) Size() int {
	b, err := EncodePointer(p)
	if err != nil {
		return 0
	}
	return len(b)
}

type pointerWire struct {
	_         struct{} `cbor:",toarray"`
	Owner     []byte
	Counter   uint32
	Target    []byte
	Signature []byte
}

// EncodePointer returns the wire form of p.
func EncodePointer(p Pointer) ([]byte, error) {
	if p.Target == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "pointer.encode", p.Owner.Hex())
	}
	return codec.Marshal(pointerWire{
		Owner:     p.Owner[:],
		Counter:   p.Counter,
		Target:    address.TargetBytes(p.Target),
		Signature: p.Signature[:],
	})
}

// DecodePointer parses and verifies a pointer. A pointer whose signature
// does not verify is never returned.
func DecodePointer(data []byte) (Pointer, error) {
	const op = "pointer.decode"
	var w pointerWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	owner, err := identity.PublicKeyFromBytes(w.Owner)
	if err != nil {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	target, err := address.ParseTarget(w.Target)
	if err != nil {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalid, op, owner.Hex(), err)
	}
	sig, err := identity.SignatureFromBytes(w.Signature)
	if err != nil {
		return Pointer{}, xerrors.Wrap(xerrors.KindInvalidSignature, op, owner.Hex(), err)
	}
	p := Pointer{Owner: owner, Counter: w.Counter, Target: target, Signature: sig}
	if err := p.Verify(); err != nil {
		return Pointer{}, err
	}
	return p, nil
}
