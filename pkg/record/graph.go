package record

import (
	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/codec"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// MaxGraphEntrySize bounds an encoded graph entry.
const MaxGraphEntrySize = 100 << 10

// Descendant links an entry forward to the key of a future entry.
type Descendant struct {
	Key  identity.PublicKey
	Data []byte
}

// GraphEntry is an append-only node in an owner-signed DAG. Once stored it
// is never updated or deleted.
type GraphEntry struct {
	Owner       identity.PublicKey
	Parents     []identity.PublicKey
	Content     []byte
	Descendants []Descendant
	Signature   identity.Signature
}

// NewGraphEntry signs a new entry. Callers check IsTooBig before storing.
func NewGraphEntry(sk identity.SecretKey, parents []identity.PublicKey, content []byte, descendants []Descendant) GraphEntry {
	g := GraphEntry{
		Owner:       sk.PublicKey(),
		Parents:     parents,
		Content:     content,
		Descendants: descendants,
	}
	g.Signature = sk.Sign(g.BytesForSignature())
	return g
}

// NewGraphEntryWithSignature assembles an entry signed elsewhere. The
// result must still pass Verify.
func NewGraphEntryWithSignature(owner identity.PublicKey, parents []identity.PublicKey, content []byte, descendants []Descendant, sig identity.Signature) GraphEntry {
	return GraphEntry{Owner: owner, Parents: parents, Content: content, Descendants: descendants, Signature: sig}
}

// Address returns where the entry is stored.
func (g GraphEntry) Address() address.GraphEntryAddress {
	return address.GraphEntryAddress{Owner: g.Owner}
}

// BytesForSignature covers every field except the signature itself.
func (g GraphEntry) BytesForSignature() []byte {
	b := newSigBuffer(graphDomain)
	b.Write(g.Owner[:])
	b.writeUint32(uint32(len(g.Parents)))
	for _, p := range g.Parents {
		p := p
		b.Write(p[:])
	}
	b.writeBytes(g.Content)
	b.writeUint32(uint32(len(g.Descendants)))
	for _, d := range g.Descendants {
		d := d
		b.Write(d.Key[:])
		b.writeBytes(d.Data)
	}
	return b.Bytes()
}

// VerifySignature reports whether the signature matches Owner.
func (g GraphEntry) VerifySignature() bool {
	return g.Owner.Verify(g.BytesForSignature(), g.Signature)
}

// Verify returns a KindInvalidSignature error when the signature does not
// match.
func (g GraphEntry) Verify() error {
	if !g.VerifySignature() {
		return xerrors.E(xerrors.KindInvalidSignature, "graph.verify", g.Owner.Hex())
	}
	return nil
}

// Size returns the encoded size.
func (g GraphEntry) Size() int {
	b, err := EncodeGraphEntry(g)
	if err != nil {
		return 0
	}
	return len(b)
}

// IsTooBig reports whether the encoded entry exceeds MaxGraphEntrySize.
func (g GraphEntry) IsTooBig() bool { return g.Size() > MaxGraphEntrySize }

type descendantWire struct {
	_    struct{} `cbor:",toarray"`
	Key  []byte
	Data []byte
}

type graphWire struct {
	_           struct{} `cbor:",toarray"`
	Owner       []byte
	Parents     [][]byte
	Content     []byte
	Descendants []descendantWire
	Signature   []byte
}

// EncodeGraphEntry returns the wire form of g.
func EncodeGraphEntry(g GraphEntry) ([]byte, error) {
	w := graphWire{
		Owner:       g.Owner[:],
		Parents:     make([][]byte, len(g.Parents)),
		Content:     g.Content,
		Descendants: make([]descendantWire, len(g.Descendants)),
		Signature:   g.Signature[:],
	}
	for i := range g.Parents {
		w.Parents[i] = g.Parents[i][:]
	}
	for i, d := range g.Descendants {
		w.Descendants[i] = descendantWire{Key: d.Key.Bytes(), Data: d.Data}
	}
	return codec.Marshal(w)
}

// DecodeGraphEntry parses and verifies a graph entry.
func DecodeGraphEntry(data []byte) (GraphEntry, error) {
	const op = "graph.decode"
	var w graphWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return GraphEntry{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	owner, err := identity.PublicKeyFromBytes(w.Owner)
	if err != nil {
		return GraphEntry{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	g := GraphEntry{Owner: owner, Content: w.Content}
	for _, raw := range w.Parents {
		pk, err := identity.PublicKeyFromBytes(raw)
		if err != nil {
			return GraphEntry{}, xerrors.Wrap(xerrors.KindInvalid, op, owner.Hex(), err)
		}
		g.Parents = append(g.Parents, pk)
	}
	for _, d := range w.Descendants {
		pk, err := identity.PublicKeyFromBytes(d.Key)
		if err != nil {
			return GraphEntry{}, xerrors.Wrap(xerrors.KindInvalid, op, owner.Hex(), err)
		}
		g.Descendants = append(g.Descendants, Descendant{Key: pk, Data: d.Data})
	}
	if g.Signature, err = identity.SignatureFromBytes(w.Signature); err != nil {
		return GraphEntry{}, xerrors.Wrap(xerrors.KindInvalidSignature, op, owner.Hex(), err)
	}
	if err := g.Verify(); err != nil {
		return GraphEntry{}, err
	}
	return g, nil
}
