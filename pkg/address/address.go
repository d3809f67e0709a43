package address

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/jacktea/xorstore/pkg/identity"
)

// Kind identifies a record type. Records of different kinds never share a
// storage slot even when their names collide.
type Kind uint8

const (
	KindChunk Kind = iota + 1
	KindGraphEntry
	KindPointer
	KindScratchpad
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindGraphEntry:
		return "graph"
	case KindPointer:
		return "pointer"
	case KindScratchpad:
		return "scratchpad"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool { return k >= KindChunk && k <= KindScratchpad }

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindChunk, KindGraphEntry, KindPointer, KindScratchpad} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown record kind %q", s)
}

// Target is one of ChunkAddress, GraphEntryAddress, PointerAddress or
// ScratchpadAddress. The set is closed.
type Target interface {
	Kind() Kind
	Name() XorName
	Hex() string
	isTarget()
}

// ChunkAddress locates an immutable chunk.
type ChunkAddress struct{ XorName }

// NewChunkAddress wraps a content name.
func NewChunkAddress(name XorName) ChunkAddress { return ChunkAddress{name} }

// ChunkAddressOf hashes data.
func ChunkAddressOf(data []byte) ChunkAddress { return ChunkAddress{FromContent(data)} }

// ParseChunkAddress parses a hex chunk address.
func ParseChunkAddress(s string) (ChunkAddress, error) {
	name, err := ParseXorName(s)
	return ChunkAddress{name}, err
}

func (ChunkAddress) Kind() Kind      { return KindChunk }
func (a ChunkAddress) Name() XorName { return a.XorName }
func (ChunkAddress) isTarget()       {}

// CID renders the address as a CIDv1 with the raw codec and a BLAKE3
// multihash, for tools that speak content identifiers.
func (a ChunkAddress) CID() (cid.Cid, error) {
	mh, err := multihash.Encode(a.XorName[:], multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash.Multihash(mh)), nil
}

// ChunkAddressFromCID is the inverse of ChunkAddress.CID.
func ChunkAddressFromCID(c cid.Cid) (ChunkAddress, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return ChunkAddress{}, fmt.Errorf("decoding multihash: %w", err)
	}
	if decoded.Code != multihash.BLAKE3 || len(decoded.Digest) != XorNameSize {
		return ChunkAddress{}, fmt.Errorf("cid %s does not carry a 32-byte blake3 digest", c)
	}
	var name XorName
	copy(name[:], decoded.Digest)
	return ChunkAddress{name}, nil
}

// DataAddress is the handle of publicly stored data: the address of the
// chunk holding its data map.
type DataAddress struct{ XorName }

// NewDataAddress wraps the name of a data map chunk.
func NewDataAddress(name XorName) DataAddress { return DataAddress{name} }

// ParseDataAddress parses a hex data address.
func ParseDataAddress(s string) (DataAddress, error) {
	name, err := ParseXorName(s)
	return DataAddress{name}, err
}

// Chunk returns the address of the data map chunk.
func (a DataAddress) Chunk() ChunkAddress { return ChunkAddress(a) }

// GraphEntryAddress locates the graph entry owned by Owner.
type GraphEntryAddress struct{ Owner identity.PublicKey }

func (GraphEntryAddress) Kind() Kind      { return KindGraphEntry }
func (a GraphEntryAddress) Name() XorName { return FromOwner(a.Owner) }
func (a GraphEntryAddress) Hex() string   { return a.Owner.Hex() }
func (GraphEntryAddress) isTarget()       {}

// PointerAddress locates the pointer owned by Owner.
type PointerAddress struct{ Owner identity.PublicKey }

func (PointerAddress) Kind() Kind      { return KindPointer }
func (a PointerAddress) Name() XorName { return FromOwner(a.Owner) }
func (a PointerAddress) Hex() string   { return a.Owner.Hex() }
func (PointerAddress) isTarget()       {}

// ScratchpadAddress locates the scratchpad owned by Owner.
type ScratchpadAddress struct{ Owner identity.PublicKey }

func (ScratchpadAddress) Kind() Kind      { return KindScratchpad }
func (a ScratchpadAddress) Name() XorName { return FromOwner(a.Owner) }
func (a ScratchpadAddress) Hex() string   { return a.Owner.Hex() }
func (ScratchpadAddress) isTarget()       {}

// registerHeadIndex derives the head pointer key from a register key.
var registerHeadIndex = []byte("register-head")

// RegisterAddress identifies a register by the public key of its root
// graph entry.
type RegisterAddress struct{ Owner identity.PublicKey }

// GraphRoot returns the address of the first entry in the history.
func (a RegisterAddress) GraphRoot() GraphEntryAddress {
	return GraphEntryAddress{Owner: a.Owner}
}

// HeadPointer returns the address of the pointer tracking the latest entry.
func (a RegisterAddress) HeadPointer() PointerAddress {
	return PointerAddress{Owner: a.Owner.DeriveChild(registerHeadIndex)}
}

// HeadPointerKey derives the secret key owning the head pointer.
func HeadPointerKey(registerKey identity.SecretKey) identity.SecretKey {
	return registerKey.DeriveChild(registerHeadIndex)
}

func (a RegisterAddress) Hex() string { return a.Owner.Hex() }

// ParseOwner parses the hex owner key shared by all owner-addressed types.
func ParseOwner(s string) (identity.PublicKey, error) {
	return identity.ParsePublicKey(s)
}

// TargetBytes encodes t as a kind tag followed by its key material. The
// layout is part of the pointer signature and must not change.
func TargetBytes(t Target) []byte {
	switch v := t.(type) {
	case ChunkAddress:
		return append([]byte{byte(KindChunk)}, v.XorName[:]...)
	case GraphEntryAddress:
		return append([]byte{byte(KindGraphEntry)}, v.Owner[:]...)
	case PointerAddress:
		return append([]byte{byte(KindPointer)}, v.Owner[:]...)
	case ScratchpadAddress:
		return append([]byte{byte(KindScratchpad)}, v.Owner[:]...)
	default:
		panic(fmt.Sprintf("address: unknown target %T", t))
	}
}

// ParseTarget decodes the output of TargetBytes.
func ParseTarget(raw []byte) (Target, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty target")
	}
	kind, body := Kind(raw[0]), raw[1:]
	if kind == KindChunk {
		if len(body) != XorNameSize {
			return nil, fmt.Errorf("chunk target is %d bytes, want %d", len(body), XorNameSize)
		}
		var name XorName
		copy(name[:], body)
		return ChunkAddress{name}, nil
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown target kind %d", raw[0])
	}
	owner, err := identity.PublicKeyFromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("target owner: %w", err)
	}
	return ownedTarget(kind, owner), nil
}

func ownedTarget(kind Kind, owner identity.PublicKey) Target {
	switch kind {
	case KindGraphEntry:
		return GraphEntryAddress{Owner: owner}
	case KindPointer:
		return PointerAddress{Owner: owner}
	default:
		return ScratchpadAddress{Owner: owner}
	}
}

// FormatTarget renders t as "kind:hex".
func FormatTarget(t Target) string {
	return t.Kind().String() + ":" + t.Hex()
}

// ParseTargetString parses the output of FormatTarget.
func ParseTargetString(s string) (Target, error) {
	kindName, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("target %q is not kind:hex", s)
	}
	kind, err := ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("parsing target: %w", err)
	}
	return ParseTarget(append([]byte{byte(kind)}, raw...))
}

// Key identifies a storage slot.
type Key struct {
	Kind Kind
	Name XorName
}

// KeyOf returns the slot t resolves to.
func KeyOf(t Target) Key { return Key{Kind: t.Kind(), Name: t.Name()} }

func (k Key) String() string { return k.Kind.String() + "/" + k.Name.Hex() }
