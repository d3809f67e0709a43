package selfencrypt

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/codec"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

const dataMapVersion = 1

// maxLevels bounds how deep Pack nests maps. Each level shrinks a map to
// a handful of chunk entries, so this is never reached in practice.
const maxLevels = 8

type chunkInfoWire struct {
	_           struct{} `cbor:",toarray"`
	Index       uint32
	DstHash     []byte
	SrcHash     []byte
	SrcSize     uint64
	Compression uint8
}

type dataMapWire struct {
	_       struct{} `cbor:",toarray"`
	Version uint8
	Child   uint32
	Chunks  []chunkInfoWire
}

// MarshalDataMap serialises m deterministically.
func MarshalDataMap(m DataMap) ([]byte, error) {
	w := dataMapWire{Version: dataMapVersion, Child: m.Child, Chunks: make([]chunkInfoWire, len(m.Chunks))}
	for i, c := range m.Chunks {
		c := c
		w.Chunks[i] = chunkInfoWire{
			Index:       c.Index,
			DstHash:     c.DstHash[:],
			SrcHash:     c.SrcHash[:],
			SrcSize:     c.SrcSize,
			Compression: uint8(c.Compression),
		}
	}
	return codec.Marshal(w)
}

// UnmarshalDataMap parses the output of MarshalDataMap.
func UnmarshalDataMap(data []byte) (DataMap, error) {
	const op = "selfencrypt.unmarshal_map"
	var w dataMapWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return DataMap{}, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	if w.Version != dataMapVersion {
		return DataMap{}, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("unsupported data map version %d", w.Version))
	}
	if len(w.Chunks) == 0 {
		return DataMap{}, xerrors.Wrap(xerrors.KindIncompleteDataMap, op, "", fmt.Errorf("data map lists no chunks"))
	}
	m := DataMap{Child: w.Child, Chunks: make([]ChunkInfo, len(w.Chunks))}
	for i, c := range w.Chunks {
		if c.Index != uint32(i) {
			return DataMap{}, xerrors.Wrap(xerrors.KindIncompleteDataMap, op, "",
				fmt.Errorf("entry %d has index %d", i, c.Index))
		}
		if len(c.DstHash) != address.XorNameSize || len(c.SrcHash) != 32 {
			return DataMap{}, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("entry %d has malformed hashes", i))
		}
		info := ChunkInfo{Index: c.Index, SrcSize: c.SrcSize, Compression: Compression(c.Compression)}
		copy(info.DstHash[:], c.DstHash)
		copy(info.SrcHash[:], c.SrcHash)
		m.Chunks[i] = info
	}
	if err := m.validate(); err != nil {
		return DataMap{}, err
	}
	return m, nil
}

// DataMapChunk is the private handle to self-encrypted data: a serialised
// data map small enough to keep locally or store as a single chunk.
type DataMapChunk struct {
	Data []byte
}

// Address is where the map chunk lives when published; it doubles as the
// public DataAddress.
func (d DataMapChunk) Address() address.ChunkAddress {
	return address.ChunkAddressOf(d.Data)
}

// Chunk returns the map as a storable chunk.
func (d DataMapChunk) Chunk() chunk.Chunk { return chunk.Chunk{Data: d.Data} }

// Hex encodes the handle for sharing out of band.
func (d DataMapChunk) Hex() string { return hex.EncodeToString(d.Data) }

// ParseDataMapChunk decodes the output of Hex.
func ParseDataMapChunk(s string) (DataMapChunk, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return DataMapChunk{}, fmt.Errorf("parsing data map: %w", err)
	}
	return DataMapChunk{Data: b}, nil
}

// Pack serialises m, wrapping it in further self-encryption levels until
// it fits within opts.MaxMapSize. Chunks of the wrapping levels are handed
// to emit; the returned handle is never emitted.
func Pack(ctx context.Context, m DataMap, opts Options, emit Emitter) (DataMapChunk, error) {
	opts = opts.withDefaults()
	for level := 0; ; level++ {
		raw, err := MarshalDataMap(m)
		if err != nil {
			return DataMapChunk{}, xerrors.Wrap(xerrors.KindInternal, "selfencrypt.pack", "", err)
		}
		if len(raw) <= opts.MaxMapSize {
			return DataMapChunk{Data: raw}, nil
		}
		if level == maxLevels {
			return DataMapChunk{}, xerrors.Wrap(xerrors.KindPayloadTooLarge, "selfencrypt.pack", "",
				fmt.Errorf("data map still %d bytes after %d levels", len(raw), level))
		}
		child := m.Child + 1
		m, err = EncodeReader(ctx, bytesReaderAt(raw), int64(len(raw)), opts, emit)
		if err != nil {
			return DataMapChunk{}, err
		}
		m.Child = child
	}
}

// Unpack reverses Pack, fetching wrapped levels as needed, and returns the
// map of the user payload.
func Unpack(ctx context.Context, d DataMapChunk, f Fetcher, opts Options) (DataMap, error) {
	m, err := UnmarshalDataMap(d.Data)
	if err != nil {
		return DataMap{}, err
	}
	for m.Child > 0 {
		raw, err := Decode(ctx, m, f, opts)
		if err != nil {
			return DataMap{}, err
		}
		inner, err := UnmarshalDataMap(raw)
		if err != nil {
			return DataMap{}, err
		}
		if inner.Child != m.Child-1 {
			return DataMap{}, xerrors.Wrap(xerrors.KindInvalid, "selfencrypt.unpack", "",
				fmt.Errorf("level %d wraps level %d", m.Child, inner.Child))
		}
		m = inner
	}
	return m, nil
}

// EncodePacked encodes data and packs its map in one step, returning the
// handle plus every chunk that must be stored.
func EncodePacked(data []byte, opts Options) (DataMapChunk, []chunk.Chunk, error) {
	dm, chunks, err := Encode(data, opts)
	if err != nil {
		return DataMapChunk{}, nil, err
	}
	var mu sync.Mutex
	handle, err := Pack(context.Background(), dm, opts, func(_ context.Context, _ ChunkInfo, c chunk.Chunk) error {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return DataMapChunk{}, nil, err
	}
	return handle, chunks, nil
}
