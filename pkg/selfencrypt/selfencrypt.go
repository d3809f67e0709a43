// Package selfencrypt splits payloads into encrypted, content-addressed
// chunks and reassembles them.
//
// Each chunk is compressed and sealed under a key and nonce derived from
// the plaintext hashes of itself and its two predecessors (cyclically).
// Identical input always yields identical chunks, so stored data
// deduplicates, while the chunks alone reveal nothing without the data
// map that lists those hashes.
package selfencrypt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/encryption"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

const (
	// DefaultChunkSize is the plaintext size of a full chunk.
	DefaultChunkSize = 1 << 20
	// MinChunks is the chunk count for any payload of at least MinChunks
	// bytes, so every chunk key depends on two others.
	MinChunks = 3
	// DefaultMaxMapSize is the largest serialised data map Pack emits
	// without wrapping it in another level of encryption.
	DefaultMaxMapSize = 64 << 10
	minMaxMapSize     = 1 << 10
)

const (
	keyContext   = "xorstore selfencrypt chunk key v1"
	nonceContext = "xorstore selfencrypt chunk nonce v1"
)

// Options tune encoding and decoding.
type Options struct {
	// ChunkSize caps the plaintext bytes per chunk. Zero means
	// DefaultChunkSize; values above chunk.MaxRawSize are clamped.
	ChunkSize int
	// Compression is applied per chunk before encryption.
	Compression Compression
	// Concurrency bounds parallel chunk work. Zero means 4.
	Concurrency int
	// MaxMapSize bounds the serialised data map returned by Pack.
	MaxMapSize int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > chunk.MaxRawSize {
		o.ChunkSize = chunk.MaxRawSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxMapSize <= 0 {
		o.MaxMapSize = DefaultMaxMapSize
	}
	if o.MaxMapSize < minMaxMapSize {
		o.MaxMapSize = minMaxMapSize
	}
	return o
}

// ChunkInfo describes one encrypted chunk of a payload.
type ChunkInfo struct {
	Index       uint32
	DstHash     address.XorName
	SrcHash     [32]byte
	SrcSize     uint64
	Compression Compression
}

// Address returns where the encrypted chunk is stored.
func (c ChunkInfo) Address() address.ChunkAddress {
	return address.NewChunkAddress(c.DstHash)
}

// DataMap is the ordered list of chunks making up a payload. A map with
// Child > 0 describes the serialised form of a lower-level map rather
// than user data.
type DataMap struct {
	Child  uint32
	Chunks []ChunkInfo
}

// Size returns the plaintext size of the payload.
func (m DataMap) Size() uint64 {
	var total uint64
	for _, c := range m.Chunks {
		total += c.SrcSize
	}
	return total
}

// Addresses lists chunk addresses in map order.
func (m DataMap) Addresses() []address.ChunkAddress {
	out := make([]address.ChunkAddress, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.Address()
	}
	return out
}

// validate bounds what a map read from an untrusted source may claim, so
// decoding never sizes buffers from unchecked input.
func (m DataMap) validate() error {
	const op = "selfencrypt.validate_map"
	var total uint64
	for i, c := range m.Chunks {
		if c.SrcSize > chunk.MaxRawSize {
			return xerrors.Wrap(xerrors.KindInvalid, op, "",
				fmt.Errorf("entry %d claims %d bytes, limit %d", i, c.SrcSize, chunk.MaxRawSize))
		}
		if total+c.SrcSize > math.MaxInt64 {
			return xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("payload size overflows at entry %d", i))
		}
		total += c.SrcSize
	}
	return nil
}

// offsets returns the plaintext offset of every chunk.
func (m DataMap) offsets() []int64 {
	out := make([]int64, len(m.Chunks))
	var off int64
	for i, c := range m.Chunks {
		out[i] = off
		off += int64(c.SrcSize)
	}
	return out
}

// Emitter receives each encrypted chunk. It may be called concurrently.
type Emitter func(ctx context.Context, info ChunkInfo, c chunk.Chunk) error

// Encode self-encrypts data and returns the map and chunks in map order.
func Encode(data []byte, opts Options) (DataMap, []chunk.Chunk, error) {
	chunks := make([]chunk.Chunk, chunkCount(int64(len(data)), opts.withDefaults().ChunkSize))
	dm, err := EncodeReader(context.Background(), bytesReaderAt(data), int64(len(data)), opts,
		func(_ context.Context, info ChunkInfo, c chunk.Chunk) error {
			chunks[info.Index] = c
			return nil
		})
	if err != nil {
		return DataMap{}, nil, err
	}
	return dm, chunks, nil
}

// EncodeReader self-encrypts size bytes from r, handing every chunk to
// emit. It reads r twice: once to hash and once to encrypt.
func EncodeReader(ctx context.Context, r io.ReaderAt, size int64, opts Options, emit Emitter) (DataMap, error) {
	const op = "selfencrypt.encode"
	opts = opts.withDefaults()
	bounds := chunkBounds(size, opts.ChunkSize)

	dm := DataMap{Chunks: make([]ChunkInfo, len(bounds))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, b := range bounds {
		i, b := i, b
		g.Go(func() error {
			plain, err := readRange(r, b)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInternal, op, "", err)
			}
			dm.Chunks[i] = ChunkInfo{Index: uint32(i), SrcHash: blake3.Sum256(plain), SrcSize: uint64(len(plain))}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return DataMap{}, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, b := range bounds {
		i, b := i, b
		g.Go(func() error {
			plain, err := readRange(r, b)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInternal, op, "", err)
			}
			info := &dm.Chunks[i]
			if blake3.Sum256(plain) != info.SrcHash {
				return xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("source changed during encoding"))
			}
			sealed, mode, err := encryptChunk(dm, i, plain, opts.Compression)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInternal, op, "", err)
			}
			c := chunk.Chunk{Data: sealed}
			if err := c.Validate(); err != nil {
				return err
			}
			info.Compression = mode
			info.DstHash = c.Address().XorName
			return emit(gctx, *info, c)
		})
	}
	if err := g.Wait(); err != nil {
		return DataMap{}, err
	}
	return dm, nil
}

type span struct{ off, len int64 }

func chunkCount(size int64, chunkSize int) int {
	switch {
	case size < MinChunks:
		return 1
	default:
		n := int((size + int64(chunkSize) - 1) / int64(chunkSize))
		return max(n, MinChunks)
	}
}

// chunkBounds splits size bytes evenly over chunkCount chunks. Empty input
// still yields one empty chunk so every payload has an address.
func chunkBounds(size int64, chunkSize int) []span {
	n := int64(chunkCount(size, chunkSize))
	out := make([]span, n)
	for i := int64(0); i < n; i++ {
		start, end := i*size/n, (i+1)*size/n
		out[i] = span{off: start, len: end - start}
	}
	return out
}

func readRange(r io.ReaderAt, s span) ([]byte, error) {
	buf := make([]byte, s.len)
	if _, err := io.ReadFull(io.NewSectionReader(r, s.off, s.len), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// chunkSecrets derives the key and nonce of chunk i from the source hashes
// of chunks i, i-1 and i-2.
func chunkSecrets(dm DataMap, i int) (key, nonce []byte) {
	n := len(dm.Chunks)
	material := make([]byte, 0, 3*32+8)
	for _, j := range []int{i, (i + n - 1) % n, (i + n - 2) % n} {
		material = append(material, dm.Chunks[j].SrcHash[:]...)
	}
	material = binary.BigEndian.AppendUint64(material, dm.Chunks[i].SrcSize)
	key = make([]byte, encryption.KeySize)
	nonce = make([]byte, encryption.NonceSize)
	blake3.DeriveKey(keyContext, material, key)
	blake3.DeriveKey(nonceContext, material, nonce)
	return key, nonce
}

func chunkAAD(index uint32, mode Compression) []byte {
	aad := binary.BigEndian.AppendUint32(nil, index)
	return append(aad, byte(mode))
}

func encryptChunk(dm DataMap, i int, plain []byte, mode Compression) ([]byte, Compression, error) {
	packed, applied, err := compress(plain, mode)
	if err != nil {
		return nil, 0, err
	}
	key, nonce := chunkSecrets(dm, i)
	sealed, err := encryption.SealWithNonce(key, nonce, packed, chunkAAD(uint32(i), applied))
	if err != nil {
		return nil, 0, err
	}
	return sealed, applied, nil
}

// decryptChunk verifies and opens chunk i. Every failure is a
// KindCorruptChunk error.
func decryptChunk(dm DataMap, i int, sealed []byte) ([]byte, error) {
	const op = "selfencrypt.decrypt"
	info := dm.Chunks[i]
	addr := info.Address()
	if err := chunk.Verify(addr, sealed); err != nil {
		return nil, err
	}
	key, nonce := chunkSecrets(dm, i)
	packed, err := encryption.OpenWithNonce(key, nonce, sealed, chunkAAD(info.Index, info.Compression))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCorruptChunk, op, addr.Hex(), err)
	}
	plain, err := decompress(packed, info.Compression, int(info.SrcSize))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCorruptChunk, op, addr.Hex(), err)
	}
	if blake3.Sum256(plain) != info.SrcHash {
		return nil, xerrors.Wrap(xerrors.KindCorruptChunk, op, addr.Hex(), fmt.Errorf("source hash mismatch"))
	}
	return plain, nil
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
