// Package chunk defines the immutable, content-addressed unit of storage.
package chunk

import (
	"fmt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

const (
	// MaxRawSize is the largest plaintext a single chunk may carry before
	// self-encryption.
	MaxRawSize = 4 << 20
	// MaxSize bounds the stored bytes of a chunk. The headroom above
	// MaxRawSize absorbs compression framing and the AEAD tag.
	MaxSize = MaxRawSize + 4<<10
)

// Chunk is a blob whose address is the hash of its bytes.
type Chunk struct {
	Data []byte
}

// New copies data into a chunk.
func New(data []byte) Chunk {
	return Chunk{Data: append([]byte(nil), data...)}
}

// Address returns the content address.
func (c Chunk) Address() address.ChunkAddress {
	return address.ChunkAddressOf(c.Data)
}

// Size returns the stored size in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// IsTooBig reports whether the chunk exceeds MaxSize.
func (c Chunk) IsTooBig() bool { return len(c.Data) > MaxSize }

// Validate rejects oversized chunks.
func (c Chunk) Validate() error {
	if c.IsTooBig() {
		return xerrors.Wrap(xerrors.KindPayloadTooLarge, "chunk.validate", c.Address().Hex(),
			fmt.Errorf("%d bytes exceeds %d", len(c.Data), MaxSize))
	}
	return nil
}

// Verify checks that data hashes to addr.
func Verify(addr address.ChunkAddress, data []byte) error {
	if got := address.ChunkAddressOf(data); got != addr {
		return xerrors.Wrap(xerrors.KindCorruptChunk, "chunk.verify", addr.Hex(),
			fmt.Errorf("content hashes to %s", got.Hex()))
	}
	return nil
}
