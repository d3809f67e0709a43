package record

import (
	"bytes"
	"encoding/binary"
)

// Domain tags prefix every signed payload so a signature over one record
// type can never be replayed as another.
const (
	pointerDomain    = "xorstore.pointer.v1"
	scratchpadDomain = "xorstore.scratchpad.v1"
	graphDomain      = "xorstore.graph.v1"
)

// sigBuffer lays out signed payloads: big-endian integers and u32 length
// prefixes on every variable-length field.
type sigBuffer struct {
	bytes.Buffer
}

func newSigBuffer(domain string) *sigBuffer {
	b := &sigBuffer{}
	b.writeBytes([]byte(domain))
	return b
}

func (b *sigBuffer) writeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func (b *sigBuffer) writeUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func (b *sigBuffer) writeBytes(p []byte) {
	b.writeUint32(uint32(len(p)))
	b.Write(p)
}
