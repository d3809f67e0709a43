package record

import (
	"bytes"
	"fmt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Validator enforces the storage contract for every record kind. Stores
// call Admit with the bytes already held at key (nil if none) and the
// incoming bytes; a false result without error means the write is a
// no-op.
type Validator struct{}

// Admit implements store.Validator.
func (Validator) Admit(key address.Key, existing, incoming []byte) (bool, error) {
	switch key.Kind {
	case address.KindChunk:
		return admitChunk(key, existing, incoming)
	case address.KindPointer:
		return admitPointer(key, existing, incoming)
	case address.KindScratchpad:
		return admitScratchpad(key, existing, incoming)
	case address.KindGraphEntry:
		return admitGraphEntry(key, existing, incoming)
	default:
		return false, xerrors.Wrap(xerrors.KindInvalid, "record.admit", key.String(),
			fmt.Errorf("unknown record kind"))
	}
}

// Version implements store.Versioner for pointers and scratchpads.
func (Validator) Version(key address.Key, data []byte) (uint64, bool) {
	switch key.Kind {
	case address.KindPointer:
		p, err := DecodePointer(data)
		if err != nil || address.KeyOf(p.Address()) != key {
			return 0, false
		}
		return uint64(p.Counter), true
	case address.KindScratchpad:
		s, err := DecodeScratchpad(data)
		if err != nil || address.KeyOf(s.Address()) != key {
			return 0, false
		}
		return s.Counter, true
	default:
		return 0, false
	}
}

func admitChunk(key address.Key, existing, incoming []byte) (bool, error) {
	c := chunk.Chunk{Data: incoming}
	if err := c.Validate(); err != nil {
		return false, err
	}
	if err := chunk.Verify(address.NewChunkAddress(key.Name), incoming); err != nil {
		return false, err
	}
	return existing == nil, nil
}

func admitPointer(key address.Key, existing, incoming []byte) (bool, error) {
	const op = "record.admit_pointer"
	if len(incoming) > MaxPointerSize {
		return false, xerrors.E(xerrors.KindPayloadTooLarge, op, key.String())
	}
	p, err := DecodePointer(incoming)
	if err != nil {
		return false, err
	}
	if err := checkSlot(op, key, address.KeyOf(p.Address())); err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if bytes.Equal(existing, incoming) {
		return false, nil
	}
	current, err := DecodePointer(existing)
	if err != nil {
		// A stored record that no longer verifies is replaced by any valid one.
		return true, nil
	}
	if p.Counter <= current.Counter {
		return false, xerrors.Wrap(xerrors.KindStaleWrite, op, key.String(),
			fmt.Errorf("counter %d does not exceed stored %d", p.Counter, current.Counter))
	}
	return true, nil
}

func admitScratchpad(key address.Key, existing, incoming []byte) (bool, error) {
	const op = "record.admit_scratchpad"
	if len(incoming) > MaxScratchpadSize {
		return false, xerrors.E(xerrors.KindPayloadTooLarge, op, key.String())
	}
	s, err := DecodeScratchpad(incoming)
	if err != nil {
		return false, err
	}
	if err := checkSlot(op, key, address.KeyOf(s.Address())); err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if bytes.Equal(existing, incoming) {
		return false, nil
	}
	current, err := DecodeScratchpad(existing)
	if err != nil {
		return true, nil
	}
	if s.Counter <= current.Counter {
		return false, xerrors.Wrap(xerrors.KindStaleWrite, op, key.String(),
			fmt.Errorf("counter %d does not exceed stored %d", s.Counter, current.Counter))
	}
	return true, nil
}

func admitGraphEntry(key address.Key, existing, incoming []byte) (bool, error) {
	const op = "record.admit_graph"
	if len(incoming) > MaxGraphEntrySize {
		return false, xerrors.E(xerrors.KindPayloadTooLarge, op, key.String())
	}
	g, err := DecodeGraphEntry(incoming)
	if err != nil {
		return false, err
	}
	if err := checkSlot(op, key, address.KeyOf(g.Address())); err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if bytes.Equal(existing, incoming) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindAlreadyExists, op, key.String(),
		fmt.Errorf("graph entries are immutable"))
}

func checkSlot(op string, key, derived address.Key) error {
	if key != derived {
		return xerrors.Wrap(xerrors.KindInvalid, op, key.String(),
			fmt.Errorf("record belongs at %s", derived))
	}
	return nil
}
