// Package journal remembers record writes that have not yet been confirmed
// by the store, so they can be re-issued after a crash or a partial failure.
//
// A journal holds at most one entry per storage key; recording a newer
// write for the same key replaces the older one.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Entry is a pending write.
type Entry struct {
	Key     address.Key
	Data    []byte
	Receipt payment.Receipt
	// Op names the operation that queued the write, for logs.
	Op        string
	Created   time.Time
	Attempts  int
	LastError string
}

// Journal persists pending writes.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Pending returns up to limit entries, oldest first. limit <= 0 means
	// no limit.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	// Complete drops the entry for key. Missing keys are not an error.
	Complete(ctx context.Context, key address.Key) error
	// Fail bumps the attempt count of key and remembers err.
	Fail(ctx context.Context, key address.Key, err error) error
}

// MemoryJournal is a Journal that lives in process memory.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[address.Key]Entry
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[address.Key]Entry)}
}

func (m *MemoryJournal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	e.Data = append([]byte(nil), e.Data...)
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryJournal) Complete(ctx context.Context, key address.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Fail(ctx context.Context, key address.Key, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "journal.fail", key.String())
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	m.entries[key] = e
	return nil
}

// Len returns the number of pending entries.
func (m *MemoryJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Created.Before(entries[j].Created)
		}
		return entries[i].Key.String() < entries[j].Key.String()
	})
}
