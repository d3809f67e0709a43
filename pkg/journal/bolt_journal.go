package journal

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/codec"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

var bucketPending = []byte("pending")

// BoltConfig configures the BoltDB-backed journal.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltJournal persists pending writes in BoltDB.
type BoltJournal struct {
	db *bolt.DB
}

type proofWire struct {
	Kind   uint8  `cbor:"1,keyasint"`
	Name   []byte `cbor:"2,keyasint"`
	Amount uint64 `cbor:"3,keyasint"`
	Payer  string `cbor:"4,keyasint,omitempty"`
	ID     string `cbor:"5,keyasint,omitempty"`
}

type entryWire struct {
	Data      []byte      `cbor:"1,keyasint"`
	Proofs    []proofWire `cbor:"2,keyasint,omitempty"`
	Op        string      `cbor:"3,keyasint,omitempty"`
	Created   int64       `cbor:"4,keyasint"`
	Attempts  int         `cbor:"5,keyasint,omitempty"`
	LastError string      `cbor:"6,keyasint,omitempty"`
}

// NewBoltJournal opens or creates the journal at cfg.Path.
func NewBoltJournal(cfg BoltConfig) (*BoltJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

// Close releases the database file.
func (b *BoltJournal) Close() error { return b.db.Close() }

func entryKey(key address.Key) []byte {
	out := make([]byte, 0, 1+address.XorNameSize)
	out = append(out, byte(key.Kind))
	return append(out, key.Name[:]...)
}

func parseEntryKey(raw []byte) (address.Key, error) {
	if len(raw) != 1+address.XorNameSize {
		return address.Key{}, fmt.Errorf("journal key is %d bytes", len(raw))
	}
	key := address.Key{Kind: address.Kind(raw[0])}
	copy(key.Name[:], raw[1:])
	return key, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	w := entryWire{
		Data:      e.Data,
		Op:        e.Op,
		Created:   e.Created.UnixNano(),
		Attempts:  e.Attempts,
		LastError: e.LastError,
	}
	for _, p := range e.Receipt {
		p := p
		w.Proofs = append(w.Proofs, proofWire{
			Kind:   uint8(p.Key.Kind),
			Name:   p.Key.Name[:],
			Amount: uint64(p.Amount),
			Payer:  p.Payer,
			ID:     p.ID,
		})
	}
	return codec.Marshal(w)
}

func decodeEntry(key address.Key, raw []byte) (Entry, error) {
	var w entryWire
	if err := codec.Unmarshal(raw, &w); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Key:       key,
		Data:      w.Data,
		Op:        w.Op,
		Created:   time.Unix(0, w.Created),
		Attempts:  w.Attempts,
		LastError: w.LastError,
	}
	if len(w.Proofs) > 0 {
		e.Receipt = make(payment.Receipt, len(w.Proofs))
		for _, p := range w.Proofs {
			pk := address.Key{Kind: address.Kind(p.Kind)}
			copy(pk.Name[:], p.Name)
			e.Receipt[pk] = payment.Proof{Key: pk, Amount: payment.Amount(p.Amount), Payer: p.Payer, ID: p.ID}
		}
	}
	return e, nil
}

func (b *BoltJournal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	raw, err := encodeEntry(e)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "journal.record", e.Key.String(), err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(entryKey(e.Key), raw)
	})
}

func (b *BoltJournal) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			key, err := parseEntryKey(k)
			if err != nil {
				return err
			}
			e, err := decodeEntry(key, v)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "journal.pending", key.String(), err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BoltJournal) Complete(ctx context.Context, key address.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(entryKey(key))
	})
}

func (b *BoltJournal) Fail(ctx context.Context, key address.Key, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPending)
		raw := bkt.Get(entryKey(key))
		if raw == nil {
			return xerrors.E(xerrors.KindNotFound, "journal.fail", key.String())
		}
		e, err := decodeEntry(key, raw)
		if err != nil {
			return xerrors.Wrap(xerrors.KindInternal, "journal.fail", key.String(), err)
		}
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		updated, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return bkt.Put(entryKey(key), updated)
	})
}
