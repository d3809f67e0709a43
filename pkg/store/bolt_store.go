package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

var kindBuckets = []address.Kind{
	address.KindChunk,
	address.KindGraphEntry,
	address.KindPointer,
	address.KindScratchpad,
}

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
	Options
}

// BoltStore keeps records in a single BoltDB file with one bucket per
// record kind. Admission runs inside the write transaction, so concurrent
// writers to one slot are serialised.
type BoltStore struct {
	cfg      BoltConfig
	db       *bolt.DB
	admitter admitter
}

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db, admitter: newAdmitter(cfg.Options)}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range kindBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucketFor(kind)); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", kind, err)
			}
		}
		return nil
	})
}

func bucketFor(kind address.Kind) []byte { return []byte(kind.String()) }

// lookup distinguishes a missing key from one holding an empty value,
// which Bucket.Get cannot.
func lookup(bucket *bolt.Bucket, key address.Key) ([]byte, bool) {
	k, v := bucket.Cursor().Seek(key.Name[:])
	if !bytes.Equal(k, key.Name[:]) {
		return nil, false
	}
	return v, true
}

// Close releases the database file.
func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) Get(ctx context.Context, key address.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFor(key.Kind))
		if bucket == nil {
			return notFound("boltdb.get", key)
		}
		raw, ok := lookup(bucket, key)
		if !ok {
			return notFound("boltdb.get", key)
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), raw...)
		return nil
	})
	return data, err
}

func (b *BoltStore) Put(ctx context.Context, key address.Key, data []byte, receipt payment.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFor(key.Kind))
		if bucket == nil {
			return xerrors.Wrap(xerrors.KindInvalid, "boltdb.put", key.String(), fmt.Errorf("unknown record kind"))
		}
		existing, exists := lookup(bucket, key)
		ok, err := b.admitter.admit(key, existing, exists, data, receipt)
		if err != nil || !ok {
			return err
		}
		return bucket.Put(key.Name[:], data)
	})
}

func (b *BoltStore) Exists(ctx context.Context, key address.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(bucketFor(key.Kind)); bucket != nil {
			_, ok = lookup(bucket, key)
		}
		return nil
	})
	return ok, err
}

func (b *BoltStore) Cost(ctx context.Context, key address.Key, size int) (payment.Amount, error) {
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	return b.admitter.cost(key, size, exists), nil
}

// Stats returns the number of records held per kind.
func (b *BoltStore) Stats() (map[address.Kind]int, error) {
	stats := make(map[address.Kind]int, len(kindBuckets))
	err := b.db.View(func(tx *bolt.Tx) error {
		for _, kind := range kindBuckets {
			stats[kind] = tx.Bucket(bucketFor(kind)).Stats().KeyN
		}
		return nil
	})
	return stats, err
}
