package store

import (
	"context"
	"fmt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // if true, writes are mirrored to secondary
	CacheOnRead     bool // if true, immutable reads from secondary are copied into primary
	// Versioner picks the newer copy of a mutable record. Required.
	Versioner Versioner
}

// HybridStore layers a primary (usually local) store over a secondary.
// Immutable kinds are read primary-first since any copy is as good as
// another. Mutable kinds are read from both stores and the copy with the
// higher counter wins, since either side may have missed an update.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary stores.
func NewHybridStore(primary Store, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary store required")
	}
	if secondary == nil {
		return nil, fmt.Errorf("hybrid: secondary store required")
	}
	if opts.Versioner == nil {
		return nil, fmt.Errorf("hybrid: versioner required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

func immutable(kind address.Kind) bool {
	return kind == address.KindChunk || kind == address.KindGraphEntry
}

func (h *HybridStore) Put(ctx context.Context, key address.Key, data []byte, receipt payment.Receipt) error {
	if err := h.primary.Put(ctx, key, data, receipt); err != nil {
		return err
	}
	if h.opts.MirrorSecondary {
		if err := h.secondary.Put(ctx, key, data, receipt); err != nil {
			return err
		}
	}
	return nil
}

func (h *HybridStore) Get(ctx context.Context, key address.Key) ([]byte, error) {
	if !immutable(key.Kind) {
		return h.getLatest(ctx, key)
	}
	data, err := h.primary.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, err
	}
	data, err = h.secondary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if h.opts.CacheOnRead {
		// Best effort: a primary that refuses the copy still served nothing wrong.
		_ = h.primary.Put(ctx, key, data, nil)
	}
	return data, nil
}

// getLatest returns the valid copy with the highest version. Ties go to
// the primary; copies that fail validation are ignored.
func (h *HybridStore) getLatest(ctx context.Context, key address.Key) ([]byte, error) {
	var (
		best    []byte
		version uint64
		found   bool
	)
	for _, s := range []Store{h.primary, h.secondary} {
		data, err := s.Get(ctx, key)
		if xerrors.Is(err, xerrors.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, ok := h.opts.Versioner.Version(key, data)
		if !ok {
			continue
		}
		if !found || v > version {
			best, version, found = data, v, true
		}
	}
	if !found {
		return nil, notFound("hybrid.get", key)
	}
	return best, nil
}

func (h *HybridStore) Exists(ctx context.Context, key address.Key) (bool, error) {
	ok, err := h.primary.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return h.secondary.Exists(ctx, key)
}

// Cost quotes the larger of both stores, since a mirrored write must
// satisfy each.
func (h *HybridStore) Cost(ctx context.Context, key address.Key, size int) (payment.Amount, error) {
	primary, err := h.primary.Cost(ctx, key, size)
	if err != nil {
		return 0, err
	}
	if !h.opts.MirrorSecondary {
		return primary, nil
	}
	secondary, err := h.secondary.Cost(ctx, key, size)
	if err != nil {
		return 0, err
	}
	return max(primary, secondary), nil
}
