package client

import (
	"context"
	"fmt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// GraphEntryGet fetches and verifies the entry at addr.
func (c *Client) GraphEntryGet(ctx context.Context, addr address.GraphEntryAddress) (g record.GraphEntry, err error) {
	defer func() { c.observe("graph_get", err) }()
	return c.graphEntryGet(ctx, addr)
}

func (c *Client) graphEntryGet(ctx context.Context, addr address.GraphEntryAddress) (record.GraphEntry, error) {
	key := address.KeyOf(addr)
	data, err := c.get(ctx, key)
	if err != nil {
		return record.GraphEntry{}, err
	}
	g, err := record.DecodeGraphEntry(data)
	if err != nil {
		if c.cache != nil {
			c.cache.Delete(key)
		}
		return record.GraphEntry{}, err
	}
	if g.Owner != addr.Owner {
		return record.GraphEntry{}, xerrors.Wrap(xerrors.KindInvalid, "graph.get", addr.Hex(),
			fmt.Errorf("stored entry belongs to %s", g.Owner.Hex()))
	}
	c.remember(key, data)
	return g, nil
}

// GraphEntryExists reports whether an entry is stored at addr.
func (c *Client) GraphEntryExists(ctx context.Context, addr address.GraphEntryAddress) (bool, error) {
	return c.exists(ctx, address.KeyOf(addr))
}

// GraphEntryPut stores a signed entry. Entries are write-once: a different
// entry at the same address fails with KindAlreadyExists, while re-storing
// an identical one succeeds.
func (c *Client) GraphEntryPut(ctx context.Context, g record.GraphEntry, pay payment.Option) (cost payment.Amount, addr address.GraphEntryAddress, err error) {
	defer func() { c.observe("graph_put", err) }()
	return c.graphEntryPut(ctx, g, pay)
}

func (c *Client) graphEntryPut(ctx context.Context, g record.GraphEntry, pay payment.Option) (payment.Amount, address.GraphEntryAddress, error) {
	if err := g.Verify(); err != nil {
		return 0, address.GraphEntryAddress{}, err
	}
	data, err := record.EncodeGraphEntry(g)
	if err != nil {
		return 0, address.GraphEntryAddress{}, err
	}
	if len(data) > record.MaxGraphEntrySize {
		return 0, address.GraphEntryAddress{}, xerrors.E(xerrors.KindPayloadTooLarge, "graph.put", g.Owner.Hex())
	}
	addr := g.Address()
	key := address.KeyOf(addr)
	cost, err := c.put(ctx, key, data, pay)
	if err != nil {
		return 0, address.GraphEntryAddress{}, err
	}
	c.remember(key, data)
	return cost, addr, nil
}

// GraphEntryCost quotes storing an entry owned by pk of roughly size
// encoded bytes.
func (c *Client) GraphEntryCost(ctx context.Context, pk identity.PublicKey, size int) (payment.Amount, error) {
	return c.store.Cost(ctx, address.KeyOf(address.GraphEntryAddress{Owner: pk}), size)
}
