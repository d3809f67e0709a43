package client

import (
	"context"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/payment"
)

// ChunkPut stores data as an immutable chunk.
func (c *Client) ChunkPut(ctx context.Context, data []byte, pay payment.Option) (cost payment.Amount, addr address.ChunkAddress, err error) {
	defer func() { c.observe("chunk_put", err) }()
	ch := chunk.New(data)
	if err := ch.Validate(); err != nil {
		return 0, address.ChunkAddress{}, err
	}
	addr = ch.Address()
	cost, err = c.put(ctx, address.KeyOf(addr), ch.Data, pay)
	if err != nil {
		return 0, address.ChunkAddress{}, err
	}
	c.remember(address.KeyOf(addr), ch.Data)
	return cost, addr, nil
}

// ChunkGet fetches and verifies a chunk.
func (c *Client) ChunkGet(ctx context.Context, addr address.ChunkAddress) (ch chunk.Chunk, err error) {
	defer func() { c.observe("chunk_get", err) }()
	data, err := c.FetchChunk(ctx, addr)
	if err != nil {
		return chunk.Chunk{}, err
	}
	return chunk.Chunk{Data: data}, nil
}

// FetchChunk implements selfencrypt.Fetcher over the client's store.
func (c *Client) FetchChunk(ctx context.Context, addr address.ChunkAddress) ([]byte, error) {
	key := address.KeyOf(addr)
	data, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := chunk.Verify(addr, data); err != nil {
		if c.cache != nil {
			c.cache.Delete(key)
		}
		return nil, err
	}
	c.remember(key, data)
	return data, nil
}

// ChunkExists reports whether a chunk is stored.
func (c *Client) ChunkExists(ctx context.Context, addr address.ChunkAddress) (bool, error) {
	return c.exists(ctx, address.KeyOf(addr))
}

// ChunkCost quotes storing data as a chunk.
func (c *Client) ChunkCost(ctx context.Context, data []byte) (payment.Amount, error) {
	return c.store.Cost(ctx, address.KeyOf(address.ChunkAddressOf(data)), len(data))
}
