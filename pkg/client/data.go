package client

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
)

// uploader stores chunks handed over by the encoder and tallies their cost.
type uploader struct {
	c   *Client
	pay payment.Option

	mu     sync.Mutex
	cost   payment.Amount
	chunks int
}

func (u *uploader) emit(ctx context.Context, _ selfencrypt.ChunkInfo, ch chunk.Chunk) error {
	cost, err := u.c.put(ctx, address.KeyOf(ch.Address()), ch.Data, u.pay)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.cost += cost
	u.chunks++
	u.mu.Unlock()
	return nil
}

// dataPutReader self-encrypts size bytes from r, stores every chunk and
// returns the packed private handle.
func (c *Client) dataPutReader(ctx context.Context, r io.ReaderAt, size int64, pay payment.Option) (payment.Amount, selfencrypt.DataMapChunk, error) {
	up := &uploader{c: c, pay: pay}
	dm, err := selfencrypt.EncodeReader(ctx, r, size, c.seOpts, up.emit)
	if err != nil {
		return 0, selfencrypt.DataMapChunk{}, err
	}
	handle, err := selfencrypt.Pack(ctx, dm, c.seOpts, up.emit)
	if err != nil {
		return 0, selfencrypt.DataMapChunk{}, err
	}
	c.log.WithField("chunks", up.chunks).WithField("size", size).Debug("data stored")
	return up.cost, handle, nil
}

// publish stores a private handle as a chunk, making it a public address.
func (c *Client) publish(ctx context.Context, handle selfencrypt.DataMapChunk, pay payment.Option) (payment.Amount, address.DataAddress, error) {
	addr := handle.Address()
	cost, err := c.put(ctx, address.KeyOf(addr), handle.Data, pay)
	if err != nil {
		return 0, address.DataAddress{}, err
	}
	return cost, address.NewDataAddress(addr.XorName), nil
}

// DataPut self-encrypts data and stores its chunks. The returned handle is
// the only way back to the data; it is never stored.
func (c *Client) DataPut(ctx context.Context, data []byte, pay payment.Option) (cost payment.Amount, handle selfencrypt.DataMapChunk, err error) {
	defer func() { c.observe("data_put", err) }()
	return c.dataPutReader(ctx, bytes.NewReader(data), int64(len(data)), pay)
}

// DataGet fetches and decrypts the data behind a private handle.
func (c *Client) DataGet(ctx context.Context, handle selfencrypt.DataMapChunk) (data []byte, err error) {
	defer func() { c.observe("data_get", err) }()
	return c.dataGet(ctx, handle)
}

func (c *Client) dataGet(ctx context.Context, handle selfencrypt.DataMapChunk) ([]byte, error) {
	dm, err := selfencrypt.Unpack(ctx, handle, c, c.seOpts)
	if err != nil {
		return nil, err
	}
	data, err := selfencrypt.Decode(ctx, dm, c, c.seOpts)
	if err != nil {
		return nil, err
	}
	c.metrics.bytesDown.Add(float64(len(data)))
	return data, nil
}

// dataGetTo decrypts the data behind handle straight into w.
func (c *Client) dataGetTo(ctx context.Context, handle selfencrypt.DataMapChunk, w io.WriterAt) (uint64, error) {
	dm, err := selfencrypt.Unpack(ctx, handle, c, c.seOpts)
	if err != nil {
		return 0, err
	}
	if err := selfencrypt.DecodeTo(ctx, dm, c, w, c.seOpts); err != nil {
		return 0, err
	}
	c.metrics.bytesDown.Add(float64(dm.Size()))
	return dm.Size(), nil
}

// DataStream is a resolved payload ready to be written out in order.
type DataStream struct {
	c  *Client
	dm selfencrypt.DataMap
}

// Size is the payload length recorded in the data map.
func (s *DataStream) Size() uint64 { return s.dm.Size() }

// Stream writes the payload to w without holding it in memory.
func (s *DataStream) Stream(ctx context.Context, w io.Writer) (n int64, err error) {
	defer func() { s.c.observe("data_stream", err) }()
	n, err = selfencrypt.DecodeStream(ctx, s.dm, s.c, w, s.c.seOpts)
	s.c.metrics.bytesDown.Add(float64(n))
	return n, err
}

// DataOpen resolves a private handle for streaming.
func (c *Client) DataOpen(ctx context.Context, handle selfencrypt.DataMapChunk) (*DataStream, error) {
	dm, err := selfencrypt.Unpack(ctx, handle, c, c.seOpts)
	if err != nil {
		c.observe("data_open", err)
		return nil, err
	}
	return &DataStream{c: c, dm: dm}, nil
}

// DataOpenPublic resolves the handle stored at addr for streaming.
func (c *Client) DataOpenPublic(ctx context.Context, addr address.DataAddress) (*DataStream, error) {
	handle, err := c.resolve(ctx, addr)
	if err != nil {
		c.observe("data_open", err)
		return nil, err
	}
	return c.DataOpen(ctx, handle)
}

// DataPutPublic stores data and its handle, so anyone holding the returned
// address can read it.
func (c *Client) DataPutPublic(ctx context.Context, data []byte, pay payment.Option) (cost payment.Amount, addr address.DataAddress, err error) {
	defer func() { c.observe("data_put_public", err) }()
	return c.dataPutPublic(ctx, bytes.NewReader(data), int64(len(data)), pay)
}

func (c *Client) dataPutPublic(ctx context.Context, r io.ReaderAt, size int64, pay payment.Option) (payment.Amount, address.DataAddress, error) {
	cost, handle, err := c.dataPutReader(ctx, r, size, pay)
	if err != nil {
		return 0, address.DataAddress{}, err
	}
	handleCost, addr, err := c.publish(ctx, handle, pay)
	if err != nil {
		return cost, address.DataAddress{}, err
	}
	return cost + handleCost, addr, nil
}

// DataGetPublic fetches the handle stored at addr and the data behind it.
func (c *Client) DataGetPublic(ctx context.Context, addr address.DataAddress) (data []byte, err error) {
	defer func() { c.observe("data_get_public", err) }()
	handle, err := c.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c.dataGet(ctx, handle)
}

func (c *Client) resolve(ctx context.Context, addr address.DataAddress) (selfencrypt.DataMapChunk, error) {
	raw, err := c.FetchChunk(ctx, addr.Chunk())
	if err != nil {
		return selfencrypt.DataMapChunk{}, err
	}
	return selfencrypt.DataMapChunk{Data: raw}, nil
}

// DataCost quotes storing data publicly: every chunk plus the handle.
// Chunks already stored are free.
func (c *Client) DataCost(ctx context.Context, data []byte) (payment.Amount, error) {
	handle, chunks, err := selfencrypt.EncodePacked(data, c.seOpts)
	if err != nil {
		return 0, err
	}
	chunks = append(chunks, handle.Chunk())
	return c.quoteChunks(ctx, chunks)
}

func (c *Client) quoteChunks(ctx context.Context, chunks []chunk.Chunk) (payment.Amount, error) {
	seen := make(map[address.Key]bool, len(chunks))
	var total payment.Amount
	for _, ch := range chunks {
		key := address.KeyOf(ch.Address())
		if seen[key] {
			continue
		}
		seen[key] = true
		cost, err := c.store.Cost(ctx, key, len(ch.Data))
		if err != nil {
			return 0, err
		}
		total += cost
	}
	return total, nil
}
