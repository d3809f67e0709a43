package client

import (
	"bytes"
	"context"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/archive"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
)

// ArchivePut stores a private archive as self-encrypted data.
func (c *Client) ArchivePut(ctx context.Context, a *archive.PrivateArchive, pay payment.Option) (cost payment.Amount, handle selfencrypt.DataMapChunk, err error) {
	defer func() { c.observe("archive_put", err) }()
	raw, err := a.ToBytes()
	if err != nil {
		return 0, selfencrypt.DataMapChunk{}, err
	}
	return c.dataPutReader(ctx, bytes.NewReader(raw), int64(len(raw)), pay)
}

// ArchiveGet fetches a private archive.
func (c *Client) ArchiveGet(ctx context.Context, handle selfencrypt.DataMapChunk) (a *archive.PrivateArchive, err error) {
	defer func() { c.observe("archive_get", err) }()
	raw, err := c.dataGet(ctx, handle)
	if err != nil {
		return nil, err
	}
	return archive.PrivateFromBytes(raw)
}

// ArchivePutPublic stores a public archive and returns its address.
func (c *Client) ArchivePutPublic(ctx context.Context, a *archive.PublicArchive, pay payment.Option) (cost payment.Amount, addr address.DataAddress, err error) {
	defer func() { c.observe("archive_put_public", err) }()
	raw, err := a.ToBytes()
	if err != nil {
		return 0, address.DataAddress{}, err
	}
	return c.dataPutPublic(ctx, bytes.NewReader(raw), int64(len(raw)), pay)
}

// ArchiveGetPublic fetches the public archive at addr.
func (c *Client) ArchiveGetPublic(ctx context.Context, addr address.DataAddress) (a *archive.PublicArchive, err error) {
	defer func() { c.observe("archive_get_public", err) }()
	handle, err := c.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	raw, err := c.dataGet(ctx, handle)
	if err != nil {
		return nil, err
	}
	return archive.PublicFromBytes(raw)
}

// ArchiveCost quotes storing a public archive.
func (c *Client) ArchiveCost(ctx context.Context, a *archive.PublicArchive) (payment.Amount, error) {
	raw, err := a.ToBytes()
	if err != nil {
		return 0, err
	}
	return c.DataCost(ctx, raw)
}
