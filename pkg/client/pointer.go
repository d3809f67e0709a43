package client

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// estimatedPointerSize is what PointerCost quotes for; encoded pointers
// stay below it.
const estimatedPointerSize = 256

// PointerGet fetches and verifies the pointer at addr.
func (c *Client) PointerGet(ctx context.Context, addr address.PointerAddress) (p record.Pointer, err error) {
	defer func() { c.observe("pointer_get", err) }()
	return c.pointerGet(ctx, addr)
}

func (c *Client) pointerGet(ctx context.Context, addr address.PointerAddress) (record.Pointer, error) {
	data, err := c.get(ctx, address.KeyOf(addr))
	if err != nil {
		return record.Pointer{}, err
	}
	p, err := record.DecodePointer(data)
	if err != nil {
		return record.Pointer{}, err
	}
	if p.Owner != addr.Owner {
		return record.Pointer{}, xerrors.Wrap(xerrors.KindInvalid, "pointer.get", addr.Hex(),
			fmt.Errorf("stored pointer belongs to %s", p.Owner.Hex()))
	}
	return p, nil
}

// PointerExists reports whether a pointer is stored at addr.
func (c *Client) PointerExists(ctx context.Context, addr address.PointerAddress) (bool, error) {
	return c.exists(ctx, address.KeyOf(addr))
}

// PointerPut stores a signed pointer as is.
func (c *Client) PointerPut(ctx context.Context, p record.Pointer, pay payment.Option) (cost payment.Amount, addr address.PointerAddress, err error) {
	defer func() { c.observe("pointer_put", err) }()
	return c.pointerPut(ctx, "pointer.put", p, pay)
}

func (c *Client) pointerPut(ctx context.Context, op string, p record.Pointer, pay payment.Option) (payment.Amount, address.PointerAddress, error) {
	if err := p.Verify(); err != nil {
		return 0, address.PointerAddress{}, err
	}
	data, err := record.EncodePointer(p)
	if err != nil {
		return 0, address.PointerAddress{}, err
	}
	if len(data) > record.MaxPointerSize {
		return 0, address.PointerAddress{}, xerrors.E(xerrors.KindPayloadTooLarge, op, p.Owner.Hex())
	}
	addr := p.Address()
	cost, err := c.putJournaled(ctx, op, address.KeyOf(addr), data, pay)
	if err != nil {
		return 0, address.PointerAddress{}, err
	}
	c.log.WithFields(logrus.Fields{"address": addr.Hex(), "counter": p.Counter}).Debug("pointer stored")
	return cost, addr, nil
}

// PointerCreate stores a new pointer owned by sk at counter 0.
func (c *Client) PointerCreate(ctx context.Context, sk identity.SecretKey, target address.Target, pay payment.Option) (cost payment.Amount, addr address.PointerAddress, err error) {
	defer func() { c.observe("pointer_create", err) }()
	addr = address.PointerAddress{Owner: sk.PublicKey()}
	ok, err := c.PointerExists(ctx, addr)
	if err != nil {
		return 0, addr, err
	}
	if ok {
		return 0, addr, xerrors.E(xerrors.KindAlreadyExists, "pointer.create", addr.Hex())
	}
	return c.pointerPut(ctx, "pointer.create", record.NewPointer(sk, 0, target), pay)
}

// PointerUpdate re-targets the pointer owned by sk at the next counter.
func (c *Client) PointerUpdate(ctx context.Context, sk identity.SecretKey, target address.Target) (err error) {
	defer func() { c.observe("pointer_update", err) }()
	_, err = c.pointerUpdate(ctx, sk, target, nil)
	return err
}

// PointerUpdateFrom is PointerUpdate that fails with KindStaleWrite unless
// the stored pointer is still at expected.
func (c *Client) PointerUpdateFrom(ctx context.Context, sk identity.SecretKey, target address.Target, expected uint32) (err error) {
	defer func() { c.observe("pointer_update", err) }()
	_, err = c.pointerUpdate(ctx, sk, target, &expected)
	return err
}

func (c *Client) pointerUpdate(ctx context.Context, sk identity.SecretKey, target address.Target, expected *uint32) (record.Pointer, error) {
	addr := address.PointerAddress{Owner: sk.PublicKey()}
	current, err := c.pointerGet(ctx, addr)
	if err != nil {
		return record.Pointer{}, err
	}
	if expected != nil && current.Counter != *expected {
		return record.Pointer{}, xerrors.Wrap(xerrors.KindStaleWrite, "pointer.update", addr.Hex(),
			fmt.Errorf("stored counter %d, expected %d", current.Counter, *expected))
	}
	next, err := current.Next(sk, target)
	if err != nil {
		return record.Pointer{}, err
	}
	if _, _, err := c.pointerPut(ctx, "pointer.update", next, nil); err != nil {
		return record.Pointer{}, err
	}
	return next, nil
}

// PointerCost quotes creating the pointer owned by pk.
func (c *Client) PointerCost(ctx context.Context, pk identity.PublicKey) (payment.Amount, error) {
	return c.store.Cost(ctx, address.KeyOf(address.PointerAddress{Owner: pk}), estimatedPointerSize)
}
