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

// ScratchpadGet fetches and verifies the scratchpad at addr. The payload
// stays encrypted; see record.Scratchpad.DecryptData.
func (c *Client) ScratchpadGet(ctx context.Context, addr address.ScratchpadAddress) (s record.Scratchpad, err error) {
	defer func() { c.observe("scratchpad_get", err) }()
	return c.scratchpadGet(ctx, addr)
}

// ScratchpadGetFromPublicKey fetches the scratchpad owned by pk.
func (c *Client) ScratchpadGetFromPublicKey(ctx context.Context, pk identity.PublicKey) (record.Scratchpad, error) {
	return c.ScratchpadGet(ctx, address.ScratchpadAddress{Owner: pk})
}

func (c *Client) scratchpadGet(ctx context.Context, addr address.ScratchpadAddress) (record.Scratchpad, error) {
	data, err := c.get(ctx, address.KeyOf(addr))
	if err != nil {
		return record.Scratchpad{}, err
	}
	s, err := record.DecodeScratchpad(data)
	if err != nil {
		return record.Scratchpad{}, err
	}
	if s.Owner != addr.Owner {
		return record.Scratchpad{}, xerrors.Wrap(xerrors.KindInvalid, "scratchpad.get", addr.Hex(),
			fmt.Errorf("stored scratchpad belongs to %s", s.Owner.Hex()))
	}
	return s, nil
}

// ScratchpadExists reports whether a scratchpad is stored at addr.
func (c *Client) ScratchpadExists(ctx context.Context, addr address.ScratchpadAddress) (bool, error) {
	return c.exists(ctx, address.KeyOf(addr))
}

// ScratchpadPut stores a signed scratchpad as is.
func (c *Client) ScratchpadPut(ctx context.Context, s record.Scratchpad, pay payment.Option) (cost payment.Amount, addr address.ScratchpadAddress, err error) {
	defer func() { c.observe("scratchpad_put", err) }()
	return c.scratchpadPut(ctx, "scratchpad.put", s, pay)
}

func (c *Client) scratchpadPut(ctx context.Context, op string, s record.Scratchpad, pay payment.Option) (payment.Amount, address.ScratchpadAddress, error) {
	if err := s.Verify(); err != nil {
		return 0, address.ScratchpadAddress{}, err
	}
	data, err := record.EncodeScratchpad(s)
	if err != nil {
		return 0, address.ScratchpadAddress{}, err
	}
	if len(data) > record.MaxScratchpadSize {
		return 0, address.ScratchpadAddress{}, xerrors.E(xerrors.KindPayloadTooLarge, op, s.Owner.Hex())
	}
	addr := s.Address()
	cost, err := c.putJournaled(ctx, op, address.KeyOf(addr), data, pay)
	if err != nil {
		return 0, address.ScratchpadAddress{}, err
	}
	return cost, addr, nil
}

// ScratchpadCreate encrypts data to sk and stores it at counter 0.
func (c *Client) ScratchpadCreate(ctx context.Context, sk identity.SecretKey, encoding uint64, data []byte, pay payment.Option) (cost payment.Amount, addr address.ScratchpadAddress, err error) {
	defer func() { c.observe("scratchpad_create", err) }()
	addr = address.ScratchpadAddress{Owner: sk.PublicKey()}
	ok, err := c.ScratchpadExists(ctx, addr)
	if err != nil {
		return 0, addr, err
	}
	if ok {
		return 0, addr, xerrors.E(xerrors.KindAlreadyExists, "scratchpad.create", addr.Hex())
	}
	s, err := record.NewScratchpad(sk, encoding, data, 0)
	if err != nil {
		return 0, addr, err
	}
	return c.scratchpadPut(ctx, "scratchpad.create", s, pay)
}

// ScratchpadUpdate replaces the payload of the scratchpad owned by sk.
func (c *Client) ScratchpadUpdate(ctx context.Context, sk identity.SecretKey, encoding uint64, data []byte) (err error) {
	defer func() { c.observe("scratchpad_update", err) }()
	return c.scratchpadUpdate(ctx, sk, encoding, data, nil)
}

// ScratchpadUpdateFrom is ScratchpadUpdate that fails with KindStaleWrite
// unless the stored scratchpad is still at expected.
func (c *Client) ScratchpadUpdateFrom(ctx context.Context, sk identity.SecretKey, encoding uint64, data []byte, expected uint64) (err error) {
	defer func() { c.observe("scratchpad_update", err) }()
	return c.scratchpadUpdate(ctx, sk, encoding, data, &expected)
}

func (c *Client) scratchpadUpdate(ctx context.Context, sk identity.SecretKey, encoding uint64, data []byte, expected *uint64) error {
	addr := address.ScratchpadAddress{Owner: sk.PublicKey()}
	current, err := c.scratchpadGet(ctx, addr)
	if err != nil {
		return err
	}
	if expected != nil && current.Counter != *expected {
		return xerrors.Wrap(xerrors.KindStaleWrite, "scratchpad.update", addr.Hex(),
			fmt.Errorf("stored counter %d, expected %d", current.Counter, *expected))
	}
	next, err := current.Next(sk, encoding, data)
	if err != nil {
		return err
	}
	_, _, err = c.scratchpadPut(ctx, "scratchpad.update", next, nil)
	return err
}

// ScratchpadCost quotes creating the scratchpad owned by pk holding size
// bytes of payload.
func (c *Client) ScratchpadCost(ctx context.Context, pk identity.PublicKey, size int) (payment.Amount, error) {
	return c.store.Cost(ctx, address.KeyOf(address.ScratchpadAddress{Owner: pk}), size+estimatedPointerSize)
}
