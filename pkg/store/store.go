// Package store defines the record store collaborator and the local
// backends that implement it.
package store

import (
	"context"
	"fmt"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Store holds records by slot. Get returns a KindNotFound error for empty
// slots. Put must leave the slot either unchanged or holding data.
type Store interface {
	Get(ctx context.Context, key address.Key) ([]byte, error)
	Put(ctx context.Context, key address.Key, data []byte, receipt payment.Receipt) error
	Exists(ctx context.Context, key address.Key) (bool, error)
	Cost(ctx context.Context, key address.Key, size int) (payment.Amount, error)
}

// Validator decides whether incoming may replace existing (nil when the
// slot is empty). Returning false without error makes Put a no-op.
type Validator interface {
	Admit(key address.Key, existing, incoming []byte) (bool, error)
}

// Versioner orders copies of a mutable record. Version reports false for
// bytes that are not a valid record for key.
type Versioner interface {
	Version(key address.Key, data []byte) (uint64, bool)
}

// acceptAll overwrites unconditionally.
type acceptAll struct{}

func (acceptAll) Admit(address.Key, []byte, []byte) (bool, error) { return true, nil }

// Pricing quotes the cost of a new record.
type Pricing interface {
	Price(key address.Key, size int) payment.Amount
}

// LinearPricing charges Base plus PerKiB for every started KiB.
type LinearPricing struct {
	Base   payment.Amount
	PerKiB payment.Amount
}

// Price implements Pricing.
func (p LinearPricing) Price(_ address.Key, size int) payment.Amount {
	kib := payment.Amount((size + 1023) / 1024)
	return p.Base + p.PerKiB*kib
}

// Options are shared by every backend.
type Options struct {
	// Validator enforces record rules. Nil accepts and overwrites anything.
	Validator Validator
	// Pricing quotes new records. Nil makes storage free.
	Pricing Pricing
}

type admitter struct {
	validator Validator
	pricing   Pricing
}

func newAdmitter(opts Options) admitter {
	a := admitter{validator: opts.Validator, pricing: opts.Pricing}
	if a.validator == nil {
		a.validator = acceptAll{}
	}
	return a
}

// admit validates before charging so invalid records never cost anything.
// Updates to existing slots are free. exists reports whether the slot is
// occupied, since an occupied slot may hold zero bytes.
func (a admitter) admit(key address.Key, existing []byte, exists bool, incoming []byte, receipt payment.Receipt) (bool, error) {
	if !key.Kind.Valid() {
		return false, xerrors.Wrap(xerrors.KindInvalid, "store.put", key.String(), fmt.Errorf("unknown record kind"))
	}
	if exists && existing == nil {
		existing = []byte{}
	}
	ok, err := a.validator.Admit(key, existing, incoming)
	if err != nil || !ok {
		return false, err
	}
	if !exists {
		price := a.price(key, len(incoming))
		if !receipt.Covers(key, price) {
			return false, xerrors.Wrap(xerrors.KindPayment, "store.put", key.String(),
				fmt.Errorf("no proof of payment covering %d", price))
		}
	}
	return true, nil
}

func (a admitter) price(key address.Key, size int) payment.Amount {
	if a.pricing == nil {
		return 0
	}
	return a.pricing.Price(key, size)
}

// cost quotes key given whether the slot is already occupied.
func (a admitter) cost(key address.Key, size int, exists bool) payment.Amount {
	if exists {
		return 0
	}
	return a.price(key, size)
}

func notFound(op string, key address.Key) error {
	return xerrors.E(xerrors.KindNotFound, op, key.String())
}
