// Package payment models the proofs a store requires before accepting new
// records. Token accounting itself happens elsewhere; a Wallet here is a
// local balance that issues proofs.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Amount is a price in atto units.
type Amount uint64

// Quote is the price a store asks to admit a record at Key.
type Quote struct {
	Key   address.Key
	Price Amount
}

// Proof shows that Amount was paid for Key.
type Proof struct {
	Key    address.Key
	Amount Amount
	Payer  string
	ID     string
}

// Receipt maps storage slots to their proofs of payment.
type Receipt map[address.Key]Proof

// Merge adds every proof of other to r. Existing proofs are kept.
func (r Receipt) Merge(other Receipt) {
	for k, p := range other {
		if _, ok := r[k]; !ok {
			r[k] = p
		}
	}
}

// Total sums every proof.
func (r Receipt) Total() Amount {
	var total Amount
	for _, p := range r {
		total += p.Amount
	}
	return total
}

// Covers reports whether r holds a proof for key worth at least price.
func (r Receipt) Covers(key address.Key, price Amount) bool {
	if price == 0 {
		return true
	}
	p, ok := r[key]
	return ok && p.Amount >= price
}

// Option pays for a batch of quotes.
type Option interface {
	Pay(ctx context.Context, quotes []Quote) (Receipt, error)
}

// Wallet is a balance that can pay for storage.
type Wallet struct {
	name    string
	mu      sync.Mutex
	balance Amount
}

// NewWallet returns a wallet holding balance.
func NewWallet(name string, balance Amount) *Wallet {
	return &Wallet{name: name, balance: balance}
}

// Name identifies the payer on proofs.
func (w *Wallet) Name() string { return w.name }

// Balance returns the remaining funds.
func (w *Wallet) Balance() Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Credit adds funds.
func (w *Wallet) Credit(amount Amount) {
	w.mu.Lock()
	w.balance += amount
	w.mu.Unlock()
}

// Pay debits the sum of quotes atomically: either every quote is paid or
// none is.
func (w *Wallet) Pay(ctx context.Context, quotes []Quote) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var total Amount
	for _, q := range quotes {
		total += q.Price
	}
	w.mu.Lock()
	if total > w.balance {
		balance := w.balance
		w.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.KindPayment, "wallet.pay", w.name,
			fmt.Errorf("insufficient funds: need %d, have %d", total, balance))
	}
	w.balance -= total
	w.mu.Unlock()

	receipt := make(Receipt, len(quotes))
	for _, q := range quotes {
		receipt[q.Key] = Proof{Key: q.Key, Amount: q.Price, Payer: w.name, ID: newProofID()}
	}
	return receipt, nil
}

func newProofID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("payment: reading random proof id: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

type walletOption struct{ wallet *Wallet }

// FromWallet pays by debiting w.
func FromWallet(w *Wallet) Option { return walletOption{wallet: w} }

func (o walletOption) Pay(ctx context.Context, quotes []Quote) (Receipt, error) {
	return o.wallet.Pay(ctx, quotes)
}

type receiptOption struct{ receipt Receipt }

// FromReceipt pays with proofs obtained earlier. Quotes the receipt does
// not cover fail with KindPayment.
func FromReceipt(r Receipt) Option { return receiptOption{receipt: r} }

func (o receiptOption) Pay(_ context.Context, quotes []Quote) (Receipt, error) {
	out := make(Receipt, len(quotes))
	for _, q := range quotes {
		if !o.receipt.Covers(q.Key, q.Price) {
			return nil, xerrors.Wrap(xerrors.KindPayment, "receipt.pay", q.Key.String(),
				fmt.Errorf("receipt does not cover price %d", q.Price))
		}
		if p, ok := o.receipt[q.Key]; ok {
			out[q.Key] = p
		}
	}
	return out, nil
}

// Free pays nothing. It suits stores configured without pricing.
var Free Option = receiptOption{receipt: Receipt{}}
