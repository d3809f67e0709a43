package payment

import (
	"context"
	"testing"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

func key(s string) address.Key {
	return address.KeyOf(address.ChunkAddressOf([]byte(s)))
}

func TestWalletPay(t *testing.T) {
	ctx := context.Background()
	w := NewWallet("alice", 100)
	quotes := []Quote{{Key: key("a"), Price: 30}, {Key: key("b"), Price: 20}}
	receipt, err := FromWallet(w).Pay(ctx, quotes)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if w.Balance() != 50 {
		t.Fatalf("balance = %d, want 50", w.Balance())
	}
	if receipt.Total() != 50 || len(receipt) != 2 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if !receipt.Covers(key("a"), 30) || receipt.Covers(key("a"), 31) {
		t.Fatalf("Covers gave wrong answer")
	}

	_, err = w.Pay(ctx, []Quote{{Key: key("c"), Price: 51}})
	if !xerrors.Is(err, xerrors.KindPayment) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if w.Balance() != 50 {
		t.Fatalf("failed payment changed balance")
	}
}

func TestReceiptOption(t *testing.T) {
	ctx := context.Background()
	pre := Receipt{key("a"): {Key: key("a"), Amount: 10}}
	opt := FromReceipt(pre)
	got, err := opt.Pay(ctx, []Quote{{Key: key("a"), Price: 10}, {Key: key("free"), Price: 0}})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("receipt should only contain covered keys, got %d", len(got))
	}
	if _, err := opt.Pay(ctx, []Quote{{Key: key("b"), Price: 1}}); !xerrors.Is(err, xerrors.KindPayment) {
		t.Fatalf("expected payment error, got %v", err)
	}
}

func TestReceiptMerge(t *testing.T) {
	a := Receipt{key("a"): {Amount: 1}}
	a.Merge(Receipt{key("a"): {Amount: 9}, key("b"): {Amount: 2}})
	if a.Total() != 3 {
		t.Fatalf("Total = %d, want 3", a.Total())
	}
}
