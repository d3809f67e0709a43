package client

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// RegisterValueSize is the largest value a register holds.
const RegisterValueSize = 32

// maxOrphanSkips bounds how many leftover entries from interrupted updates
// RegisterUpdate adopts before giving up.
const maxOrphanSkips = 16

// RegisterKeyFromName derives the key of the register called name.
func RegisterKeyFromName(owner identity.SecretKey, name string) identity.SecretKey {
	return identity.KeyFromName(owner, name)
}

// successorIndex names the key of the entry that follows prev.
func successorIndex(prev identity.PublicKey) []byte {
	h := blake3.Sum256(prev[:])
	return h[:]
}

func checkRegisterValue(op string, value []byte) error {
	if len(value) > RegisterValueSize {
		return xerrors.Wrap(xerrors.KindPayloadTooLarge, op, "",
			fmt.Errorf("register value is %d bytes, limit %d", len(value), RegisterValueSize))
	}
	return nil
}

// registerEntry signs the history entry owned by entryKey. Each entry
// names its only possible successor as a descendant, so readers can walk
// the chain forward.
func registerEntry(registerKey, entryKey identity.SecretKey, parents []identity.PublicKey, value []byte) record.GraphEntry {
	next := registerKey.PublicKey().DeriveChild(successorIndex(entryKey.PublicKey()))
	return record.NewGraphEntry(entryKey, parents, value, []record.Descendant{{Key: next}})
}

// RegisterCreate writes the first history entry and then the head pointer.
// If the pointer write fails the entry is left behind; calling
// RegisterCreate again with the same value, or letting the journal replay
// the pointer, completes the register.
func (c *Client) RegisterCreate(ctx context.Context, sk identity.SecretKey, value []byte, pay payment.Option) (cost payment.Amount, addr address.RegisterAddress, err error) {
	defer func() { c.observe("register_create", err) }()
	const op = "register.create"
	addr = address.RegisterAddress{Owner: sk.PublicKey()}
	if err := checkRegisterValue(op, value); err != nil {
		return 0, addr, err
	}
	headExists, err := c.PointerExists(ctx, addr.HeadPointer())
	if err != nil {
		return 0, addr, err
	}
	if headExists {
		return 0, addr, xerrors.E(xerrors.KindAlreadyExists, op, addr.Hex())
	}

	root := registerEntry(sk, sk, nil, value)
	entryCost, _, err := c.graphEntryPut(ctx, root, pay)
	if err != nil {
		return 0, addr, err
	}
	head := record.NewPointer(address.HeadPointerKey(sk), 0, root.Address())
	pointerCost, _, err := c.pointerPut(ctx, op, head, pay)
	if err != nil {
		return entryCost, addr, err
	}
	c.log.WithField("address", addr.Hex()).Info("register created")
	return entryCost + pointerCost, addr, nil
}

// RegisterUpdate appends value to the history and moves the head pointer to
// it. The entry is always written before the pointer, so the head never
// names a missing entry.
func (c *Client) RegisterUpdate(ctx context.Context, sk identity.SecretKey, value []byte, pay payment.Option) (cost payment.Amount, err error) {
	defer func() { c.observe("register_update", err) }()
	const op = "register.update"
	if err := checkRegisterValue(op, value); err != nil {
		return 0, err
	}
	addr := address.RegisterAddress{Owner: sk.PublicKey()}
	head, err := c.pointerGet(ctx, addr.HeadPointer())
	if err != nil {
		return 0, err
	}
	target, ok := head.Target.(address.GraphEntryAddress)
	if !ok {
		return 0, xerrors.Wrap(xerrors.KindInvalid, op, addr.Hex(), fmt.Errorf("head targets a %s", head.Target.Kind()))
	}

	current := target.Owner
	var entry record.GraphEntry
	for skips := 0; ; skips++ {
		entryKey := sk.DeriveChild(successorIndex(current))
		entry = registerEntry(sk, entryKey, []identity.PublicKey{current}, value)
		cost, _, err = c.graphEntryPut(ctx, entry, pay)
		if err == nil {
			break
		}
		if !xerrors.Is(err, xerrors.KindAlreadyExists) || skips == maxOrphanSkips {
			return 0, err
		}
		// An earlier update wrote this slot but never moved the head.
		c.log.WithFields(logrus.Fields{"address": addr.Hex(), "entry": entryKey.PublicKey().Hex()}).
			Warn("adopting orphaned register entry")
		current = entryKey.PublicKey()
	}

	next, err := head.Next(address.HeadPointerKey(sk), entry.Address())
	if err != nil {
		return cost, err
	}
	if _, _, err := c.pointerPut(ctx, op, next, nil); err != nil {
		return cost, err
	}
	return cost, nil
}

// RegisterGet returns the value the head pointer currently names.
func (c *Client) RegisterGet(ctx context.Context, addr address.RegisterAddress) (value []byte, err error) {
	defer func() { c.observe("register_get", err) }()
	head, err := c.registerHead(ctx, addr)
	if err != nil {
		return nil, err
	}
	g, err := c.graphEntryGet(ctx, head)
	if err != nil {
		return nil, err
	}
	return g.Content, nil
}

func (c *Client) registerHead(ctx context.Context, addr address.RegisterAddress) (address.GraphEntryAddress, error) {
	p, err := c.pointerGet(ctx, addr.HeadPointer())
	if err != nil {
		return address.GraphEntryAddress{}, err
	}
	target, ok := p.Target.(address.GraphEntryAddress)
	if !ok {
		return address.GraphEntryAddress{}, xerrors.Wrap(xerrors.KindInvalid, "register.head", addr.Hex(),
			fmt.Errorf("head targets a %s", p.Target.Kind()))
	}
	return target, nil
}

// RegisterCost quotes creating the register owned by pk.
func (c *Client) RegisterCost(ctx context.Context, pk identity.PublicKey) (payment.Amount, error) {
	addr := address.RegisterAddress{Owner: pk}
	entry, err := c.store.Cost(ctx, address.KeyOf(addr.GraphRoot()), estimatedRegisterEntrySize)
	if err != nil {
		return 0, err
	}
	head, err := c.store.Cost(ctx, address.KeyOf(addr.HeadPointer()), estimatedPointerSize)
	if err != nil {
		return 0, err
	}
	return entry + head, nil
}

// estimatedRegisterEntrySize covers an entry with one parent, one
// descendant and a full value.
const estimatedRegisterEntrySize = 512

// RegisterHistory walks a register's values from the first to the one the
// head pointer names. It is not safe for concurrent use.
type RegisterHistory struct {
	c    *Client
	addr address.RegisterAddress

	started bool
	done    bool
	head    identity.PublicKey
	next    identity.PublicKey
}

// RegisterHistory returns a cursor over the values of addr. Nothing is
// fetched until the first call to Next.
func (c *Client) RegisterHistory(addr address.RegisterAddress) *RegisterHistory {
	return &RegisterHistory{c: c, addr: addr}
}

// Next returns the next value. ok is false once the head has been
// returned; exhaustion is not an error.
func (h *RegisterHistory) Next(ctx context.Context) (value []byte, ok bool, err error) {
	if h.done {
		return nil, false, nil
	}
	if !h.started {
		head, err := h.c.registerHead(ctx, h.addr)
		if err != nil {
			return nil, false, err
		}
		h.head = head.Owner
		h.next = h.addr.GraphRoot().Owner
		h.started = true
	}
	entry, err := h.c.graphEntryGet(ctx, address.GraphEntryAddress{Owner: h.next})
	if err != nil {
		return nil, false, err
	}
	if h.next == h.head {
		h.done = true
		return entry.Content, true, nil
	}
	want := h.addr.Owner.DeriveChild(successorIndex(h.next))
	if len(entry.Descendants) != 1 || entry.Descendants[0].Key != want {
		return nil, false, xerrors.Wrap(xerrors.KindInvalid, "register.history", h.addr.Hex(),
			fmt.Errorf("entry %s does not link to its successor", h.next.Hex()))
	}
	h.next = want
	return entry.Content, true, nil
}

// Collect drains the cursor and returns every remaining value.
func (h *RegisterHistory) Collect(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		v, ok, err := h.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// Reset rewinds the cursor. The head is looked up again on the next call
// to Next.
func (h *RegisterHistory) Reset() {
	h.started, h.done = false, false
}
