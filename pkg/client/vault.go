package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

var vaultIndex = []byte("vault")

// VaultKey derives the key owning the vault scratchpad of sk.
func VaultKey(sk identity.SecretKey) identity.SecretKey {
	return sk.DeriveChild(vaultIndex)
}

// ContentType derives a vault content type from a name, so unrelated
// applications sharing a vault do not misread each other's payloads.
func ContentType(name string) uint64 {
	h := blake3.Sum256([]byte(name))
	return binary.BigEndian.Uint64(h[:8])
}

// UserDataContentType marks a vault holding UserData.
var UserDataContentType = ContentType("xorstore user data")

// VaultWrite stores data in the vault of sk, creating the vault on first
// use. Only the first write is paid for.
func (c *Client) VaultWrite(ctx context.Context, sk identity.SecretKey, contentType uint64, data []byte, pay payment.Option) (cost payment.Amount, err error) {
	defer func() { c.observe("vault_write", err) }()
	const op = "vault.write"
	if len(data) > record.MaxScratchpadData {
		return 0, xerrors.Wrap(xerrors.KindPayloadTooLarge, op, "",
			fmt.Errorf("%d bytes exceeds vault capacity %d", len(data), record.MaxScratchpadData))
	}
	vk := VaultKey(sk)
	addr := address.ScratchpadAddress{Owner: vk.PublicKey()}
	current, err := c.scratchpadGet(ctx, addr)
	switch {
	case xerrors.Is(err, xerrors.KindNotFound):
		s, err := record.NewScratchpad(vk, contentType, data, 0)
		if err != nil {
			return 0, err
		}
		cost, _, err = c.scratchpadPut(ctx, op, s, pay)
		return cost, err
	case err != nil:
		return 0, err
	}
	next, err := current.Next(vk, contentType, data)
	if err != nil {
		return 0, err
	}
	_, _, err = c.scratchpadPut(ctx, op, next, nil)
	return 0, err
}

// VaultFetch returns the decrypted vault content of sk and its content
// type.
func (c *Client) VaultFetch(ctx context.Context, sk identity.SecretKey) (data []byte, contentType uint64, err error) {
	defer func() { c.observe("vault_fetch", err) }()
	vk := VaultKey(sk)
	s, err := c.scratchpadGet(ctx, address.ScratchpadAddress{Owner: vk.PublicKey()})
	if err != nil {
		return nil, 0, err
	}
	data, err = s.DecryptData(vk)
	if err != nil {
		return nil, 0, err
	}
	return data, s.DataEncoding, nil
}

// VaultCost quotes creating the vault of pk holding up to size bytes.
func (c *Client) VaultCost(ctx context.Context, pk identity.PublicKey, size int) (payment.Amount, error) {
	return c.ScratchpadCost(ctx, pk.DeriveChild(vaultIndex), size)
}

// UserData indexes what a user has stored, keyed by hex address or handle
// with a display name as value.
type UserData struct {
	_msgpack struct{} `msgpack:",as_array"`

	FileArchives        map[string]string
	PrivateFileArchives map[string]string
	Registers           map[string]string
}

// AddFileArchive records a public archive.
func (u *UserData) AddFileArchive(addr address.DataAddress, name string) {
	if u.FileArchives == nil {
		u.FileArchives = make(map[string]string)
	}
	u.FileArchives[addr.Hex()] = name
}

// AddPrivateFileArchive records the handle of a private archive.
func (u *UserData) AddPrivateFileArchive(handle string, name string) {
	if u.PrivateFileArchives == nil {
		u.PrivateFileArchives = make(map[string]string)
	}
	u.PrivateFileArchives[handle] = name
}

// AddRegister records a register.
func (u *UserData) AddRegister(addr address.RegisterAddress, name string) {
	if u.Registers == nil {
		u.Registers = make(map[string]string)
	}
	u.Registers[addr.Hex()] = name
}

// Marshal encodes u with map keys sorted, so equal data encodes equally.
func (u *UserData) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(u); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "userdata.marshal", "", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalUserData parses the output of Marshal.
func UnmarshalUserData(data []byte) (UserData, error) {
	var u UserData
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return UserData{}, xerrors.Wrap(xerrors.KindInvalid, "userdata.unmarshal", "", err)
	}
	return u, nil
}

// UserDataPut stores u in the vault of sk.
func (c *Client) UserDataPut(ctx context.Context, sk identity.SecretKey, u UserData, pay payment.Option) (payment.Amount, error) {
	raw, err := u.Marshal()
	if err != nil {
		return 0, err
	}
	return c.VaultWrite(ctx, sk, UserDataContentType, raw, pay)
}

// UserDataGet reads the UserData in the vault of sk.
func (c *Client) UserDataGet(ctx context.Context, sk identity.SecretKey) (UserData, error) {
	raw, contentType, err := c.VaultFetch(ctx, sk)
	if err != nil {
		return UserData{}, err
	}
	if contentType != UserDataContentType {
		return UserData{}, xerrors.Wrap(xerrors.KindInvalid, "userdata.get", "",
			fmt.Errorf("vault holds content type %d", contentType))
	}
	return UnmarshalUserData(raw)
}
