package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/encryption"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// PathOptions configure a PathStore.
type PathOptions struct {
	Options
	// Encryption protects record files at rest.
	Encryption encryption.Options
}

// PathStore persists records on the local filesystem under
// root/<kind>/ab/cd/<name>.
type PathStore struct {
	root     string
	enc      encryption.Options
	admitter admitter

	// mu serialises read-modify-write of a slot within this process.
	mu sync.Mutex
}

// NewPathStore returns a Store rooted at root.
func NewPathStore(root string, opts PathOptions) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := opts.Encryption.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "PathStore.encryption", root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root, enc: opts.Encryption, admitter: newAdmitter(opts.Options)}, nil
}

func (p *PathStore) Get(ctx context.Context, key address.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, exists, err := p.read(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("PathStore.get", key)
	}
	return data, nil
}

// read reports false for an empty slot.
func (p *PathStore) read(key address.Key) ([]byte, bool, error) {
	path := p.pathForKey(key)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.KindInternal, "PathStore.read", path, err)
	}
	data, err := encryption.Decrypt(raw, []byte(key.String()), p.enc)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.KindCorruptChunk, "PathStore.decrypt", path, err)
	}
	return data, true, nil
}

func (p *PathStore) Put(ctx context.Context, key address.Key, data []byte, receipt payment.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, exists, err := p.read(key)
	if err != nil {
		return err
	}
	ok, err := p.admitter.admit(key, existing, exists, data, receipt)
	if err != nil || !ok {
		return err
	}
	payload, err := encryption.Encrypt(data, []byte(key.String()), p.enc)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.encrypt", key.String(), err)
	}
	return p.writeAtomic(p.pathForKey(key), payload)
}

// writeAtomic writes to a temp file and renames it into place so readers
// never observe a partial record.
func (p *PathStore) writeAtomic(finalPath string, payload []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", dir, err)
	}
	file, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.create", dir, err)
	}
	tmpName := file.Name()
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.write", tmpName, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.sync", tmpName, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.close", tmpName, err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.rename", finalPath, err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, key address.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(p.pathForKey(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (p *PathStore) Cost(ctx context.Context, key address.Key, size int) (payment.Amount, error) {
	exists, err := p.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	return p.admitter.cost(key, size, exists), nil
}

func (p *PathStore) pathForKey(key address.Key) string {
	name := key.Name.Hex()
	return filepath.Join(p.root, key.Kind.String(), name[:2], name[2:4], name)
}
