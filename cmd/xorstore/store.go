package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jacktea/xorstore/pkg/encryption"
	"github.com/jacktea/xorstore/pkg/store"
)

type storeOptions struct {
	Root       string
	BoltPath   string
	Encryption encryption.Options
	store.Options
}

// buildStore opens the record store named by kind. The returned close
// function may be nil.
func buildStore(kind string, opts storeOptions) (store.Store, func() error, error) {
	switch strings.ToLower(kind) {
	case "memory":
		return store.NewMemoryStore(opts.Options), nil, nil
	case "", "path":
		if opts.Root == "" {
			return nil, nil, errors.New("path store requires a root directory")
		}
		s, err := store.NewPathStore(opts.Root, store.PathOptions{Options: opts.Options, Encryption: opts.Encryption})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "bolt":
		if opts.BoltPath == "" {
			return nil, nil, errors.New("bolt store requires a database path")
		}
		if opts.Encryption.Enabled() {
			return nil, nil, errors.New("at-rest encryption is only supported by the path store")
		}
		if err := os.MkdirAll(filepath.Dir(opts.BoltPath), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := store.NewBoltStore(store.BoltConfig{Path: opts.BoltPath, Options: opts.Options})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}
