package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const keyFileSuffix = ".key"

// SaveSecretKey writes sk hex-encoded to dir/name.key with 0600
// permissions, creating dir if needed.
func SaveSecretKey(dir, name string, sk SecretKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	path := filepath.Join(dir, name+keyFileSuffix)
	if err := os.WriteFile(path, []byte(sk.Hex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing secret key: %w", err)
	}
	return nil
}

// LoadSecretKey reads a key written by SaveSecretKey.
func LoadSecretKey(dir, name string) (SecretKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name+keyFileSuffix))
	if err != nil {
		return SecretKey{}, fmt.Errorf("reading secret key: %w", err)
	}
	return ParseSecretKey(strings.TrimSpace(string(raw)))
}

// LoadOrGenerateSecretKey loads dir/name.key, or generates and saves a new
// key if the file does not exist. The boolean reports whether the key was
// newly generated.
func LoadOrGenerateSecretKey(dir, name string) (SecretKey, bool, error) {
	sk, err := LoadSecretKey(dir, name)
	if err == nil {
		return sk, false, nil
	}
	// A present but unreadable file is corruption, not first use.
	if !errors.Is(err, fs.ErrNotExist) {
		return SecretKey{}, false, err
	}
	sk, err = GenerateSecretKey()
	if err != nil {
		return SecretKey{}, false, err
	}
	if err := SaveSecretKey(dir, name, sk); err != nil {
		return SecretKey{}, false, err
	}
	return sk, true, nil
}
