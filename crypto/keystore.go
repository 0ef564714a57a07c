package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SaveKeyFile writes the key as a JSON byte array, the format produced by the
// standard Solana CLI. Parent directories are created with 0700 permissions and
// the file is replaced atomically.
func SaveKeyFile(path string, key *PrivateKey) error {
	if key == nil || len(key.key) == 0 {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty key file path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	values := make([]int, len(key.key))
	for i, b := range key.key {
		values[i] = int(b)
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keyfile-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadKeyFile reads a key from disk in any format ParsePrivateKey accepts.
func LoadKeyFile(path string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("crypto: key file %s: %w", path, err)
	}
	return key, nil
}
