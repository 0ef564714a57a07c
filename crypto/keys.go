package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrEmptyKey        = errors.New("crypto: empty private key")
	ErrInvalidKeyLen   = errors.New("crypto: private key must be 64 bytes")
	ErrKeyPairMismatch = errors.New("crypto: public half does not match seed")
)

// PrivateKey is an ed25519 signing key. Its secret bytes are never rendered by
// String, JSON or slog; only the public key is shown.
type PrivateKey struct {
	key solana.PrivateKey
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes validates a 64-byte seed||public encoding.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) == 0 {
		return nil, ErrEmptyKey
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLen, len(b))
	}
	derived := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if !bytes.Equal(derived, b) {
		return nil, ErrKeyPairMismatch
	}
	key := make(solana.PrivateKey, len(b))
	copy(key, b)
	return &PrivateKey{key: key}, nil
}

// ParsePrivateKey accepts a base58 string, a JSON byte array, or a
// comma-separated list of byte values.
func ParsePrivateKey(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyKey
	}
	var (
		decoded []byte
		err     error
	)
	switch {
	case strings.HasPrefix(trimmed, "["):
		decoded, err = parseJSONBytes(trimmed)
	case strings.Contains(trimmed, ","):
		decoded, err = parseByteList(trimmed)
	default:
		decoded = base58.Decode(trimmed)
		if len(decoded) == 0 {
			err = errors.New("crypto: invalid base58 private key")
		}
	}
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromBytes(decoded)
}

func parseJSONBytes(raw string) ([]byte, error) {
	var values []int
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("crypto: invalid JSON private key: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("crypto: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseByteList(raw string) ([]byte, error) {
	parts := strings.Split(raw, ",")
	out := make([]byte, 0, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("crypto: byte %d: %w", i, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// PublicKey returns the account address controlled by the key.
func (k *PrivateKey) PublicKey() solana.PublicKey {
	return k.key.PublicKey()
}

// Sign produces an ed25519 signature over message.
func (k *PrivateKey) Sign(message []byte) (solana.Signature, error) {
	if k == nil || len(k.key) == 0 {
		return solana.Signature{}, ErrEmptyKey
	}
	return k.key.Sign(message)
}

func (k *PrivateKey) String() string {
	if k == nil || len(k.key) == 0 {
		return "<nil>"
	}
	return k.PublicKey().String()
}

func (k *PrivateKey) GoString() string {
	return "crypto.PrivateKey{" + k.String() + "}"
}

// LogValue implements slog.LogValuer.
func (k *PrivateKey) LogValue() slog.Value {
	return slog.GroupValue(slog.String("public_key", k.String()))
}

// MarshalJSON renders the public key only.
func (k *PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"publicKey": k.String()})
}
