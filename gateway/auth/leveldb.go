package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are laid out as
//
//	n/<key>|<timestamp>|<nonce>            -> seen-at unix nanos (big endian)
//	t/<20 digit unix nanos>/<composite>   -> empty, ordered by time for pruning
const (
	nonceKeyPrefix = "n/"
	timeKeyPrefix  = "t/"
)

// LevelDBLedger stores accepted nonces in a local LevelDB database.
type LevelDBLedger struct {
	db *leveldb.DB
}

// OpenLevelDBLedger opens or creates the ledger at path.
func OpenLevelDBLedger(path string) (*LevelDBLedger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("auth: nonce ledger path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce ledger path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce ledger: %w", err)
	}
	return &LevelDBLedger{db: db}, nil
}

// Close releases the database.
func (l *LevelDBLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Claim implements NonceLedger.
func (l *LevelDBLedger) Claim(_ context.Context, nonce Nonce) (bool, error) {
	if nonce.KeyID == "" || nonce.Timestamp == "" || nonce.Value == "" {
		return false, errors.New("auth: incomplete nonce")
	}
	composite := nonce.composite()
	key := []byte(nonceKeyPrefix + composite)
	_, err := l.db.Get(key, nil)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return false, fmt.Errorf("load nonce: %w", err)
	}
	seenAt := nonce.SeenAt.UTC()
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	nanos := seenAt.UnixNano()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(nanos))

	batch := new(leveldb.Batch)
	batch.Put(key, value)
	batch.Put(timeKey(nanos, composite), nil)
	if err := l.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Since implements NonceLedger.
func (l *LevelDBLedger) Since(ctx context.Context, cutoff time.Time) ([]Nonce, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(timeKeyPrefix)), nil)
	defer iter.Release()

	var out []Nonce
	for ok := iter.Seek(timeKey(cutoff.UTC().UnixNano(), "")); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseTimeKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, Nonce{
			KeyID:     parts[0],
			Timestamp: parts[1],
			Value:     parts[2],
			SeenAt:    time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return out, nil
}

// Prune implements NonceLedger.
func (l *LevelDBLedger) Prune(ctx context.Context, cutoff time.Time) error {
	limit := timeKey(cutoff.UTC().UnixNano(), "")
	iter := l.db.NewIterator(util.BytesPrefix([]byte(timeKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		composite, _, ok := parseTimeKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func timeKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", timeKeyPrefix, nanos, composite))
}

func parseTimeKey(key []byte) (string, int64, bool) {
	rest := strings.TrimPrefix(string(key), timeKeyPrefix)
	stamp, composite, ok := strings.Cut(rest, "/")
	if !ok {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}
