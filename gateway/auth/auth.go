package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderKeyID names the merchant API key used to sign the request.
	HeaderKeyID = "X-Payrelay-Key"
	// HeaderTimestamp carries the signing time in unix seconds.
	HeaderTimestamp = "X-Payrelay-Timestamp"
	// HeaderNonce is unique per key within the nonce window.
	HeaderNonce = "X-Payrelay-Nonce"
	// HeaderSignature is the hex encoded HMAC-SHA256 over the canonical request.
	HeaderSignature = "X-Payrelay-Signature"
	// MaxSignedBody bounds the body hashed during verification.
	MaxSignedBody = 1 << 20

	maxTimestampSkew     = 5 * time.Minute
	defaultTimestampSkew = 2 * time.Minute
	maxNonceTTL          = 30 * time.Minute
	defaultNonceTTL      = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	ledgerPruneInterval  = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing signing headers")
	ErrUnknownKey         = errors.New("auth: unknown api key")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed window")
	ErrBadSignature       = errors.New("auth: signature mismatch")
	ErrReplayedNonce      = errors.New("auth: nonce already used")
	ErrBodyTooLarge       = errors.New("auth: request body too large")
)

// Key is a merchant API credential. An empty Merchants list lets the key issue
// requests for any merchant.
type Key struct {
	Secret    string
	Merchants []string
}

// Principal identifies the key that signed a request.
type Principal struct {
	KeyID     string
	merchants map[string]struct{}
}

// MayIssueFor reports whether the key is scoped to the merchant address.
func (p *Principal) MayIssueFor(merchant string) bool {
	if p == nil {
		return false
	}
	if len(p.merchants) == 0 {
		return true
	}
	_, ok := p.merchants[strings.TrimSpace(merchant)]
	return ok
}

// Nonce is one accepted (key, timestamp, nonce) triple.
type Nonce struct {
	KeyID     string
	Timestamp string
	Value     string
	SeenAt    time.Time
}

func (n Nonce) composite() string {
	return n.KeyID + "|" + n.Timestamp + "|" + n.Value
}

// NonceLedger persists accepted nonces so replays are refused across restarts.
type NonceLedger interface {
	// Claim records the nonce and reports whether it had been seen before.
	Claim(ctx context.Context, nonce Nonce) (bool, error)
	Since(ctx context.Context, cutoff time.Time) ([]Nonce, error)
	Prune(ctx context.Context, cutoff time.Time) error
}

// Config tunes a Verifier. Zero values pick defaults; oversized windows are
// clamped.
type Config struct {
	Keys          map[string]Key
	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
}

// Verifier checks HMAC signed merchant API requests.
type Verifier struct {
	keys     map[string]keyEntry
	skew     time.Duration
	nonceTTL time.Duration
	capacity int
	now      func() time.Time
	ledger   NonceLedger

	mu         sync.Mutex
	recent     map[string]*nonceCache
	lastPruned time.Time
}

type keyEntry struct {
	secret    []byte
	merchants map[string]struct{}
}

// NewVerifier builds a verifier over the configured keys. ledger may be nil,
// in which case replay protection lasts for the process lifetime only.
func NewVerifier(cfg Config, ledger NonceLedger) *Verifier {
	keys := make(map[string]keyEntry, len(cfg.Keys))
	for id, key := range cfg.Keys {
		id = strings.TrimSpace(id)
		secret := strings.TrimSpace(key.Secret)
		if id == "" || secret == "" {
			continue
		}
		entry := keyEntry{secret: []byte(secret), merchants: map[string]struct{}{}}
		for _, m := range key.Merchants {
			if m = strings.TrimSpace(m); m != "" {
				entry.merchants[m] = struct{}{}
			}
		}
		keys[id] = entry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	skew := cfg.TimestampSkew
	switch {
	case skew <= 0:
		skew = defaultTimestampSkew
	case skew > maxTimestampSkew:
		skew = maxTimestampSkew
	}
	ttl := cfg.NonceTTL
	switch {
	case ttl <= 0:
		ttl = defaultNonceTTL
	case ttl > maxNonceTTL:
		ttl = maxNonceTTL
	}
	// A nonce must outlive every timestamp that could still be accepted.
	if ttl < 2*skew {
		ttl = 2 * skew
	}
	capacity := cfg.NonceCapacity
	switch {
	case capacity <= 0:
		capacity = defaultNonceCapacity
	case capacity > maxNonceCapacity:
		capacity = maxNonceCapacity
	}
	return &Verifier{
		keys:     keys,
		skew:     skew,
		nonceTTL: ttl,
		capacity: capacity,
		now:      now,
		ledger:   ledger,
		recent:   make(map[string]*nonceCache),
	}
}

// Enabled reports whether any key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.keys) > 0
}

// Verify authenticates r against its already-read body.
func (v *Verifier) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, ErrBodyTooLarge
	}
	keyID := strings.TrimSpace(r.Header.Get(HeaderKeyID))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if keyID == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, ErrMissingCredentials
	}
	entry, ok := v.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	now := v.now().UTC()
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return nil, ErrStaleTimestamp
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return nil, ErrBadSignature
	}
	expected := computeMAC(entry.secret, timestamp, nonce, r.Method, canonicalPath(r), body)
	if !hmac.Equal(provided, expected) {
		return nil, ErrBadSignature
	}
	replayed, err := v.claim(r.Context(), Nonce{KeyID: keyID, Timestamp: timestamp, Value: nonce, SeenAt: now})
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, ErrReplayedNonce
	}
	return &Principal{KeyID: keyID, merchants: entry.merchants}, nil
}

// Warm loads nonces from the ledger that are still inside the replay window.
func (v *Verifier) Warm(ctx context.Context) error {
	if v == nil || v.ledger == nil {
		return nil
	}
	cutoff := v.now().UTC().Add(-v.nonceTTL)
	nonces, err := v.ledger.Since(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("auth: load nonces: %w", err)
	}
	for _, n := range nonces {
		if n.KeyID == "" || n.Timestamp == "" || n.Value == "" {
			continue
		}
		seen := n.SeenAt
		if seen.IsZero() {
			seen = cutoff
		}
		v.cacheFor(n.KeyID).Add(n.composite(), seen)
	}
	return nil
}

func (v *Verifier) claim(ctx context.Context, nonce Nonce) (bool, error) {
	cache := v.cacheFor(nonce.KeyID)
	key := nonce.composite()
	if v.ledger == nil {
		return cache.Seen(key, nonce.SeenAt), nil
	}
	if cache.Contains(key, nonce.SeenAt) {
		return true, nil
	}
	if err := v.pruneLedger(ctx, nonce.SeenAt); err != nil {
		return false, err
	}
	existed, err := v.ledger.Claim(ctx, nonce)
	if err != nil {
		return false, fmt.Errorf("auth: persist nonce: %w", err)
	}
	cache.Add(key, nonce.SeenAt)
	return existed, nil
}

func (v *Verifier) pruneLedger(ctx context.Context, now time.Time) error {
	v.mu.Lock()
	due := v.lastPruned.IsZero() || now.Sub(v.lastPruned) >= ledgerPruneInterval
	if due {
		v.lastPruned = now
	}
	v.mu.Unlock()
	if !due {
		return nil
	}
	if err := v.ledger.Prune(ctx, now.Add(-v.nonceTTL)); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	return nil
}

func (v *Verifier) cacheFor(keyID string) *nonceCache {
	v.mu.Lock()
	defer v.mu.Unlock()
	cache, ok := v.recent[keyID]
	if !ok {
		cache = newNonceCache(v.nonceTTL, v.capacity)
		v.recent[keyID] = cache
	}
	return cache
}

// Sign returns the hex signature a client sends in HeaderSignature. path
// includes the query string, if any.
func Sign(secret, timestamp, nonce, method, path string, body []byte) string {
	return hex.EncodeToString(computeMAC([]byte(secret), timestamp, nonce, method, canonicalPathString(path), body))
}

func computeMAC(secret []byte, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path}, "\n")))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}

func canonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return canonicalPathString(path)
}

// canonicalPathString sorts query parameters so clients need not preserve
// their order.
func canonicalPathString(path string) string {
	base, query, ok := strings.Cut(path, "?")
	if base == "" {
		base = "/"
	}
	if !ok || query == "" {
		return base
	}
	parts := strings.Split(query, "&")
	sort.Strings(parts)
	return base + "?" + strings.Join(parts, "&")
}
