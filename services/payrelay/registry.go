package payrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"sponsorpay/native/merchant"
	"sponsorpay/native/stablecoin"
	"sponsorpay/observability"
)

type cacheKey struct {
	network stablecoin.Network
	owner   solana.PublicKey
}

type merchantsEntry struct {
	accounts  []merchant.Account
	expiresAt time.Time
}

type houseEntry struct {
	house     solana.PublicKey
	expiresAt time.Time
}

// Registry discovers merchant accounts owned by the payment program. Results
// are cached per (network, owner); failures are never cached.
type Registry struct {
	program solana.PublicKey
	chains  map[stablecoin.Network]ChainClient
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.PayRelayMetrics
	nowFn   func() time.Time

	mu        sync.RWMutex
	merchants map[cacheKey]merchantsEntry
	houses    map[stablecoin.Network]houseEntry
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

func WithRegistryTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRegistryMetrics(m *observability.PayRelayMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs a registry reader for program on the given networks.
func NewRegistry(program solana.PublicKey, chains map[stablecoin.Network]ChainClient, opts ...RegistryOption) *Registry {
	r := &Registry{
		program:   program,
		chains:    chains,
		ttl:       5 * time.Minute,
		logger:    slog.Default(),
		nowFn:     time.Now,
		merchants: make(map[cacheKey]merchantsEntry),
		houses:    make(map[stablecoin.Network]houseEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) chain(network stablecoin.Network) (ChainClient, error) {
	client, ok := r.chains[network]
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotConfigured, network)
	}
	return client, nil
}

// ListByOwner returns the active merchants owned by owner, ordered by entity
// name. Accounts that fail to decode are logged and skipped.
func (r *Registry) ListByOwner(ctx context.Context, network stablecoin.Network, owner solana.PublicKey) ([]merchant.Account, error) {
	key := cacheKey{network: network, owner: owner}
	now := r.nowFn()
	r.mu.RLock()
	entry, ok := r.merchants[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		r.metrics.RecordDiscovery(string(network), "cached")
		return cloneAccounts(entry.accounts), nil
	}

	client, err := r.chain(network)
	if err != nil {
		return nil, &DiscoveryError{Owner: owner, Err: err}
	}
	raw, err := client.ProgramAccounts(ctx, r.program,
		MemcmpFilter{Offset: 0, Bytes: merchant.AccountDiscriminator[:]},
		MemcmpFilter{Offset: merchant.OwnerOffset, Bytes: owner.Bytes()},
	)
	if err != nil {
		r.metrics.RecordDiscovery(string(network), "error")
		return nil, &DiscoveryError{Owner: owner, Err: err}
	}

	accounts := make([]merchant.Account, 0, len(raw))
	failures := 0
	for _, acct := range raw {
		decoded, err := merchant.Decode(acct.Address, acct.Data)
		if err != nil {
			failures++
			r.logger.Warn("skipping undecodable merchant account",
				slog.String("network", string(network)),
				slog.String("merchant", acct.Address.String()),
				slog.String("error", err.Error()))
			continue
		}
		// The RPC filter already matched the owner; recheck in case a node ignores filters.
		if !decoded.IsActive || !decoded.Owner.Equals(owner) {
			continue
		}
		accounts = append(accounts, decoded)
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].EntityName < accounts[j].EntityName
	})
	r.metrics.RecordDecodeFailures(string(network), failures)
	r.metrics.RecordDiscovery(string(network), "ok")

	r.mu.Lock()
	r.merchants[key] = merchantsEntry{accounts: accounts, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return cloneAccounts(accounts), nil
}

// Lookup fetches a single merchant account and requires it to be an active
// record owned by the payment program.
func (r *Registry) Lookup(ctx context.Context, network stablecoin.Network, address solana.PublicKey) (merchant.Account, error) {
	decoded, err := r.Fetch(ctx, network, address)
	if err != nil {
		return merchant.Account{}, err
	}
	if !decoded.IsActive {
		return merchant.Account{}, fmt.Errorf("%w: %s", ErrMerchantInactive, address)
	}
	return decoded, nil
}

// Fetch reads a merchant account whether or not it is accepting payments.
func (r *Registry) Fetch(ctx context.Context, network stablecoin.Network, address solana.PublicKey) (merchant.Account, error) {
	client, err := r.chain(network)
	if err != nil {
		return merchant.Account{}, err
	}
	raw, err := client.Account(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return merchant.Account{}, fmt.Errorf("%w: %s", ErrMerchantNotFound, address)
	}
	if err != nil {
		return merchant.Account{}, fmt.Errorf("lookup merchant %s: %w", address, err)
	}
	if !raw.Owner.Equals(r.program) {
		return merchant.Account{}, fmt.Errorf("%w: %s is not owned by the payment program", ErrMerchantNotFound, address)
	}
	decoded, err := merchant.Decode(address, raw.Data)
	if err != nil {
		return merchant.Account{}, fmt.Errorf("%w: %v", ErrMerchantNotFound, err)
	}
	return decoded, nil
}

// House resolves the account receiving the platform share from the program's
// global configuration.
func (r *Registry) House(ctx context.Context, network stablecoin.Network) (solana.PublicKey, error) {
	now := r.nowFn()
	r.mu.RLock()
	entry, ok := r.houses[network]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.house, nil
	}
	client, err := r.chain(network)
	if err != nil {
		return solana.PublicKey{}, err
	}
	global, _, err := merchant.GlobalAddress(r.program)
	if err != nil {
		return solana.PublicKey{}, err
	}
	house := merchant.DefaultHouse
	raw, err := client.Account(ctx, global)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		r.logger.Warn("global config account missing, using default house",
			slog.String("network", string(network)),
			slog.String("house", house.String()))
	case err != nil:
		return solana.PublicKey{}, fmt.Errorf("read global config: %w", err)
	default:
		cfg, err := merchant.DecodeGlobal(global, raw.Data)
		if err != nil {
			return solana.PublicKey{}, err
		}
		house = cfg.House
	}
	r.mu.Lock()
	r.houses[network] = houseEntry{house: house, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return house, nil
}

// Invalidate drops every cached merchant listing and house address.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.merchants = make(map[cacheKey]merchantsEntry)
	r.houses = make(map[stablecoin.Network]houseEntry)
	r.mu.Unlock()
}

func cloneAccounts(in []merchant.Account) []merchant.Account {
	out := make([]merchant.Account, len(in))
	copy(out, in)
	return out
}
