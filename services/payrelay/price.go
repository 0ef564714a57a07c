package payrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"sponsorpay/observability"
)

// PriceSource tells callers how fresh a quote is.
type PriceSource string

const (
	SourceFresh    PriceSource = "fresh"
	SourceCached   PriceSource = "cached"
	SourceStale    PriceSource = "stale"
	SourceFallback PriceSource = "fallback"
)

const priceKey = "SOL/USD"

// PriceFetcher retrieves the current SOL/USD price from an upstream feed.
type PriceFetcher interface {
	FetchSOLUSD(ctx context.Context) (decimal.Decimal, error)
}

// PriceQuote is a SOL/USD price with its provenance.
type PriceQuote struct {
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Source    PriceSource     `json:"source"`
}

type priceEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
	expiresAt time.Time
}

// PriceCache serves SOL/USD with at most one upstream fetch in flight. When the
// feed fails it degrades to the last known price and then to a constant, so
// Quote always returns a usable value.
type PriceCache struct {
	fetcher      PriceFetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	fallback     decimal.Decimal
	logger       *slog.Logger
	metrics      *observability.PayRelayMetrics
	nowFn        func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	entry *priceEntry
}

// PriceCacheOption customises a PriceCache.
type PriceCacheOption func(*PriceCache)

func WithPriceTTL(ttl time.Duration) PriceCacheOption {
	return func(c *PriceCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPriceFallback(price decimal.Decimal) PriceCacheOption {
	return func(c *PriceCache) {
		if price.IsPositive() {
			c.fallback = price
		}
	}
}

func WithPriceFetchTimeout(d time.Duration) PriceCacheOption {
	return func(c *PriceCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithPriceClock(now func() time.Time) PriceCacheOption {
	return func(c *PriceCache) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func WithPriceLogger(logger *slog.Logger) PriceCacheOption {
	return func(c *PriceCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPriceMetrics(m *observability.PayRelayMetrics) PriceCacheOption {
	return func(c *PriceCache) { c.metrics = m }
}

func NewPriceCache(fetcher PriceFetcher, opts ...PriceCacheOption) *PriceCache {
	c := &PriceCache{
		fetcher:      fetcher,
		ttl:          time.Minute,
		fetchTimeout: 5 * time.Second,
		fallback:     decimal.NewFromInt(100),
		logger:       slog.Default(),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PriceCache) cached(now time.Time) (priceEntry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return priceEntry{}, false, false
	}
	return *c.entry, true, now.Before(c.entry.expiresAt)
}

// Quote returns the current price. It never fails.
func (c *PriceCache) Quote(ctx context.Context) PriceQuote {
	if entry, ok, fresh := c.cached(c.nowFn()); ok && fresh {
		return c.served(entry.quote(SourceCached))
	}
	value, _, _ := c.group.Do(priceKey, func() (interface{}, error) {
		// Another flight may have refreshed the entry while this caller waited.
		if entry, ok, fresh := c.cached(c.nowFn()); ok && fresh {
			return entry.quote(SourceCached), nil
		}
		return c.refresh(ctx), nil
	})
	return c.served(value.(PriceQuote))
}

func (c *PriceCache) refresh(ctx context.Context) PriceQuote {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()
	price, err := c.fetcher.FetchSOLUSD(fetchCtx)
	if err == nil && !price.IsPositive() {
		err = errNonPositivePrice
	}
	now := c.nowFn()
	if err == nil {
		entry := priceEntry{price: price, fetchedAt: now, expiresAt: now.Add(c.ttl)}
		c.mu.Lock()
		c.entry = &entry
		c.mu.Unlock()
		return entry.quote(SourceFresh)
	}

	c.metrics.RecordPriceFeedError()
	if entry, ok, _ := c.cached(now); ok {
		c.logger.Warn("price feed unavailable, serving stale price",
			slog.String("error", err.Error()),
			slog.String("price", entry.price.String()),
			slog.Time("fetched_at", entry.fetchedAt))
		return entry.quote(SourceStale)
	}
	c.logger.Warn("price feed unavailable, serving fallback price",
		slog.String("error", err.Error()),
		slog.String("price", c.fallback.String()))
	return PriceQuote{Price: c.fallback, FetchedAt: now, ExpiresAt: now, Source: SourceFallback}
}

func (c *PriceCache) served(q PriceQuote) PriceQuote {
	c.metrics.RecordPriceQuote(string(q.Source))
	return q
}

// ConvertUSD estimates how much SOL covers usd, rounded to lamport precision.
func (c *PriceCache) ConvertUSD(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, PriceQuote) {
	quote := c.Quote(ctx)
	return usd.DivRound(quote.Price, 9), quote
}

func (e priceEntry) quote(source PriceSource) PriceQuote {
	return PriceQuote{Price: e.price, FetchedAt: e.fetchedAt, ExpiresAt: e.expiresAt, Source: source}
}
