package payrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

var errNonPositivePrice = fmt.Errorf("%w: non-positive price", ErrPriceFeedDegraded)

// CoinGeckoClient fetches SOL/USD from the CoinGecko simple price endpoint.
type CoinGeckoClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewCoinGeckoClient(endpoint, apiKey string, timeout time.Duration) *CoinGeckoClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGeckoClient{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *CoinGeckoClient) FetchSOLUSD(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrPriceFeedDegraded, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return decimal.Decimal{}, fmt.Errorf("%w: coingecko status=%d", ErrPriceFeedDegraded, resp.StatusCode)
	}
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode: %v", ErrPriceFeedDegraded, err)
	}
	raw, ok := payload["solana"]["usd"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrPriceFeedDegraded, errors.New("solana.usd missing from response"))
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse price: %v", ErrPriceFeedDegraded, err)
	}
	return price, nil
}
