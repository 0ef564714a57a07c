package payrelay

import (
	"bytes"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sponsorpay/native/stablecoin"
)

func newTestRequestBuilder(t *testing.T) *RequestBuilder {
	t.Helper()
	builder, err := NewRequestBuilder("https://pay.example.com/", "Acme Checkout", nil)
	require.NoError(t, err)
	builder.newID = func() string { return "req-1" }
	return builder
}

func TestBuildDescriptor(t *testing.T) {
	builder := newTestRequestBuilder(t)
	merchantAddr := newWallet(t).PublicKey()

	desc, err := builder.Build(PaymentRequest{
		Merchant: merchantAddr.String(),
		Amount:   "10.00",
		Network:  "devnet",
		Memo:     "order 42",
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", desc.RequestID)
	require.Equal(t, "USDC", desc.Token)
	require.Equal(t, "10", desc.Amount)
	require.Equal(t, uint64(10_000_000), desc.AmountBaseUnits)
	require.Equal(t, stablecoin.NetworkTest, desc.Network)
	require.Equal(t, "Pay 10 USDC", desc.Message)
	require.Equal(t, "Acme Checkout", desc.Label)

	require.True(t, strings.HasPrefix(desc.URL, "solana:"))
	unescaped, err := url.QueryUnescape(strings.TrimPrefix(desc.URL, "solana:"))
	require.NoError(t, err)
	require.Equal(t, desc.Link, unescaped)

	link, err := url.Parse(desc.Link)
	require.NoError(t, err)
	require.Equal(t, "https", link.Scheme)
	require.Equal(t, "pay.example.com", link.Host)
	require.Equal(t, "/v1/pay", link.Path)
	query := link.Query()
	require.Equal(t, merchantAddr.String(), query.Get("merchant"))
	require.Equal(t, "10", query.Get("amount"))
	require.Equal(t, "test", query.Get("network"))
	require.Equal(t, "USDC", query.Get("token"))
	require.Equal(t, "order 42", query.Get("memo"))
	require.Equal(t, "req-1", query.Get("request"))
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	builder := newTestRequestBuilder(t)
	merchantAddr := newWallet(t).PublicKey().String()
	valid := PaymentRequest{Merchant: merchantAddr, Amount: "1", Network: "test", Token: "USDC"}

	cases := []struct {
		name  string
		edit  func(*PaymentRequest)
		field string
	}{
		{"missing merchant", func(r *PaymentRequest) { r.Merchant = "" }, "merchant"},
		{"bad merchant", func(r *PaymentRequest) { r.Merchant = "not-a-key" }, "merchant"},
		{"zero amount", func(r *PaymentRequest) { r.Amount = "0" }, "amount"},
		{"negative amount", func(r *PaymentRequest) { r.Amount = "-1" }, "amount"},
		{"excess precision", func(r *PaymentRequest) { r.Amount = "1.1234567" }, "amount"},
		{"unknown token", func(r *PaymentRequest) { r.Token = "DOGE" }, "token"},
		{"unknown network", func(r *PaymentRequest) { r.Network = "testnet" }, "network"},
		{"token-2022 asset on production", func(r *PaymentRequest) { r.Token = "PYUSD"; r.Network = "production" }, "token"},
		{"long memo", func(r *PaymentRequest) { r.Memo = strings.Repeat("x", maxMemoBytes+1) }, "memo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.edit(&req)
			_, err := builder.Build(req)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			require.Equal(t, tc.field, validation.Field)
		})
	}
}

func TestBuildAcceptsToken2022AssetOnTestNetwork(t *testing.T) {
	builder := newTestRequestBuilder(t)
	desc, err := builder.Build(PaymentRequest{Merchant: newWallet(t).PublicKey().String(), Amount: "5", Network: "test", Token: "USDG"})
	require.NoError(t, err)
	require.Equal(t, "USDG", desc.Token)
}

func TestBuildAcceptsNativeAsset(t *testing.T) {
	builder := newTestRequestBuilder(t)
	desc, err := builder.Build(PaymentRequest{
		Merchant: newWallet(t).PublicKey().String(),
		Amount:   "0.5",
		Network:  "production",
		Token:    "sol",
	})
	require.NoError(t, err)
	require.Equal(t, "SOL", desc.Token)
	require.Equal(t, uint64(500_000_000), desc.AmountBaseUnits)
}

func TestQRCode(t *testing.T) {
	builder := newTestRequestBuilder(t)
	desc, err := builder.Build(PaymentRequest{Merchant: newWallet(t).PublicKey().String(), Amount: "5", Network: "test"})
	require.NoError(t, err)

	png, err := builder.QRCode(desc)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))

	dataURL, err := builder.QRDataURL(desc)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))
}

func TestNewRequestBuilderRejectsBadBase(t *testing.T) {
	_, err := NewRequestBuilder("ftp://pay.example.com", "", nil)
	require.Error(t, err)
}
