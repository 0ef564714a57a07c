package payrelay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"sponsorpay/native/stablecoin"
	"sponsorpay/observability"
)

const (
	maxMemoBytes  = 256
	defaultQRSize = 400
	relayPath     = "/v1/pay"
)

// PaymentRequest is the merchant-facing input for a payment link.
type PaymentRequest struct {
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
	Network  string `json:"network"`
	Token    string `json:"token,omitempty"`
	Memo     string `json:"memo,omitempty"`
}

// Descriptor is a payment request ready to be rendered as a link or QR code.
// URL uses the transaction-request form, so wallets fetch the transaction from
// Link instead of reading transfer parameters from the URL.
type Descriptor struct {
	RequestID       string             `json:"requestId"`
	URL             string             `json:"url"`
	Link            string             `json:"link"`
	Label           string             `json:"label"`
	Message         string             `json:"message"`
	Merchant        string             `json:"merchant"`
	Network         stablecoin.Network `json:"network"`
	Token           string             `json:"token"`
	Amount          string             `json:"amount"`
	AmountBaseUnits uint64             `json:"amountBaseUnits"`
	Memo            string             `json:"memo,omitempty"`
}

// payment is a validated request with every field resolved.
type payment struct {
	merchant solana.PublicKey
	network  stablecoin.Network
	asset    stablecoin.Descriptor
	amount   uint64
	memo     string
}

func (p payment) displayAmount() string {
	return p.asset.FormatBaseUnits(p.amount)
}

func resolvePayment(req PaymentRequest) (payment, error) {
	merchantAddr, err := parseAddress("merchant", req.Merchant)
	if err != nil {
		return payment{}, err
	}
	network, err := stablecoin.ParseNetwork(req.Network)
	if err != nil {
		return payment{}, invalid("network", err)
	}
	asset, err := stablecoin.Lookup(req.Token)
	if err != nil {
		return payment{}, invalid("token", err)
	}
	if err := asset.CheckNetwork(network); err != nil {
		return payment{}, invalid("token", err)
	}
	amount, err := asset.ToBaseUnits(req.Amount)
	if err != nil {
		return payment{}, invalid("amount", err)
	}
	memo := strings.TrimSpace(req.Memo)
	if len(memo) > maxMemoBytes {
		return payment{}, invalid("memo", fmt.Errorf("exceeds %d bytes", maxMemoBytes))
	}
	if !utf8.ValidString(memo) {
		return payment{}, invalid("memo", errors.New("must be valid UTF-8"))
	}
	return payment{merchant: merchantAddr, network: network, asset: asset, amount: amount, memo: memo}, nil
}

func parseAddress(field, raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, &ValidationError{Field: field, Reason: "required"}
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, invalid(field, err)
	}
	return key, nil
}

// RequestBuilder turns payment requests into relay links. It performs no
// network calls.
type RequestBuilder struct {
	base    *url.URL
	label   string
	qrSize  int
	newID   func() string
	metrics *observability.PayRelayMetrics
}

// NewRequestBuilder returns a builder minting links under publicBaseURL.
func NewRequestBuilder(publicBaseURL, label string, metrics *observability.PayRelayMetrics) (*RequestBuilder, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse public base url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("public base url must be http(s), got %q", publicBaseURL)
	}
	if strings.TrimSpace(label) == "" {
		label = "SponsorPay"
	}
	return &RequestBuilder{
		base:    base,
		label:   label,
		qrSize:  defaultQRSize,
		newID:   uuid.NewString,
		metrics: metrics,
	}, nil
}

// Build validates req and produces its descriptor.
func (b *RequestBuilder) Build(req PaymentRequest) (Descriptor, error) {
	p, err := resolvePayment(req)
	if err != nil {
		return Descriptor{}, err
	}
	id := b.newID()
	link := b.relayLink(p, id)
	b.metrics.RecordPaymentRequest(p.asset.Symbol)
	return Descriptor{
		RequestID:       id,
		URL:             "solana:" + url.QueryEscape(link),
		Link:            link,
		Label:           b.label,
		Message:         fmt.Sprintf("Pay %s %s", p.displayAmount(), p.asset.Symbol),
		Merchant:        p.merchant.String(),
		Network:         p.network,
		Token:           p.asset.Symbol,
		Amount:          p.displayAmount(),
		AmountBaseUnits: p.amount,
		Memo:            p.memo,
	}, nil
}

func (b *RequestBuilder) relayLink(p payment, requestID string) string {
	query := url.Values{}
	query.Set("merchant", p.merchant.String())
	query.Set("amount", p.displayAmount())
	query.Set("network", string(p.network))
	query.Set("token", p.asset.Symbol)
	if p.memo != "" {
		query.Set("memo", p.memo)
	}
	if requestID != "" {
		query.Set("request", requestID)
	}
	link := *b.base
	link.Path = strings.TrimRight(link.Path, "/") + relayPath
	link.RawQuery = query.Encode()
	return link.String()
}

// QRCode renders the descriptor URL as a PNG at error correction level H.
func (b *RequestBuilder) QRCode(d Descriptor) ([]byte, error) {
	png, err := qrcode.Encode(d.URL, qrcode.Highest, b.qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}

// QRDataURL is QRCode encoded for direct embedding in an <img> tag.
func (b *RequestBuilder) QRDataURL(d Descriptor) (string, error) {
	png, err := b.QRCode(d)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
