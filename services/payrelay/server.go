package payrelay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"sponsorpay/gateway/auth"
	"sponsorpay/gateway/middleware"
	"sponsorpay/native/merchant"
	"sponsorpay/native/stablecoin"
)

const maxRequestBody = 1 << 20

// NetworkStack bundles the per-network collaborators of the relay.
type NetworkStack struct {
	Chain     ChainClient
	Signer    *Signer
	Submitter *Submitter
}

// Server exposes the public relay API.
type Server struct {
	requests       *RequestBuilder
	builder        *TransactionBuilder
	treasury       *TreasuryBuilder
	registry       *Registry
	prices         *PriceCache
	networks       map[stablecoin.Network]*NetworkStack
	defaultNetwork stablecoin.Network
	label          string
	icon           string
	logger         *slog.Logger
}

// ServerDeps lists the collaborators NewServer requires.
type ServerDeps struct {
	Requests       *RequestBuilder
	Builder        *TransactionBuilder
	Treasury       *TreasuryBuilder
	Registry       *Registry
	Prices         *PriceCache
	Networks       map[stablecoin.Network]*NetworkStack
	DefaultNetwork stablecoin.Network
	Label          string
	Icon           string
	Logger         *slog.Logger
}

// NewServer constructs the relay server.
func NewServer(deps ServerDeps) (*Server, error) {
	switch {
	case deps.Requests == nil:
		return nil, errors.New("request builder required")
	case deps.Builder == nil:
		return nil, errors.New("transaction builder required")
	case deps.Treasury == nil:
		return nil, errors.New("treasury builder required")
	case deps.Registry == nil:
		return nil, errors.New("registry required")
	case deps.Prices == nil:
		return nil, errors.New("price cache required")
	case len(deps.Networks) == 0:
		return nil, errors.New("at least one network required")
	}
	if _, ok := deps.Networks[deps.DefaultNetwork]; !ok {
		return nil, fmt.Errorf("%w: default %s", ErrNetworkNotConfigured, deps.DefaultNetwork)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := deps.Label
	if strings.TrimSpace(label) == "" {
		label = "SponsorPay"
	}
	return &Server{
		requests:       deps.Requests,
		builder:        deps.Builder,
		treasury:       deps.Treasury,
		registry:       deps.Registry,
		prices:         deps.Prices,
		networks:       deps.Networks,
		defaultNetwork: deps.DefaultNetwork,
		label:          label,
		icon:           deps.Icon,
		logger:         logger,
	}, nil
}

// RouteOptions attaches the HTTP edge middleware.
type RouteOptions struct {
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// MerchantAuth, when it has keys, requires signed payment request creation.
	MerchantAuth  *auth.Verifier
}

// Routes returns the public router.
func (s *Server) Routes(opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(opts.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	group := func(name string, mount func(chi.Router)) {
		r.Group(func(sr chi.Router) {
			if opts.RateLimiter != nil {
				sr.Use(opts.RateLimiter.Middleware(name))
			}
			if opts.Observability != nil {
				sr.Use(opts.Observability.Middleware(name))
			}
			mount(sr)
		})
	}
	group("requests", func(sr chi.Router) {
		if opts.MerchantAuth.Enabled() {
			sr.Use(opts.MerchantAuth.Middleware(s.logger))
		}
		sr.Post("/v1/payment-requests", s.handleCreatePaymentRequest)
	})
	group("pay", func(sr chi.Router) {
		sr.Get("/v1/pay", s.handlePayMetadata)
		sr.Post("/v1/pay", s.handlePayTransaction)
	})
	group("treasury", func(sr chi.Router) {
		sr.Get("/v1/withdraw", s.handleTreasuryMetadata(KindWithdraw))
		sr.Post("/v1/withdraw", s.handleTreasuryTransaction(KindWithdraw))
		sr.Get("/v1/refund", s.handleTreasuryMetadata(KindRefund))
		sr.Post("/v1/refund", s.handleTreasuryTransaction(KindRefund))
	})
	group("transactions", func(sr chi.Router) { sr.Post("/v1/transactions", s.handleSubmitTransaction) })
	group("merchants", func(sr chi.Router) { sr.Get("/v1/merchants", s.handleListMerchants) })
	group("price", func(sr chi.Router) { sr.Get("/v1/price", s.handlePrice) })
	return r
}

type paymentRequestResponse struct {
	Descriptor
	QR string `json:"qr"`
}

func (s *Server) handleCreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && !principal.MayIssueFor(req.Merchant) {
		s.writeError(w, r, fmt.Errorf("%w: key %s", ErrMerchantNotAuthorized, principal.KeyID))
		return
	}
	if strings.TrimSpace(req.Network) == "" {
		req.Network = string(s.defaultNetwork)
	}
	desc, err := s.requests.Build(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	qr, err := s.requests.QRDataURL(desc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("payment request issued",
		slog.String("request_id", desc.RequestID),
		slog.String("merchant", desc.Merchant),
		slog.String("network", string(desc.Network)),
		slog.String("token", desc.Token),
		slog.String("amount", desc.Amount))
	writeJSON(w, http.StatusCreated, paymentRequestResponse{Descriptor: desc, QR: qr})
}

func paymentFromQuery(r *http.Request) PaymentRequest {
	q := r.URL.Query()
	return PaymentRequest{
		Merchant: q.Get("merchant"),
		Amount:   q.Get("amount"),
		Network:  q.Get("network"),
		Token:    q.Get("token"),
		Memo:     q.Get("memo"),
	}
}

type payAction struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}

type payMetadata struct {
	Label       string `json:"label"`
	Icon        string `json:"icon,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Links       struct {
		Actions []payAction `json:"actions"`
	} `json:"links"`
}

func (s *Server) handlePayMetadata(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta := payMetadata{
		Label:       s.label,
		Icon:        s.icon,
		Title:       fmt.Sprintf("Pay %s %s", p.displayAmount(), p.asset.Symbol),
		Description: "Network fees are covered by the merchant.",
	}
	meta.Links.Actions = []payAction{{
		Label: fmt.Sprintf("Pay %s %s", p.displayAmount(), p.asset.Symbol),
		Href:  r.URL.RequestURI(),
	}}
	writeJSON(w, http.StatusOK, meta)
}

type payTransactionRequest struct {
	Account string `json:"account"`
}

type payTransactionResponse struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message"`
}

func (s *Server) handlePayTransaction(w http.ResponseWriter, r *http.Request) {
	p, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req payTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	relay, err := s.builder.Build(r.Context(), p, account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("relay transaction built",
		slog.String("merchant", relay.Merchant.Address.String()),
		slog.String("network", string(p.network)),
		slog.Uint64("merchant_units", relay.Split.Merchant),
		slog.Uint64("house_units", relay.Split.House))
	writeJSON(w, http.StatusOK, payTransactionResponse{Transaction: relay.Encoded, Message: relay.Message})
}

func (s *Server) resolveQuery(r *http.Request) (payment, error) {
	req := paymentFromQuery(r)
	if strings.TrimSpace(req.Network) == "" {
		req.Network = string(s.defaultNetwork)
	}
	return resolvePayment(req)
}

func (s *Server) resolveTreasuryQuery(kind TreasuryKind, r *http.Request) (treasuryOp, error) {
	req := treasuryFromQuery(r.URL.Query().Get)
	if strings.TrimSpace(req.Network) == "" {
		req.Network = string(s.defaultNetwork)
	}
	return resolveTreasury(kind, req)
}

func (s *Server) handleTreasuryMetadata(kind TreasuryKind) http.HandlerFunc {
	verb := "Withdraw"
	if kind == KindRefund {
		verb = "Refund"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := s.resolveTreasuryQuery(kind, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		title := fmt.Sprintf("%s %s %s", verb, op.displayAmount(), op.asset.Symbol)
		meta := payMetadata{
			Label:       s.label,
			Icon:        s.icon,
			Title:       title,
			Description: "Sign with the wallet that owns the merchant account.",
		}
		meta.Links.Actions = []payAction{{Label: title, Href: r.URL.RequestURI()}}
		writeJSON(w, http.StatusOK, meta)
	}
}

type treasuryResponse struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message"`
	Sponsored   bool   `json:"sponsored"`
}

func (s *Server) handleTreasuryTransaction(kind TreasuryKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := s.resolveTreasuryQuery(kind, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req payTransactionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		owner, err := parseAddress("account", req.Account)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		built, err := s.treasury.Build(r.Context(), op, owner)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("treasury transaction built",
			slog.String("kind", string(kind)),
			slog.String("merchant", built.Merchant.Address.String()),
			slog.String("network", string(op.network)),
			slog.String("token", op.asset.Symbol),
			slog.Uint64("amount", op.amount),
			slog.Bool("sponsored", built.Sponsored))
		writeJSON(w, http.StatusOK, treasuryResponse{Transaction: built.Encoded, Message: built.Message, Sponsored: built.Sponsored})
	}
}

type submitRequest struct {
	Transaction string `json:"transaction"`
	Network     string `json:"network,omitempty"`
}

type submitResponse struct {
	Signature string           `json:"signature"`
	Status    SubmissionStatus `json:"status"`
	Explorer  string           `json:"explorer,omitempty"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	network, stack, err := s.stack(req.Network)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Transaction))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: transaction is not base64", ErrMalformedTransaction))
		return
	}
	tx, signed, err := stack.Signer.Sign(r.Context(), raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := stack.Submitter.Submit(r.Context(), tx, signed)
	if err != nil {
		s.writeSubmissionError(w, r, network, result, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Signature: result.Signature.String(),
		Status:    result.Status,
		Explorer:  explorerURL(network, result.Signature),
	})
}

func (s *Server) stack(raw string) (stablecoin.Network, *NetworkStack, error) {
	network := s.defaultNetwork
	if strings.TrimSpace(raw) != "" {
		parsed, err := stablecoin.ParseNetwork(raw)
		if err != nil {
			return "", nil, invalid("network", err)
		}
		network = parsed
	}
	stack, ok := s.networks[network]
	if !ok {
		return "", nil, &ValidationError{Field: "network", Reason: string(network) + " is not served", Err: ErrNetworkNotConfigured}
	}
	return network, stack, nil
}

type merchantsResponse struct {
	Merchants []merchant.Account `json:"merchants"`
	Warning   string             `json:"warning,omitempty"`
}

func (s *Server) handleListMerchants(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	network, _, err := s.stack(r.URL.Query().Get("network"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accounts, err := s.registry.ListByOwner(r.Context(), network, owner)
	var discoveryErr *DiscoveryError
	if errors.As(err, &discoveryErr) {
		s.logger.Warn("merchant discovery failed",
			slog.String("owner", owner.String()),
			slog.String("network", string(network)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, merchantsResponse{Merchants: []merchant.Account{}, Warning: "merchant discovery is temporarily unavailable"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merchantsResponse{Merchants: accounts})
}

type priceResponse struct {
	Price     decimal.Decimal  `json:"price"`
	SOL       *decimal.Decimal `json:"sol,omitempty"`
	USD       *decimal.Decimal `json:"usd,omitempty"`
	Source    PriceSource      `json:"source"`
	ExpiresAt string           `json:"expiresAt"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	resp := priceResponse{}
	var quote PriceQuote
	if raw := strings.TrimSpace(r.URL.Query().Get("usd")); raw != "" {
		usd, err := decimal.NewFromString(raw)
		if err != nil || usd.IsNegative() {
			s.writeError(w, r, &ValidationError{Field: "usd", Reason: "must be a non-negative decimal"})
			return
		}
		var sol decimal.Decimal
		sol, quote = s.prices.ConvertUSD(r.Context(), usd)
		resp.SOL = &sol
		resp.USD = &usd
	} else {
		quote = s.prices.Quote(r.Context())
	}
	resp.Price = quote.Price
	resp.Source = quote.Source
	resp.ExpiresAt = quote.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	writeJSON(w, http.StatusOK, resp)
}

func explorerURL(network stablecoin.Network, sig solana.Signature) string {
	base := "https://explorer.solana.com/tx/" + sig.String()
	if network == stablecoin.NetworkTest {
		return base + "?cluster=devnet"
	}
	return base
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return &ValidationError{Reason: "request body too large or unreadable", Err: err}
	}
	if len(body) == 0 {
		return &ValidationError{Reason: "request body required"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ValidationError{Reason: "request body must be JSON", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type errorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Details   json.RawMessage  `json:"details,omitempty"`
	Signature string           `json:"signature,omitempty"`
	Status    SubmissionStatus `json:"status,omitempty"`
	Explorer  string           `json:"explorer,omitempty"`
}

// classify maps an error onto an HTTP status, a stable code and a message safe
// to show callers.
func classify(err error) (int, string, string) {
	var validation *ValidationError
	var onChain *OnChainError
	var timeout *TimeoutError
	var rejection *RejectionError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, ErrInsufficientFeePayerBalance):
		return http.StatusServiceUnavailable, "insufficient_fee_payer_balance", ErrInsufficientFeePayerBalance.Error()
	case errors.Is(err, ErrMalformedTransaction):
		return http.StatusBadRequest, "malformed_transaction", err.Error()
	case errors.Is(err, ErrUnauthorizedFeePayerAssignment):
		return http.StatusForbidden, "unauthorized_fee_payer", ErrUnauthorizedFeePayerAssignment.Error()
	case errors.As(err, &rejection):
		return http.StatusUnprocessableEntity, "rejected", rejection.Error()
	case errors.As(err, &onChain):
		return http.StatusUnprocessableEntity, "failed_on_chain", ErrOnChainExecutionFailed.Error() + "; see explorer for details"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "timed_out", timeout.Error()
	case errors.Is(err, ErrMerchantNotFound):
		return http.StatusNotFound, "merchant_not_found", ErrMerchantNotFound.Error()
	case errors.Is(err, ErrMerchantNotAuthorized):
		return http.StatusForbidden, "merchant_forbidden", ErrMerchantNotAuthorized.Error()
	case errors.Is(err, ErrNotMerchantOwner):
		return http.StatusForbidden, "not_merchant_owner", ErrNotMerchantOwner.Error()
	case errors.Is(err, ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded", ErrAlreadyRefunded.Error()
	case errors.Is(err, ErrMerchantInactive):
		return http.StatusConflict, "merchant_inactive", ErrMerchantInactive.Error()
	case errors.Is(err, ErrNetworkNotConfigured):
		return http.StatusBadRequest, "network_not_configured", err.Error()
	default:
		return http.StatusBadGateway, "upstream_error", "upstream unavailable, retry later"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) writeSubmissionError(w http.ResponseWriter, r *http.Request, network stablecoin.Network, result SubmissionResult, err error) {
	status, code, message := classify(err)
	resp := errorResponse{Error: message, Code: code, Status: result.Status}
	if !result.Signature.IsZero() {
		resp.Signature = result.Signature.String()
		resp.Explorer = explorerURL(network, result.Signature)
	}
	var onChain *OnChainError
	if errors.As(err, &onChain) {
		resp.Details = onChain.Raw
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) && len(rejection.Data) > 0 {
		resp.Details = rejection.Data
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("submission did not confirm",
			slog.String("signature", resp.Signature),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}
