package payrelay

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sponsorpay/gateway/middleware"
	"sponsorpay/native/stablecoin"
)

// AdminScope is required on every /admin call.
const AdminScope = "payrelay:admin"

// AdminServer exposes operator endpoints on the internal listener.
type AdminServer struct {
	networks       map[stablecoin.Network]*NetworkStack
	defaultNetwork stablecoin.Network
	registry       *Registry
	prices         *PriceCache
	refillLamports uint64
	auth           *middleware.Authenticator
	metrics        http.Handler
	logger         *slog.Logger
}

// NewAdminServer wires the admin surface. metrics serves /metrics and may be nil.
func NewAdminServer(server *Server, refillLamports uint64, auth *middleware.Authenticator, metrics http.Handler) *AdminServer {
	return &AdminServer{
		networks:       server.networks,
		defaultNetwork: server.defaultNetwork,
		registry:       server.registry,
		prices:         server.prices,
		refillLamports: refillLamports,
		auth:           auth,
		metrics:        metrics,
		logger:         server.logger,
	}
}

// Routes returns the admin router.
func (a *AdminServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}
	r.Route("/admin", func(sr chi.Router) {
		sr.Use(a.auth.Middleware(AdminScope))
		sr.Get("/fee-payer", a.handleFeePayer)
		sr.Get("/price", a.handlePrice)
		sr.Post("/registry/invalidate", a.handleInvalidate)
	})
	return r
}

type feePayerStatus struct {
	Network               stablecoin.Network `json:"network"`
	PublicKey             string             `json:"publicKey"`
	BalanceLamports       uint64             `json:"balanceLamports"`
	FloorLamports         uint64             `json:"floorLamports"`
	RefillLamports        uint64             `json:"refillLamports"`
	Healthy               bool               `json:"healthy"`
	RefillRecommended     bool               `json:"refillRecommended"`
	EstimatedTransactions uint64             `json:"estimatedTransactions"`
}

func (a *AdminServer) handleFeePayer(w http.ResponseWriter, r *http.Request) {
	network := a.defaultNetwork
	if raw := r.URL.Query().Get("network"); raw != "" {
		parsed, err := stablecoin.ParseNetwork(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
			return
		}
		network = parsed
	}
	stack, ok := a.networks[network]
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrNetworkNotConfigured.Error(), Code: "network_not_configured"})
		return
	}
	balance, err := stack.Signer.Balance(r.Context())
	if err != nil {
		a.logger.Error("fee payer balance read failed",
			slog.String("network", string(network)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "balance unavailable", Code: "upstream_error"})
		return
	}
	writeJSON(w, http.StatusOK, a.feePayerStatus(network, stack.Signer, balance))
}

func (a *AdminServer) feePayerStatus(network stablecoin.Network, signer *Signer, balance uint64) feePayerStatus {
	floor := signer.Floor()
	status := feePayerStatus{
		Network:           network,
		PublicKey:         signer.FeePayer().String(),
		BalanceLamports:   balance,
		FloorLamports:     floor.Lamports(),
		RefillLamports:    a.refillLamports,
		Healthy:           balance > floor.Lamports(),
		RefillRecommended: balance < a.refillLamports,
	}
	if status.Healthy && floor.TxFeeLamports > 0 {
		status.EstimatedTransactions = (balance - floor.Lamports()) / floor.TxFeeLamports
	}
	return status
}

func (a *AdminServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	quote := a.prices.Quote(r.Context())
	writeJSON(w, http.StatusOK, quote)
}

func (a *AdminServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	a.registry.Invalidate()
	a.logger.Info("merchant registry cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}
