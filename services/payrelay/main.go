package payrelay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sponsorpay/crypto"
	"sponsorpay/gateway/auth"
	"sponsorpay/gateway/middleware"
	"sponsorpay/native/fees"
	"sponsorpay/native/stablecoin"
	"sponsorpay/observability"
	"sponsorpay/observability/logging"
	telemetry "sponsorpay/observability/otel"
)

// Version is set at build time with -ldflags "-X sponsorpay/services/payrelay.Version=...".
var Version = "dev"

// Main runs the payrelay service until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	var keygenPath string
	flag.StringVar(&cfgPath, "config", "services/payrelay/config.yaml", "path to payrelay configuration")
	flag.StringVar(&keygenPath, "keygen", "", "write a new fee payer key to this path and exit")
	flag.Parse()

	if keygenPath != "" {
		return keygen(keygenPath)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("PAYRELAY_ENV"))
	logger := logging.SetupWithOptions("payrelay", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	key, err := cfg.FeePayer.Load()
	if err != nil {
		return fmt.Errorf("load fee payer key: %w", err)
	}
	logger.Info("fee payer loaded", slog.String("fee_payer", key.PublicKey().String()))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg, env, key.PublicKey()).WithEnv(os.Getenv))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	public, admin, cleanup, err := buildServers(cfg, key, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("cleanup failed", slog.String("error", err.Error()))
		}
	}()

	publicServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(public, "payrelay"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Submissions wait up to the confirmation timeout.
		WriteTimeout: cfg.Submission.ConfirmTimeout.Duration + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.Admin.ListenAddress,
		Handler:           admin,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("listening", slog.String("listener", name), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("public", publicServer)
	go serve("admin", adminServer)

	var runErr error
	select {
	case <-stopCtx.Done():
	case runErr = <-errs:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{publicServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	}
	logger.Info("payrelay stopped")
	return runErr
}

func keygen(path string) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveKeyFile(path, key); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	fmt.Println(key.PublicKey().String())
	return nil
}

// telemetryConfig describes this relay instance to the collector.
func telemetryConfig(cfg Config, env string, feePayer solana.PublicKey) telemetry.Config {
	networks := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	return telemetry.Config{
		ServiceName:    "payrelay",
		ServiceVersion: Version,
		Environment:    env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		Attributes: map[string]string{
			"payrelay.networks":   strings.Join(networks, ","),
			"payrelay.program_id": cfg.ProgramID,
			"payrelay.fee_payer":  feePayer.String(),
		},
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
	}
}

// buildServers wires every component from cfg and returns the public and admin
// handlers. cleanup releases resources opened along the way.
func buildServers(cfg Config, key *crypto.PrivateKey, logger *slog.Logger) (public, admin http.Handler, cleanup func() error, err error) {
	cleanup = func() error { return nil }
	metrics := observability.PayRelay()
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("program id: %w", err)
	}
	var house solana.PublicKey
	if cfg.House != "" {
		if house, err = solana.PublicKeyFromBase58(cfg.House); err != nil {
			return nil, nil, cleanup, fmt.Errorf("house: %w", err)
		}
	}
	networks, err := cfg.ParsedNetworks()
	if err != nil {
		return nil, nil, cleanup, err
	}
	defaultNetwork, err := stablecoin.ParseNetwork(cfg.DefaultNetwork)
	if err != nil {
		return nil, nil, cleanup, err
	}

	floor := Floor{TxFeeLamports: cfg.Floor.TxFeeLamports, RentReserveLamports: cfg.Floor.RentReserveLamports}
	chains := make(map[stablecoin.Network]ChainClient, len(networks))
	stacks := make(map[stablecoin.Network]*NetworkStack, len(networks))
	for network, netCfg := range networks {
		chain := NewRPCChainClient(netCfg.RPCEndpoint, netCfg.RPCHeaders, netCfg.Timeout.Duration)
		chains[network] = chain
		// Provider endpoints commonly embed API keys.
		logger.Info("network configured",
			slog.String("network", string(network)),
			logging.MaskField("rpc_endpoint", netCfg.RPCEndpoint),
			slog.Int("rpc_headers", len(netCfg.RPCHeaders)))
		stacks[network] = &NetworkStack{
			Chain:  chain,
			Signer: NewSigner(key, chain, floor, string(network), logger, metrics),
			Submitter: NewSubmitter(chain,
				WithConfirmTimeout(cfg.Submission.ConfirmTimeout.Duration),
				WithPollInterval(cfg.Submission.PollInterval.Duration),
				WithResends(*cfg.Submission.MaxResends, cfg.Submission.ResendDelay.Duration),
				WithSubmitterLogger(logger),
				WithSubmitterMetrics(metrics)),
		}
	}

	registry := NewRegistry(program, chains,
		WithRegistryTTL(cfg.Registry.CacheTTL.Duration),
		WithRegistryLogger(logger),
		WithRegistryMetrics(metrics))
	policy := fees.Policy{HouseShare: cfg.HouseShare}
	builder := NewTransactionBuilder(registry, chains, key.PublicKey(), policy, house, metrics)
	treasury := NewTreasuryBuilder(program, registry, chains, key.PublicKey(), house, metrics)
	requests, err := NewRequestBuilder(cfg.PublicBaseURL, cfg.Label, metrics)
	if err != nil {
		return nil, nil, cleanup, err
	}

	fallback, err := decimal.NewFromString(cfg.Price.FallbackUSD)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("price fallback: %w", err)
	}
	apiKey := ""
	if cfg.Price.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.Price.APIKeyEnv))
	}
	prices := NewPriceCache(NewCoinGeckoClient(cfg.Price.Endpoint, apiKey, cfg.Price.FetchTimeout.Duration),
		WithPriceTTL(cfg.Price.TTL.Duration),
		WithPriceFetchTimeout(cfg.Price.FetchTimeout.Duration),
		WithPriceFallback(fallback),
		WithPriceLogger(logger),
		WithPriceMetrics(metrics))

	server, err := NewServer(ServerDeps{
		Requests:       requests,
		Builder:        builder,
		Treasury:       treasury,
		Registry:       registry,
		Prices:         prices,
		Networks:       stacks,
		DefaultNetwork: defaultNetwork,
		Label:          cfg.Label,
		Icon:           cfg.Icon,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, cleanup, err
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, rule := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RatePerSecond: rule.RatePerSecond, Burst: rule.Burst}
	}
	var limiterOpts []middleware.RateLimiterOption
	if cfg.TrustProxy {
		limiterOpts = append(limiterOpts, middleware.WithTrustedProxyHeaders())
	}
	merchantAuth, closeLedger, err := buildMerchantAuth(cfg.MerchantAPI, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}
	cleanup = closeLedger

	obs := middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "payrelay"}, logger)
	public = server.Routes(RouteOptions{
		RateLimiter:   middleware.NewRateLimiter(limits, logger, limiterOpts...),
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		MerchantAuth:  merchantAuth,
	})

	adminAuth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
	}, logger)
	adminServer := NewAdminServer(server, cfg.Floor.RefillLamports, adminAuth, obs.MetricsHandler())
	return public, adminServer.Routes(), cleanup, nil
}

// buildMerchantAuth returns a verifier for the configured merchant keys. The
// nonce ledger is opened and warmed only when nonce_db is set.
func buildMerchantAuth(cfg MerchantAPIConfig, logger *slog.Logger) (*auth.Verifier, func() error, error) {
	noop := func() error { return nil }
	if len(cfg.Keys) == 0 {
		return nil, noop, nil
	}
	keys := make(map[string]auth.Key, len(cfg.Keys))
	for id, key := range cfg.Keys {
		keys[id] = auth.Key{Secret: key.Secret, Merchants: key.Merchants}
	}
	authCfg := auth.Config{
		Keys:          keys,
		TimestampSkew: cfg.TimestampSkew.Duration,
		NonceTTL:      cfg.NonceTTL.Duration,
	}
	if strings.TrimSpace(cfg.NonceDB) == "" {
		logger.Info("merchant api auth enabled", slog.Int("keys", len(keys)))
		return auth.NewVerifier(authCfg, nil), noop, nil
	}
	ledger, err := auth.OpenLevelDBLedger(cfg.NonceDB)
	if err != nil {
		return nil, noop, err
	}
	verifier := auth.NewVerifier(authCfg, ledger)
	if err := verifier.Warm(context.Background()); err != nil {
		_ = ledger.Close()
		return nil, noop, err
	}
	logger.Info("merchant api auth enabled",
		slog.Int("keys", len(keys)),
		slog.String("nonce_db", cfg.NonceDB))
	return verifier, ledger.Close, nil
}
