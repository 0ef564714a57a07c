package payrelay

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sponsorpay/crypto"
	"sponsorpay/native/fees"
	"sponsorpay/native/stablecoin"
)

// DefaultProgramID is the deployed payment program.
const DefaultProgramID = "E6MRtJg483SVLY7EvryXJXPSLybRZyCCTsDY4BhNQYb"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for payrelay.
type Config struct {
	ListenAddress  string                   `yaml:"listen"`
	PublicBaseURL  string                   `yaml:"public_base_url"`
	Label          string                   `yaml:"label"`
	Icon           string                   `yaml:"icon"`
	ProgramID      string                   `yaml:"program_id"`
	House          string                   `yaml:"house"`
	HouseShare     uint64                   `yaml:"house_share_per_mille"`
	DefaultNetwork string                   `yaml:"default_network"`
	Networks       map[string]NetworkConfig `yaml:"networks"`
	FeePayer       FeePayerConfig           `yaml:"fee_payer"`
	Floor          FloorConfig              `yaml:"floor"`
	Submission     SubmissionConfig         `yaml:"submission"`
	Price          PriceConfig              `yaml:"price"`
	Registry       RegistryConfig           `yaml:"registry"`
	RateLimits     map[string]RateLimitRule `yaml:"rate_limits"`
	CORS           CORSConfig               `yaml:"cors"`
	Admin          AdminConfig              `yaml:"admin"`
	MerchantAPI    MerchantAPIConfig        `yaml:"merchant_api"`
	Logging        LoggingConfig            `yaml:"logging"`
	Telemetry      TelemetryConfig          `yaml:"telemetry"`
	TrustProxy     bool                     `yaml:"trust_proxy_headers"`
}

// NetworkConfig points at the RPC node serving one network.
type NetworkConfig struct {
	RPCEndpoint string            `yaml:"rpc_endpoint"`
	RPCHeaders  map[string]string `yaml:"rpc_headers"`
	Timeout     Duration          `yaml:"timeout"`
}

// FeePayerConfig locates the fee payer secret. Exactly one source is used, in
// the order key, key_env, key_file.
type FeePayerConfig struct {
	Key     string `yaml:"key"`
	KeyEnv  string `yaml:"key_env"`
	KeyFile string `yaml:"key_file"`
}

// FloorConfig sets the balance the fee payer must exceed before signing.
type FloorConfig struct {
	TxFeeLamports       uint64 `yaml:"tx_fee_lamports"`
	RentReserveLamports uint64 `yaml:"rent_reserve_lamports"`
	RefillLamports      uint64 `yaml:"refill_lamports"`
}

// SubmissionConfig bounds relay retries and confirmation waiting.
type SubmissionConfig struct {
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	MaxResends     *int     `yaml:"max_resends"`
	ResendDelay    Duration `yaml:"resend_delay"`
}

// PriceConfig configures the SOL/USD cache.
type PriceConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	TTL          Duration `yaml:"ttl"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	FallbackUSD  string   `yaml:"fallback_usd"`
}

// RegistryConfig tunes merchant discovery caching.
type RegistryConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

// RateLimitRule is a per-client token bucket for one route group.
type RateLimitRule struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// CORSConfig lists browser origins allowed to call the public API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AdminConfig secures the internal operator listener.
type AdminConfig struct {
	ListenAddress string `yaml:"listen"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	AllowPublic   bool   `yaml:"allow_public"`
}

// MerchantAPIConfig turns on signed access to payment request creation. It is
// off while Keys is empty.
type MerchantAPIConfig struct {
	Keys          map[string]MerchantAPIKey `yaml:"keys"`
	NonceDB       string                    `yaml:"nonce_db"`
	TimestampSkew Duration                  `yaml:"timestamp_skew"`
	NonceTTL      Duration                  `yaml:"nonce_ttl"`
}

// MerchantAPIKey is one merchant backend credential. Merchants restricts which
// merchant addresses the key may issue requests for.
type MerchantAPIKey struct {
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
	Merchants []string `yaml:"merchants"`
}

// LoggingConfig selects level and an optional rotating log file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TelemetryConfig sets the OTLP collector. OTEL_* environment variables take
// precedence over these values.
type TelemetryConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	SampleRatio    float64           `yaml:"sample_ratio"`
	ExportInterval Duration          `yaml:"export_interval"`
}

// LoadConfig reads configuration from the supplied path and applies
// PAYRELAY_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnvOverrides(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := cfg.FeePayer.normalise(); err != nil {
		return cfg, fmt.Errorf("fee payer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.MerchantAPI.normalise(os.Getenv); err != nil {
		return cfg, fmt.Errorf("merchant_api: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("PAYRELAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("PAYRELAY_PUBLIC_BASE_URL")); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := strings.TrimSpace(getenv("PAYRELAY_DEFAULT_NETWORK")); v != "" {
		cfg.DefaultNetwork = v
	}
	if v := strings.TrimSpace(getenv("PAYRELAY_ADMIN_LISTEN")); v != "" {
		cfg.Admin.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("PAYRELAY_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	for name, env := range map[string]string{
		string(stablecoin.NetworkProduction): "PAYRELAY_RPC_PRODUCTION",
		string(stablecoin.NetworkTest):       "PAYRELAY_RPC_TEST",
	} {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			if cfg.Networks == nil {
				cfg.Networks = map[string]NetworkConfig{}
			}
			network := cfg.Networks[name]
			network.RPCEndpoint = v
			cfg.Networks[name] = network
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ProgramID == "" {
		cfg.ProgramID = DefaultProgramID
	}
	if cfg.HouseShare == 0 {
		cfg.HouseShare = fees.HouseShare
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = string(stablecoin.NetworkTest)
	}
	if cfg.Networks == nil {
		cfg.Networks = map[string]NetworkConfig{}
	}
	if cfg.Floor.TxFeeLamports == 0 {
		cfg.Floor.TxFeeLamports = DefaultTxFeeLamports
	}
	if cfg.Floor.RentReserveLamports == 0 {
		cfg.Floor.RentReserveLamports = DefaultRentReserveLamports
	}
	if cfg.Floor.RefillLamports == 0 {
		cfg.Floor.RefillLamports = 50_000_000
	}
	if cfg.Submission.ConfirmTimeout.Duration == 0 {
		cfg.Submission.ConfirmTimeout.Duration = 45 * time.Second
	}
	if cfg.Submission.PollInterval.Duration == 0 {
		cfg.Submission.PollInterval.Duration = time.Second
	}
	if cfg.Submission.MaxResends == nil {
		resends := 3
		cfg.Submission.MaxResends = &resends
	}
	if cfg.Submission.ResendDelay.Duration == 0 {
		cfg.Submission.ResendDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Price.TTL.Duration == 0 {
		cfg.Price.TTL.Duration = time.Minute
	}
	if cfg.Price.FetchTimeout.Duration == 0 {
		cfg.Price.FetchTimeout.Duration = 5 * time.Second
	}
	if cfg.Price.FallbackUSD == "" {
		cfg.Price.FallbackUSD = "100"
	}
	if cfg.Registry.CacheTTL.Duration == 0 {
		cfg.Registry.CacheTTL.Duration = 5 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitRule{
			"requests":     {RatePerSecond: 2, Burst: 20},
			"pay":          {RatePerSecond: 2, Burst: 10},
			"transactions": {RatePerSecond: 1, Burst: 5},
			"treasury":     {RatePerSecond: 1, Burst: 5},
			"merchants":    {RatePerSecond: 2, Burst: 10},
			"price":        {RatePerSecond: 5, Burst: 20},
		}
	}
	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = "127.0.0.1:9090"
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "payrelay"
	}
	if cfg.Telemetry.ExportInterval.Duration == 0 {
		cfg.Telemetry.ExportInterval.Duration = 30 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return fmt.Errorf("public_base_url must be configured")
	}
	if _, err := solana.PublicKeyFromBase58(cfg.ProgramID); err != nil {
		return fmt.Errorf("program_id: %w", err)
	}
	if cfg.House != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.House); err != nil {
			return fmt.Errorf("house: %w", err)
		}
	}
	if err := (fees.Policy{HouseShare: cfg.HouseShare}).Validate(); err != nil {
		return err
	}
	defaultNetwork, err := stablecoin.ParseNetwork(cfg.DefaultNetwork)
	if err != nil {
		return fmt.Errorf("default_network: %w", err)
	}
	if len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	seen := map[stablecoin.Network]bool{}
	for name, network := range cfg.Networks {
		parsed, err := stablecoin.ParseNetwork(name)
		if err != nil {
			return fmt.Errorf("networks.%s: %w", name, err)
		}
		if seen[parsed] {
			return fmt.Errorf("networks.%s: duplicate of %s", name, parsed)
		}
		seen[parsed] = true
		if strings.TrimSpace(network.RPCEndpoint) == "" {
			return fmt.Errorf("networks.%s.rpc_endpoint must be configured", name)
		}
	}
	if !seen[defaultNetwork] {
		return fmt.Errorf("default_network %s has no rpc endpoint", defaultNetwork)
	}
	if strings.TrimSpace(cfg.FeePayer.Key) == "" {
		return fmt.Errorf("fee payer key must be configured")
	}
	timeout := cfg.Submission.ConfirmTimeout.Duration
	if timeout < 30*time.Second || timeout > 60*time.Second {
		return fmt.Errorf("submission.confirm_timeout must be between 30s and 60s, got %s", timeout)
	}
	if *cfg.Submission.MaxResends < 0 || *cfg.Submission.MaxResends > 3 {
		return fmt.Errorf("submission.max_resends must be between 0 and 3")
	}
	fallback, err := decimal.NewFromString(cfg.Price.FallbackUSD)
	if err != nil || !fallback.IsPositive() {
		return fmt.Errorf("price.fallback_usd must be a positive decimal")
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	if !cfg.Admin.AllowPublic && !isLoopbackAddress(cfg.Admin.ListenAddress) {
		return fmt.Errorf("admin listener %s must bind a loopback address unless allow_public is set", cfg.Admin.ListenAddress)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	for id, key := range cfg.MerchantAPI.Keys {
		for _, m := range key.Merchants {
			if _, err := solana.PublicKeyFromBase58(m); err != nil {
				return fmt.Errorf("merchant_api.keys.%s: merchant %q: %w", id, m, err)
			}
		}
	}
	return nil
}

func (c *FeePayerConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("fee payer configuration missing")
	}
	c.Key = strings.TrimSpace(c.Key)
	c.KeyEnv = strings.TrimSpace(c.KeyEnv)
	c.KeyFile = strings.TrimSpace(c.KeyFile)
	if c.Key != "" {
		return nil
	}
	switch {
	case c.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", c.KeyEnv)
		}
		c.Key = value
	case c.KeyFile != "":
		contents, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		c.Key = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("key, key_env or key_file is required")
	}
	return nil
}

// Load parses the fee payer secret.
func (c FeePayerConfig) Load() (*crypto.PrivateKey, error) {
	return crypto.ParsePrivateKey(c.Key)
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret := strings.TrimSpace(a.JWTSecret)
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" && secret == "" {
		secret = strings.TrimSpace(os.Getenv(env))
	}
	if path := strings.TrimSpace(a.JWTSecretFile); path != "" && secret == "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.JWTSecret = secret
	return nil
}

func (m *MerchantAPIConfig) normalise(getenv func(string) string) error {
	for id, key := range m.Keys {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("key id must not be empty")
		}
		key.Secret = strings.TrimSpace(key.Secret)
		if key.Secret == "" && strings.TrimSpace(key.SecretEnv) != "" {
			key.Secret = strings.TrimSpace(getenv(strings.TrimSpace(key.SecretEnv)))
		}
		if key.Secret == "" {
			return fmt.Errorf("keys.%s: secret or secret_env is required", id)
		}
		m.Keys[id] = key
	}
	return nil
}

// ParsedNetworks returns the configured networks keyed by canonical name.
func (c Config) ParsedNetworks() (map[stablecoin.Network]NetworkConfig, error) {
	out := make(map[stablecoin.Network]NetworkConfig, len(c.Networks))
	for name, network := range c.Networks {
		parsed, err := stablecoin.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		out[parsed] = network
	}
	return out, nil
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
