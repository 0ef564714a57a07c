package payrelay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sponsorpay/native/stablecoin"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func baseConfig(t *testing.T) string {
	t.Helper()
	return `
public_base_url: "https://pay.example.com"
networks:
  devnet:
    rpc_endpoint: "http://127.0.0.1:8899"
fee_payer:
  key: "` + newWallet(t).String() + `"
admin:
  jwt_secret: "operator-secret"
`
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig(t)))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, DefaultProgramID, cfg.ProgramID)
	require.Equal(t, "test", cfg.DefaultNetwork)
	require.Equal(t, uint64(10), cfg.HouseShare)
	require.Equal(t, 45*time.Second, cfg.Submission.ConfirmTimeout.Duration)
	require.Equal(t, 3, *cfg.Submission.MaxResends)
	require.Equal(t, time.Minute, cfg.Price.TTL.Duration)
	require.Equal(t, "100", cfg.Price.FallbackUSD)
	require.Equal(t, 5*time.Minute, cfg.Registry.CacheTTL.Duration)
	require.Equal(t, "127.0.0.1:9090", cfg.Admin.ListenAddress)
	require.Contains(t, cfg.RateLimits, "transactions")
	require.Equal(t, DefaultFloor().Lamports(), cfg.Floor.TxFeeLamports+cfg.Floor.RentReserveLamports)

	networks, err := cfg.ParsedNetworks()
	require.NoError(t, err)
	require.Contains(t, networks, stablecoin.NetworkTest)

	key, err := cfg.FeePayer.Load()
	require.NoError(t, err)
	require.False(t, key.PublicKey().IsZero())
}

func TestLoadConfigReadsKeyFromEnv(t *testing.T) {
	t.Setenv("PAYRELAY_TEST_FEE_PAYER", newWallet(t).String())
	cfg, err := LoadConfig(writeConfig(t, `
public_base_url: "https://pay.example.com"
networks:
  test:
    rpc_endpoint: "http://127.0.0.1:8899"
fee_payer:
  key_env: PAYRELAY_TEST_FEE_PAYER
admin:
  jwt_secret: "operator-secret"
`))
	require.NoError(t, err)
	_, err = cfg.FeePayer.Load()
	require.NoError(t, err)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]func(string) string{
		"short confirm timeout": appendYAML("submission:\n  confirm_timeout: 10s\n"),
		"long confirm timeout":  appendYAML("submission:\n  confirm_timeout: 90s\n"),
		"too many resends":      appendYAML("submission:\n  max_resends: 4\n"),
		"bad fallback":          appendYAML("price:\n  fallback_usd: \"-1\"\n"),
		"unknown field":         appendYAML("surprise: true\n"),
		"unserved default":      appendYAML("default_network: production\n"),
		"house share":           appendYAML("house_share_per_mille: 1001\n"),
		"merchant key secret":   appendYAML("merchant_api:\n  keys:\n    pos: {}\n"),
		"bad sample ratio":      appendYAML("telemetry:\n  sample_ratio: 1.5\n"),
		"merchant key scope":    appendYAML("merchant_api:\n  keys:\n    pos:\n      secret: x\n      merchants: [\"not-a-key\"]\n"),
		"public admin": func(body string) string {
			return strings.Replace(body, "admin:\n", "admin:\n  listen: \"0.0.0.0:9090\"\n", 1)
		},
		"missing secret": func(body string) string {
			return strings.Replace(body, "  jwt_secret: \"operator-secret\"\n", "", 1)
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, edit(baseConfig(t))))
			require.Error(t, err)
		})
	}
}

func appendYAML(extra string) func(string) string {
	return func(body string) string { return body + extra }
}

func TestLoadConfigAllowsPublicAdminWhenOptedIn(t *testing.T) {
	body := strings.Replace(baseConfig(t), "admin:\n", "admin:\n  listen: \"0.0.0.0:9090\"\n  allow_public: true\n", 1)
	_, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
}

func TestLoadConfigMerchantAPIKeys(t *testing.T) {
	t.Setenv("PAYRELAY_TEST_POS_SECRET", "pos-secret")
	acme := newWallet(t).PublicKey().String()
	cfg, err := LoadConfig(writeConfig(t, baseConfig(t)+`
merchant_api:
  nonce_db: /var/lib/payrelay/nonces
  timestamp_skew: 90s
  keys:
    pos:
      secret_env: PAYRELAY_TEST_POS_SECRET
      merchants: ["`+acme+`"]
`))
	require.NoError(t, err)
	require.Equal(t, "pos-secret", cfg.MerchantAPI.Keys["pos"].Secret)
	require.Equal(t, []string{acme}, cfg.MerchantAPI.Keys["pos"].Merchants)
	require.Equal(t, 90*time.Second, cfg.MerchantAPI.TimestampSkew.Duration)
}

func TestTelemetryConfigDescribesRelay(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig(t)+`
telemetry:
  endpoint: "https://otel.example.com/relay"
  headers: {x-tenant: payrelay}
  sample_ratio: 0.25
`))
	require.NoError(t, err)
	feePayer := newWallet(t).PublicKey()

	tc := telemetryConfig(cfg, "staging", feePayer)
	require.Equal(t, "payrelay", tc.ServiceName)
	require.Equal(t, "staging", tc.Environment)
	require.Equal(t, "https://otel.example.com/relay", tc.Endpoint)
	require.Equal(t, "payrelay", tc.Headers["x-tenant"])
	require.Equal(t, 0.25, tc.SampleRatio)
	require.Equal(t, 30*time.Second, tc.ExportInterval)
	require.Equal(t, "devnet", tc.Attributes["payrelay.networks"])
	require.Equal(t, feePayer.String(), tc.Attributes["payrelay.fee_payer"])
	require.True(t, tc.WithEnv(func(string) string { return "" }).Traces)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PAYRELAY_LISTEN":          ":9999",
		"PAYRELAY_DEFAULT_NETWORK": "production",
		"PAYRELAY_RPC_PRODUCTION":  "https://rpc.example.com",
		"PAYRELAY_LOG_LEVEL":       "debug",
	}
	cfg := Config{}
	applyEnvOverrides(&cfg, func(key string) string { return env[key] })

	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, "production", cfg.DefaultNetwork)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "https://rpc.example.com", cfg.Networks["production"].RPCEndpoint)
	require.NotContains(t, cfg.Networks, "test")
}

func TestIsLoopbackAddress(t *testing.T) {
	require.True(t, isLoopbackAddress("127.0.0.1:9090"))
	require.True(t, isLoopbackAddress("localhost:9090"))
	require.True(t, isLoopbackAddress("[::1]:9090"))
	require.False(t, isLoopbackAddress(":9090"))
	require.False(t, isLoopbackAddress("0.0.0.0:9090"))
}
