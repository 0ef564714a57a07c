package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPayRelayMetricsIsSingleton(t *testing.T) {
	require.Same(t, PayRelay(), PayRelay())
}

func TestPayRelayMetricsRecord(t *testing.T) {
	m := PayRelay()
	before := testutil.ToFloat64(m.signOutcomes.WithLabelValues("signed"))
	m.RecordSign(" Signed ")
	require.Equal(t, before+1, testutil.ToFloat64(m.signOutcomes.WithLabelValues("signed")))

	m.SetFeePayerBalance("test", 5_000_000)
	require.Equal(t, float64(5_000_000), testutil.ToFloat64(m.feePayerBalance.WithLabelValues("test")))

	m.RecordSubmission("confirmed", 2*time.Second)
	m.RecordDecodeFailures("test", 0)
	m.RecordPaymentRequest("")
	require.Equal(t, 1.0, testutil.ToFloat64(m.paymentRequests.WithLabelValues("UNKNOWN")))

	m.RecordTreasuryTransaction("Refund", "usdc", true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.treasury.WithLabelValues("refund", "USDC", "true")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *PayRelayMetrics
	m.RecordSign("signed")
	m.RecordSubmission("failed", time.Second)
	m.RecordPriceQuote("fresh")
	m.RecordPriceFeedError()
	m.SetFeePayerBalance("test", 1)
	m.RecordDiscovery("test", "ok")
	m.RecordDecodeFailures("test", 2)
	m.RecordTreasuryTransaction("withdraw", "SOL", false)
}
