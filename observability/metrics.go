package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payRelayMetricsOnce sync.Once
	payRelayRegistry    *PayRelayMetrics
)

// PayRelayMetrics wraps the collectors tracking relay health.
type PayRelayMetrics struct {
	paymentRequests   *prometheus.CounterVec
	relayTransactions *prometheus.CounterVec
	treasury          *prometheus.CounterVec
	signOutcomes      *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	confirmLatency    *prometheus.HistogramVec
	priceQuotes       *prometheus.CounterVec
	priceFeedErrors   prometheus.Counter
	feePayerBalance   *prometheus.GaugeVec
	discovery         *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
}

// PayRelay exposes the metrics registry for the payment relay.
func PayRelay() *PayRelayMetrics {
	payRelayMetricsOnce.Do(func() {
		payRelayRegistry = &PayRelayMetrics{
			paymentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Name:      "payment_requests_total",
				Help:      "Payment request descriptors issued, by asset.",
			}, []string{"asset"}),
			relayTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Name:      "relay_transactions_total",
				Help:      "Unsigned payment transactions built for wallets, by asset.",
			}, []string{"asset"}),
			treasury: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Name:      "treasury_transactions_total",
				Help:      "Withdrawal and refund transactions built for merchant owners.",
			}, []string{"kind", "asset", "sponsored"}),
			signOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "signer",
				Name:      "outcomes_total",
				Help:      "Fee sponsorship decisions segmented by outcome.",
			}, []string{"outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "submitter",
				Name:      "results_total",
				Help:      "Terminal submission states.",
			}, []string{"status"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "payrelay",
				Subsystem: "submitter",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to a terminal state.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			}, []string{"status"}),
			priceQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "price",
				Name:      "quotes_total",
				Help:      "Price quotes served, by freshness source.",
			}, []string{"source"}),
			priceFeedErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "price",
				Name:      "feed_errors_total",
				Help:      "Upstream price feed failures.",
			}),
			feePayerBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "payrelay",
				Subsystem: "fee_payer",
				Name:      "balance_lamports",
				Help:      "Last observed fee payer balance per network.",
			}, []string{"network"}),
			discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "registry",
				Name:      "discovery_total",
				Help:      "Merchant discovery calls by network and outcome.",
			}, []string{"network", "outcome"}),
			decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payrelay",
				Subsystem: "registry",
				Name:      "decode_failures_total",
				Help:      "Program accounts dropped because they failed to decode.",
			}, []string{"network"}),
		}
		prometheus.MustRegister(
			payRelayRegistry.paymentRequests,
			payRelayRegistry.relayTransactions,
			payRelayRegistry.treasury,
			payRelayRegistry.signOutcomes,
			payRelayRegistry.submissions,
			payRelayRegistry.confirmLatency,
			payRelayRegistry.priceQuotes,
			payRelayRegistry.priceFeedErrors,
			payRelayRegistry.feePayerBalance,
			payRelayRegistry.discovery,
			payRelayRegistry.decodeFailures,
		)
	})
	return payRelayRegistry
}

// RecordPaymentRequest counts an issued descriptor.
func (m *PayRelayMetrics) RecordPaymentRequest(asset string) {
	if m == nil {
		return
	}
	m.paymentRequests.WithLabelValues(labelAsset(asset)).Inc()
}

// RecordRelayTransaction counts a transaction handed to a wallet.
func (m *PayRelayMetrics) RecordRelayTransaction(asset string) {
	if m == nil {
		return
	}
	m.relayTransactions.WithLabelValues(labelAsset(asset)).Inc()
}

// RecordTreasuryTransaction counts a withdrawal or refund built for an owner.
func (m *PayRelayMetrics) RecordTreasuryTransaction(kind, asset string, sponsored bool) {
	if m == nil {
		return
	}
	m.treasury.WithLabelValues(labelReason(kind), labelAsset(asset), strconv.FormatBool(sponsored)).Inc()
}

// RecordSign counts a signer decision.
func (m *PayRelayMetrics) RecordSign(outcome string) {
	if m == nil {
		return
	}
	m.signOutcomes.WithLabelValues(labelReason(outcome)).Inc()
}

// RecordSubmission records a terminal submission state and its latency.
func (m *PayRelayMetrics) RecordSubmission(status string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelReason(status)
	m.submissions.WithLabelValues(label).Inc()
	m.confirmLatency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordPriceQuote counts a served quote by source.
func (m *PayRelayMetrics) RecordPriceQuote(source string) {
	if m == nil {
		return
	}
	m.priceQuotes.WithLabelValues(labelReason(source)).Inc()
}

// RecordPriceFeedError counts an upstream price failure.
func (m *PayRelayMetrics) RecordPriceFeedError() {
	if m == nil {
		return
	}
	m.priceFeedErrors.Inc()
}

// SetFeePayerBalance publishes the latest balance reading.
func (m *PayRelayMetrics) SetFeePayerBalance(network string, lamports uint64) {
	if m == nil {
		return
	}
	m.feePayerBalance.WithLabelValues(labelReason(network)).Set(float64(lamports))
}

// RecordDiscovery counts a merchant discovery call.
func (m *PayRelayMetrics) RecordDiscovery(network, outcome string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(labelReason(network), labelReason(outcome)).Inc()
}

// RecordDecodeFailures counts accounts skipped during discovery.
func (m *PayRelayMetrics) RecordDecodeFailures(network string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.decodeFailures.WithLabelValues(labelReason(network)).Add(float64(n))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelReason(reason string) string {
	trimmed := strings.ToLower(strings.TrimSpace(reason))
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}
