package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics captures webhook ingestion and reconciliation sweep outcomes.
type BillingMetrics struct {
	webhookProcessed  *prometheus.CounterVec
	chargeOutcomes    *prometheus.CounterVec
	sweepActions      *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	subscriptionState *prometheus.GaugeVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Config carries the constant labels attached to every metric.
type Config struct {
	ServiceName string
	Environment string
}

func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billingd"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	webhookProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "billing_webhook_processed_total",
			Help:        "Inbound gateway callbacks by event type and result.",
			ConstLabels: constLabels,
		},
		[]string{"event_type", "result"}, // applied | duplicate | invalid_signature | unknown_subscription | error
	)

	chargeOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "billing_charge_outcomes_total",
			Help:        "Charge outcomes applied to the subscription state machine.",
			ConstLabels: constLabels,
		},
		[]string{"source", "outcome"}, // webhook|scheduler x success|failure|indeterminate
	)

	sweepActions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "billing_sweep_actions_total",
			Help:        "Reconciliation sweep actions by pass and result.",
			ConstLabels: constLabels,
		},
		[]string{"pass", "result"}, // retry|grace|cancel x acted|skipped|failed
	)

	sweepDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:        "billing_sweep_duration_seconds",
			Help:        "Duration of one full reconciliation sweep.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
	)

	subscriptionState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "billing_subscriptions_by_status",
			Help:        "Current subscription counts by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)

	registerer.MustRegister(
		webhookProcessed,
		chargeOutcomes,
		sweepActions,
		sweepDuration,
		subscriptionState,
	)

	return &BillingMetrics{
		webhookProcessed:  webhookProcessed,
		chargeOutcomes:    chargeOutcomes,
		sweepActions:      sweepActions,
		sweepDuration:     sweepDuration,
		subscriptionState: subscriptionState,
	}
}

func (m *BillingMetrics) IncWebhookProcessed(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookProcessed.WithLabelValues(eventType, result).Inc()
}

func (m *BillingMetrics) IncChargeOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.chargeOutcomes.WithLabelValues(source, outcome).Inc()
}

func (m *BillingMetrics) IncSweepAction(pass, result string) {
	if m == nil {
		return
	}
	m.sweepActions.WithLabelValues(pass, result).Inc()
}

func (m *BillingMetrics) ObserveSweepDuration(seconds float64) {
	if m == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	m.sweepDuration.Observe(seconds)
}

func (m *BillingMetrics) SetSubscriptionCount(status string, value int) {
	if m == nil {
		return
	}
	m.subscriptionState.WithLabelValues(status).Set(float64(value))
}
