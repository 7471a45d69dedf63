package subscription

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"gossipnet/p2p"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *subscriptionMetrics
)

type subscriptionMetrics struct {
	peerStatus    *prometheus.GaugeVec
	maxDuration   prometheus.Gauge
	terminations  *prometheus.CounterVec
	keepalives    prometheus.Counter
	registrations *prometheus.CounterVec

	meter              metric.Meter
	terminationCounter metric.Int64Counter
	keepaliveCounter   metric.Int64Counter
}

func newSubscriptionMetrics() *subscriptionMetrics {
	metricsInitOnce.Do(func() {
		m := &subscriptionMetrics{
			peerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gossipnet_subscription_status",
				Help: "Current subscription state per peer (1=subscribing, 2=subscribed).",
			}, []string{"peer"}),
			maxDuration: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gossipnet_subscription_max_duration_seconds",
				Help: "Longest subscription lifetime observed since process start.",
			}),
			terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossipnet_subscription_terminations_total",
				Help: "Subscription terminations by outcome.",
			}, []string{"reason"}),
			keepalives: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gossipnet_subscription_keepalives_sent_total",
				Help: "Keep-alive probes sent across all subscriptions.",
			}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossipnet_subscription_registrations_total",
				Help: "Inbound subscription registration outcomes.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(m.peerStatus, m.maxDuration, m.terminations, m.keepalives, m.registrations)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *subscriptionMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("gossipnet/subscription")
	terminations, err := meter.Int64Counter("gossipnet.subscription.terminations")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("gossipnet/subscription")
		terminations, _ = fallback.Int64Counter("gossipnet.subscription.terminations")
		meter = fallback
	}
	keepalives, err := meter.Int64Counter("gossipnet.subscription.keepalives")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("gossipnet/subscription")
		keepalives, _ = fallback.Int64Counter("gossipnet.subscription.keepalives")
		meter = fallback
	}
	m.meter = meter
	m.terminationCounter = terminations
	m.keepaliveCounter = keepalives
}

func (m *subscriptionMetrics) observePeerStatus(peer p2p.PeerID, status Status) {
	if m == nil || peer == "" {
		return
	}
	m.peerStatus.WithLabelValues(string(peer)).Set(float64(status))
}

func (m *subscriptionMetrics) clearPeerStatus(peer p2p.PeerID) {
	if m == nil || peer == "" {
		return
	}
	m.peerStatus.DeleteLabelValues(string(peer))
}

func (m *subscriptionMetrics) recordTermination(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.terminations.WithLabelValues(reason).Inc()
	if m.terminationCounter != nil {
		m.terminationCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

func (m *subscriptionMetrics) recordKeepalive() {
	if m == nil {
		return
	}
	m.keepalives.Inc()
	if m.keepaliveCounter != nil {
		m.keepaliveCounter.Add(context.Background(), 1)
	}
}

func (m *subscriptionMetrics) recordRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *subscriptionMetrics) observeMaxDuration(seconds float64) {
	if m == nil {
		return
	}
	m.maxDuration.Set(seconds)
}
