// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived   prometheus.Counter
	AutoResponsesSent  prometheus.Counter
	BonusGrants        prometheus.Counter
	WorkerErrors       prometheus.Counter
	CallbackPanics     prometheus.Counter
	TokenRenewals      *prometheus.CounterVec // labels: authority, result
	TokenValidations   *prometheus.CounterVec // labels: result
	OutboundMessages   prometheus.Counter
	OutboundDropped    prometheus.Counter
	BridgeQueueBacklog prometheus.Gauge

	// Gauges
	ChannelsActive prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_received_total", Help: "Chat messages received across all channels"})
		AutoResponsesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_auto_responses_sent_total", Help: "Auto-responses sent"})
		BonusGrants = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_bonus_grants_total", Help: "Per-user periodic bonus grants"})
		WorkerErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_worker_errors_total", Help: "Channel workers that ended in the error state"})
		CallbackPanics = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_callback_panics_total", Help: "Controller callbacks that panicked during dispatch"})
		TokenRenewals = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_token_renewals_total", Help: "Access token renewal attempts"}, []string{"authority", "result"})
		TokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_token_validations_total", Help: "Access token validation probes"}, []string{"result"})
		OutboundMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_outbound_messages_total", Help: "Messages sent into chat"})
		OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_outbound_dropped_total", Help: "Outbound messages rejected because the worker queue was full"})
		BridgeQueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_bridge_queue_depth", Help: "Events waiting for callback dispatch"})
		ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_channels_active", Help: "Channels currently tracked as active"})
	})
}

// Inc increments c if metrics were initialised.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c if metrics were initialised.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// SetChannelsActive records the current number of active channels.
func SetChannelsActive(n int) {
	if ChannelsActive != nil {
		ChannelsActive.Set(float64(n))
	}
}

// SetBridgeBacklog records how many events wait for dispatch.
func SetBridgeBacklog(n int) {
	if BridgeQueueBacklog != nil {
		BridgeQueueBacklog.Set(float64(n))
	}
}

// RecordRenewal counts a renewal attempt against an authority.
func RecordRenewal(authority string, ok bool) {
	if TokenRenewals == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	TokenRenewals.WithLabelValues(authority, result).Inc()
}

// RecordValidation counts a validation probe.
func RecordValidation(ok bool) {
	if TokenValidations == nil {
		return
	}
	if ok {
		TokenValidations.WithLabelValues("valid").Inc()
		return
	}
	TokenValidations.WithLabelValues("invalid").Inc()
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
