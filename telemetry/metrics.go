// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	SendsRejected    prometheus.Counter
	Reconnects       prometheus.Counter
	RotationFailures prometheus.Counter
	FramesDropped    prometheus.Counter

	// Histograms (seconds)
	ConnectDuration prometheus.Observer

	// Gauges
	ConnectionsGauge prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_received_total", Help: "Number of chat messages received across all channels"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_sent_total", Help: "Number of chat messages sent"})
		SendsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_rejected_total", Help: "Number of outbound messages denied by the local rate limiter"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Number of reconnect attempts scheduled after a connection fault"})
		RotationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_token_rotation_failures_total", Help: "Number of failed OAuth token rotations"})
		FramesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_frames_dropped_total", Help: "Number of malformed protocol frames dropped at the parse boundary"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_connect_duration_seconds", Help: "Time from dial to channel membership confirmation", Buckets: prometheus.DefBuckets})
		ConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connections", Help: "Current number of live channel connections"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_circuit_open", Help: "Circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetConnections records the current live connection count.
func SetConnections(n int) {
	if ConnectionsGauge != nil {
		ConnectionsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
