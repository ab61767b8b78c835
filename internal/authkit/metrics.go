package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth events reported to the MetricsRecorder.
const (
	metricAuthRegisterSuccess  = "auth.register.success"
	metricAuthRegisterConflict = "auth.register.conflict"
	metricAuthRegisterFailure  = "auth.register.failure"
	metricAuthLoginSuccess     = "auth.login.success"
	metricAuthLoginFailure     = "auth.login.failure"
	metricAuthRefreshSuccess   = "auth.refresh.success"
	metricAuthRefreshFailure   = "auth.refresh.failure"
	metricAuthRefreshReuse     = "auth.refresh.revoked"
	metricAuthLogoutSuccess    = "auth.logout.success"
	metricAuthLogoutAllSuccess = "auth.logout_all.success"
	metricAuthGoogleSuccess    = "auth.google.success"
	metricAuthGoogleFailure    = "auth.google.failure"
	metricAuthRateLimited      = "auth.rate_limited"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// PrometheusMetrics exports auth events as the talebook_auth_events_total counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth event counter with the registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "talebook_auth_events_total",
		Help: "Authentication events by outcome.",
	}, []string{"event"})
	registerer.MustRegister(events)
	return &PrometheusMetrics{events: events}
}

// Increment adds one to the event's series.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
