// Package metrics holds the Prometheus counters for the authentication protocol.
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campus_auth"

// Metrics is the set of protocol counters registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	loginAttempts   prometheus.Counter
	loginFailed     prometheus.Counter
	loginSucceeded  prometheus.Counter
	sessionsCreated prometheus.Counter
	sessionsRevoked prometheus.Counter
	reuseDetected   prometheus.Counter
	newDeviceAlerts prometheus.Counter
	trustedDevices  prometheus.Counter
	highRiskBlocked prometheus.Counter
	actionsRedeemed *prometheus.CounterVec
	cacheFailures   *prometheus.CounterVec
	rpcs            *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		gatherer:        reg,
		loginAttempts:   counter("login_attempts_total", "Login attempts."),
		loginFailed:     counter("login_failed_total", "Logins rejected for bad credentials."),
		loginSucceeded:  counter("login_succeeded_total", "Logins that returned tokens."),
		sessionsCreated: counter("sessions_created_total", "Device sessions created."),
		sessionsRevoked: counter("sessions_revoked_total", "Device sessions revoked."),
		reuseDetected:   counter("refresh_reuse_detected_total", "Stale refresh tokens presented."),
		newDeviceAlerts: counter("new_device_alerts_total", "Device approval alerts requested."),
		trustedDevices:  counter("trusted_devices_total", "Devices approved through an action link."),
		highRiskBlocked: counter("high_risk_blocked_total", "Logins blocked for high risk."),
		actionsRedeemed: vec("action_links_redeemed_total", "Action links redeemed, by action.", "action"),
		cacheFailures:   vec("revocation_cache_failures_total", "Revocation cache errors, by operation.", "op"),
		rpcs:            vec("rpc_requests_total", "gRPC requests, by method and status code.", "method", "code"),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (m *Metrics) LoginAttempt() {
	if m != nil {
		inc(m.loginAttempts)
	}
}

func (m *Metrics) LoginFailed() {
	if m != nil {
		inc(m.loginFailed)
	}
}

func (m *Metrics) LoginSucceeded() {
	if m != nil {
		inc(m.loginSucceeded)
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		inc(m.sessionsCreated)
	}
}

// SessionsRevoked adds n revoked sessions.
func (m *Metrics) SessionsRevoked(n int) {
	if m != nil && n > 0 {
		m.sessionsRevoked.Add(float64(n))
	}
}

func (m *Metrics) ReuseDetected() {
	if m != nil {
		inc(m.reuseDetected)
	}
}

func (m *Metrics) NewDeviceAlert() {
	if m != nil {
		inc(m.newDeviceAlerts)
	}
}

func (m *Metrics) DeviceTrusted() {
	if m != nil {
		inc(m.trustedDevices)
	}
}

func (m *Metrics) HighRiskBlocked() {
	if m != nil {
		inc(m.highRiskBlocked)
	}
}

func (m *Metrics) ActionRedeemed(action string) {
	if m != nil {
		m.actionsRedeemed.WithLabelValues(action).Inc()
	}
}

// CacheFailure counts a revocation cache error for op ("set" or "get").
func (m *Metrics) CacheFailure(op string) {
	if m != nil {
		m.cacheFailures.WithLabelValues(op).Inc()
	}
}

// RPC counts one finished gRPC call.
func (m *Metrics) RPC(method, code string) {
	if m != nil {
		m.rpcs.WithLabelValues(method, code).Inc()
	}
}
