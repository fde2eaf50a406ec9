package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.LoginAttempt()
	m.SessionsRevoked(3)
	m.ActionRedeemed("approve_device")
	m.CacheFailure("get")
	m.RPC("/x", "OK")
	if m.Handler() == nil {
		t.Fatal("nil Metrics should still return a handler")
	}
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := New()
	m.LoginAttempt()
	m.LoginAttempt()
	m.SessionsRevoked(2)
	m.ActionRedeemed("revoke_all")
	m.CacheFailure("set")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"campus_auth_login_attempts_total 2",
		"campus_auth_sessions_revoked_total 2",
		`campus_auth_action_links_redeemed_total{action="revoke_all"} 1`,
		`campus_auth_revocation_cache_failures_total{op="set"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
