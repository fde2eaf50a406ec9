package interceptors

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"campus-auth/backend/internal/metrics"
)

func rpcCount(t *testing.T, m *metrics.Metrics, method, code string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "rpc_requests_total") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["code"] == code {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMetricsUnary_CountsByCode(t *testing.T) {
	m := metrics.New()
	interceptor := MetricsUnary(m, map[string]bool{"/grpc.health.v1.Health/Check": true})

	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return "success", nil }
	denied := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.PermissionDenied, "denied")
	}
	plain := func(ctx context.Context, req interface{}) (interface{}, error) { return nil, errors.New("boom") }

	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}
	for i := 0; i < 2; i++ {
		if _, err := interceptor(context.Background(), "req", info, ok); err != nil {
			t.Fatalf("interceptor: %v", err)
		}
	}
	if _, err := interceptor(context.Background(), "req", info, denied); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("code = %v, want PermissionDenied", status.Code(err))
	}
	if _, err := interceptor(context.Background(), "req", info, plain); err == nil {
		t.Fatal("expected handler error to pass through")
	}
	if _, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, ok); err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	if got := rpcCount(t, m, "/test.Service/Method", "OK"); got != 2 {
		t.Errorf("OK count = %v, want 2", got)
	}
	if got := rpcCount(t, m, "/test.Service/Method", "PermissionDenied"); got != 1 {
		t.Errorf("PermissionDenied count = %v, want 1", got)
	}
	if got := rpcCount(t, m, "/test.Service/Method", "Unknown"); got != 1 {
		t.Errorf("Unknown count = %v, want 1", got)
	}
	if got := rpcCount(t, m, "/grpc.health.v1.Health/Check", "OK"); got != 0 {
		t.Errorf("skipped method counted %v times", got)
	}
}

func TestMetricsUnary_NilMetrics(t *testing.T) {
	interceptor := MetricsUnary(nil, nil)
	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return "success", nil })
	if err != nil || resp != "success" {
		t.Fatalf("resp = %v, err = %v", resp, err)
	}
}
