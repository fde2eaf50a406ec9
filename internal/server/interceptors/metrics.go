package interceptors

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"campus-auth/backend/internal/metrics"
)

// MetricsUnary returns a unary server interceptor that counts each finished RPC by method and status code.
// Internal errors are logged with their duration. skipMethods is the set of full method names to not count
// (e.g. the grpc health check). A nil m only logs.
func MetricsUnary(m *metrics.Metrics, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		m.RPC(info.FullMethod, code.String())
		if code == codes.Internal || code == codes.Unknown {
			log.Printf("grpc: %s failed after %s from %s: %v", info.FullMethod, time.Since(start), ClientIP(ctx), err)
		}
		return resp, err
	}
}
