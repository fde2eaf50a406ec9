package handler

import (
	"context"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
)

// Ping reports whether one dependency is reachable (e.g. *sql.DB PingContext, Redis PING, OPA HealthCheck).
type Ping func(ctx context.Context) error

// Checker runs readiness pings and mirrors the result into the gRPC health service.
type Checker struct {
	pings    map[string]Ping
	grpc     *health.Server
	services []string
	timeout  time.Duration

	mu   sync.Mutex
	last map[string]string
}

// NewChecker returns a Checker for pings. grpcHealth may be nil; services are the gRPC service names
// whose serving status follows readiness.
func NewChecker(grpcHealth *health.Server, pings map[string]Ping, services ...string) *Checker {
	return &Checker{
		pings:    pings,
		grpc:     grpcHealth,
		services: services,
		timeout:  2 * time.Second,
		last:     map[string]string{},
	}
}

// Check runs every ping with a per-ping timeout and returns each ping's status ("ok" or the error)
// and whether all passed.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(c.pings))
	for name := range c.pings {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.pings[name](pctx)
		cancel()
		if err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}
	c.publish(results, ready)
	return results, ready
}

// Watch re-runs Check every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Shutdown marks every service as not serving.
func (c *Checker) Shutdown() {
	if c.grpc != nil {
		c.grpc.Shutdown()
	}
}

func (c *Checker) publish(results map[string]string, ready bool) {
	c.mu.Lock()
	for name, res := range results {
		if prev, ok := c.last[name]; ok && prev != res {
			log.Printf("health: %s changed from %q to %q", name, prev, res)
		}
		c.last[name] = res
	}
	c.mu.Unlock()
	if c.grpc == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !ready {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.grpc.SetServingStatus("", st)
	for _, svc := range c.services {
		c.grpc.SetServingStatus(svc, st)
	}
}

// Register adds the liveness and readiness routes to r.
func (c *Checker) Register(r gin.IRoutes) {
	r.GET(LivenessPath, func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(ReadinessPath, func(ctx *gin.Context) {
		results, ready := c.Check(ctx.Request.Context())
		code := http.StatusOK
		state := "ready"
		if !ready {
			code = http.StatusServiceUnavailable
			state = "not_ready"
		}
		ctx.JSON(code, gin.H{"status": state, "checks": results})
	})
}
