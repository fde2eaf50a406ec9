// server runs the authentication gRPC API and the HTTP listener for action links, metrics and health.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	actionhandler "campus-auth/backend/internal/action/handler"
	"campus-auth/backend/internal/config"
	healthhandler "campus-auth/backend/internal/health/handler"
	"campus-auth/backend/internal/server"
	"campus-auth/backend/internal/server/interceptors"
	telemetryotel "campus-auth/backend/internal/telemetry/otel"
)

const serviceName = "campus-auth"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	providers, err := telemetryotel.NewProviders(ctx, cfg.OTelEndpoint, serviceName, cfg.Env, cfg.OTelInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	app, err := build(ctx, cfg, providers.LoggerProvider)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	trusted, err := interceptors.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("config: TRUSTED_PROXIES: %v", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	grpcHealth := health.NewServer()
	skip := map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ClientIPUnary(trusted),
			interceptors.MetricsUnary(app.metrics, skip),
			interceptors.AuthUnary(app.auth, server.PublicMethods()),
		),
	)
	server.RegisterServices(s, server.Deps{Auth: app.auth, AuditRepo: app.auditRepo, Health: grpcHealth})

	checker := healthhandler.NewChecker(grpcHealth, app.pings, server.ServiceNames...)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go checker.Watch(watchCtx, 10*time.Second)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	actionhandler.NewHandler(app.issuer).Register(router)
	router.GET("/metrics", gin.WrapH(app.metrics.Handler()))
	checker.Register(router)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	checker.Shutdown()
	stopWatch()
	s.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := app.auth.Drain(shutdownCtx); err != nil {
		log.Printf("drain background tasks: %v", err)
	}
	app.close(shutdownCtx)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("server stopped")
}
