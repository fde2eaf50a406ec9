package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	accountrepo "campus-auth/backend/internal/account/repository"
	actionrepo "campus-auth/backend/internal/action/repository"
	actionservice "campus-auth/backend/internal/action/service"
	"campus-auth/backend/internal/audit"
	auditrepo "campus-auth/backend/internal/audit/repository"
	"campus-auth/backend/internal/config"
	"campus-auth/backend/internal/db"
	"campus-auth/backend/internal/geo"
	healthhandler "campus-auth/backend/internal/health/handler"
	identityservice "campus-auth/backend/internal/identity/service"
	"campus-auth/backend/internal/metrics"
	"campus-auth/backend/internal/notify"
	"campus-auth/backend/internal/policy/engine"
	"campus-auth/backend/internal/revocation"
	"campus-auth/backend/internal/security"
	"campus-auth/backend/internal/server/interceptors"
	sessionrepo "campus-auth/backend/internal/session/repository"
)

// application holds the wired services and the resources to release on shutdown.
type application struct {
	auth      *identityservice.AuthService
	issuer    *actionservice.Issuer
	auditRepo auditrepo.Repository
	metrics   *metrics.Metrics
	pings     map[string]healthhandler.Ping

	postgres  *sql.DB
	mongo     *mongo.Client
	redis     *redis.Client
	publisher notify.Publisher
}

func build(ctx context.Context, cfg *config.Config, logs *sdklog.LoggerProvider) (*application, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	app := &application{metrics: metrics.New(), pings: map[string]healthhandler.Ping{}}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	app.postgres = conn
	app.pings["postgres"] = conn.PingContext

	var (
		sessions sessionrepo.Repository
		links    actionrepo.Repository
	)
	switch cfg.SessionStore {
	case config.SessionStoreMongo:
		client, database, err := db.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		app.mongo = client
		app.pings["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
		mongoSessions := sessionrepo.NewMongoRepository(database)
		if err := mongoSessions.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		sessions = mongoSessions
		links = actionrepo.NewMongoRepository(database)
	default:
		sessions = sessionrepo.NewPostgresRepository(conn)
		links = actionrepo.NewPostgresRepository(conn)
	}

	var cache revocation.Cache
	if cfg.RedisAddr != "" {
		client, err := db.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		app.redis = client
		app.pings["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		cache = revocation.NewRedisCache(client)
	} else {
		log.Println("server: REDIS_ADDR not set; using in-process revocation cache")
		cache = revocation.NewMemoryCache()
	}
	denylist := revocation.NewDenylist(cache, revocation.Options{
		Floor:       cfg.RevocationTTLFloor(),
		FallbackTTL: cfg.AccessTTL(),
		Metrics:     app.metrics,
	})

	privateKey, publicKey, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	module := ""
	if cfg.PolicyFile != "" {
		raw, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
		module = string(raw)
	}
	policy, err := engine.NewOPAEvaluator(module)
	if err != nil {
		return nil, err
	}
	app.pings["policy"] = policy.HealthCheck

	var resolver geo.Resolver = geo.NopResolver{}
	if cfg.GeoLookupURL != "" {
		resolver = geo.NewIPWhoIsClient(cfg.GeoLookupURL, cfg.GeoTimeout(), cfg.GeoRatePerSec)
	}

	var publisher notify.Publisher = notify.NewOTelPublisher(logs)
	if kafkaPublisher := notify.NewKafkaPublisher(cfg.KafkaBrokersList(), cfg.NotifyKafkaTopic); kafkaPublisher != nil {
		publisher = notify.Fanout{kafkaPublisher, publisher}
	}
	app.publisher = publisher

	app.auditRepo = auditrepo.NewPostgresRepository(conn)
	auditLogger := audit.NewLogger(app.auditRepo, interceptors.ClientIP)

	app.issuer = actionservice.NewIssuer(tokens, links, sessions, denylist, auditLogger, app.metrics,
		cfg.ActionLinkBaseURL, cfg.ActionLinkTTL())
	app.auth = identityservice.NewAuthService(identityservice.Deps{
		Accounts:    accountrepo.NewPostgresRepository(conn),
		Sessions:    sessions,
		Hasher:      security.NewHasher(cfg.BcryptCost),
		Tokens:      tokens,
		Denylist:    denylist,
		Geo:         resolver,
		Links:       app.issuer,
		Publisher:   publisher,
		Policy:      policy,
		Audit:       auditLogger,
		Metrics:     app.metrics,
		TaskTimeout: cfg.NotifyTimeout(),
	})
	return app, nil
}

// close releases external connections. Background tasks must already be drained.
func (a *application) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Printf("publisher close: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			log.Printf("mongo disconnect: %v", err)
		}
	}
	if a.postgres != nil {
		_ = a.postgres.Close()
	}
}
