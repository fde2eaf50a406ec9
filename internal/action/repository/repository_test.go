package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"campus-auth/backend/internal/action/domain"
	"campus-auth/backend/internal/db"
	"campus-auth/backend/internal/db/migrate"
)

func runContract(t *testing.T, r Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	tok := &domain.Token{
		TokenID:   uuid.NewString(),
		AccountID: "acc-" + uuid.NewString(),
		DeviceID:  uuid.NewString(),
		Action:    domain.ActionRevokeDevice,
		ExpiresAt: now.Add(30 * time.Minute),
		CreatedAt: now,
	}
	if err := r.Create(ctx, tok); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create(ctx, tok); err != ErrDuplicateToken {
		t.Fatalf("Create duplicate: want ErrDuplicateToken, got %v", err)
	}
	got, err := r.Get(ctx, tok.TokenID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.Used || got.UsedAt != nil || got.Action != domain.ActionRevokeDevice || got.DeviceID != tok.DeviceID {
		t.Errorf("unexpected record %+v", got)
	}
	if missing, err := r.Get(ctx, "missing"); err != nil || missing != nil {
		t.Errorf("Get missing = %v, %v; want nil, nil", missing, err)
	}

	ok, err := r.MarkUsed(ctx, tok.TokenID, now)
	if err != nil || !ok {
		t.Fatalf("first MarkUsed = %v, %v", ok, err)
	}
	ok, err = r.MarkUsed(ctx, tok.TokenID, now.Add(time.Second))
	if err != nil || ok {
		t.Fatalf("second MarkUsed = %v, %v; want false", ok, err)
	}
	if ok, _ := r.MarkUsed(ctx, "missing", now); ok {
		t.Error("MarkUsed on unknown token should be false")
	}
	got, _ = r.Get(ctx, tok.TokenID)
	if !got.Used || got.UsedAt == nil || !got.UsedAt.Equal(now) {
		t.Errorf("used flag not persisted: %+v", got)
	}

	// Concurrent redemption: exactly one winner.
	race := &domain.Token{TokenID: uuid.NewString(), AccountID: tok.AccountID, Action: domain.ActionRevokeAll,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now}
	if err := r.Create(ctx, race); err != nil {
		t.Fatalf("Create race token: %v", err)
	}
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.MarkUsed(ctx, race.TokenID, now)
			if err != nil {
				t.Errorf("MarkUsed: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("concurrent MarkUsed winners = %d, want 1", wins)
	}
}

func TestContract_Memory(t *testing.T) {
	runContract(t, NewMemoryRepository())
}

func TestContract_Postgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	conn, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer conn.Close()
	runContract(t, NewPostgresRepository(conn))
}

func TestContract_Mongo(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	defer client.Disconnect(ctx)
	runContract(t, NewMongoRepository(client.Database("campus_auth_test")))
}
