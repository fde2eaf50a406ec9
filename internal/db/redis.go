package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpenRedis returns a client for addr after a successful ping.
func OpenRedis(ctx context.Context, addr, password string, database int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("db: empty redis address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("db: redis ping: %w", err)
	}
	return client, nil
}
