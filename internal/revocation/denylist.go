package revocation

import (
	"context"
	"log"
	"sync"
	"time"

	"campus-auth/backend/internal/metrics"
)

const (
	defaultFloor        = 60 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Options configures a Denylist.
type Options struct {
	// Floor is the minimum TTL of an entry, so a token about to expire is still covered while in flight.
	Floor time.Duration
	// FallbackTTL is used when the blocked token's expiry is unknown.
	FallbackTTL time.Duration
	// WriteTimeout bounds each asynchronous write.
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Denylist blocks access tokens by jti. Reads fail open; writes are best effort.
type Denylist struct {
	cache        Cache
	floor        time.Duration
	fallback     time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDenylist returns a Denylist over cache.
func NewDenylist(cache Cache, opts Options) *Denylist {
	d := &Denylist{
		cache:        cache,
		floor:        opts.Floor,
		fallback:     opts.FallbackTTL,
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		now:          time.Now,
	}
	if d.floor <= 0 {
		d.floor = defaultFloor
	}
	if d.fallback < d.floor {
		d.fallback = d.floor
	}
	if d.writeTimeout <= 0 {
		d.writeTimeout = defaultWriteTimeout
	}
	return d
}

// TTL returns the entry lifetime for a token expiring at accessExpiresAt: the remaining lifetime,
// never below the floor. A zero expiry yields the fallback TTL.
func (d *Denylist) TTL(accessExpiresAt time.Time) time.Duration {
	if accessExpiresAt.IsZero() {
		return d.fallback
	}
	remaining := accessExpiresAt.Sub(d.now())
	if remaining < d.floor {
		return d.floor
	}
	return remaining.Round(time.Second)
}

// Block writes the entry for jti synchronously. An empty jti is a no-op.
func (d *Denylist) Block(ctx context.Context, jti string, accessExpiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	if err := d.cache.Set(ctx, KeyPrefix+jti, d.TTL(accessExpiresAt)); err != nil {
		d.metrics.CacheFailure("set")
		return err
	}
	return nil
}

// BlockAsync writes the entry in the background; failures are logged. Wait drains pending writes.
func (d *Denylist) BlockAsync(jti string, accessExpiresAt time.Time) {
	if jti == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		defer cancel()
		if err := d.Block(ctx, jti, accessExpiresAt); err != nil {
			log.Printf("revocation: block jti failed: %v", err)
		}
	}()
}

// IsBlocked reports whether jti is denylisted. Cache errors are logged and treated as not blocked.
func (d *Denylist) IsBlocked(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}
	ok, err := d.cache.Exists(ctx, KeyPrefix+jti)
	if err != nil {
		d.metrics.CacheFailure("get")
		log.Printf("revocation: check jti failed, allowing: %v", err)
		return false
	}
	return ok
}

// Wait blocks until pending asynchronous writes finish or ctx is done.
func (d *Denylist) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
