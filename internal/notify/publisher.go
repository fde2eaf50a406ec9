package notify

import (
	"context"
	"log"
)

// Publisher hands an event to the notification transport. Callers treat failures as best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the process log only. Used when no transport is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	log.Printf("notify: %s account=%s device=%s risk=%d links=%d (no transport configured)",
		e.Type, e.AccountID, e.DeviceID, e.RiskScore, len(e.ActionLinks))
	return nil
}

func (LogPublisher) Close() error { return nil }

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
