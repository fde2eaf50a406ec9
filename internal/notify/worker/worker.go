// Package worker consumes notification events from Kafka and hands each alert once to a delivery sink.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"campus-auth/backend/internal/notify"
)

const (
	dedupeKeyPrefix  = "notify_seen:"
	DefaultDedupeTTL = 24 * time.Hour
)

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Deduper records event ids. Claim returns true the first time id is seen; Release forgets id so a
// failed delivery can be retried by a later redelivery.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Sink delivers one raw notification event.
type Sink interface {
	PushAlertJSON(ctx context.Context, raw []byte) error
}

// RedisDeduper claims ids with SET NX so concurrent workers deliver each event at most once per TTL.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduper returns a RedisDeduper. ttl <= 0 uses DefaultDedupeTTL.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKeyPrefix+id, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	return d.client.Del(ctx, dedupeKeyPrefix+id).Err()
}

// Parker sets aside an event the sink would not accept so its offset can be committed.
type Parker interface {
	Park(ctx context.Context, msg kafka.Message, cause error) error
}

// KafkaParker copies undeliverable messages to a separate topic for later replay.
type KafkaParker struct {
	writer *kafka.Writer
}

// NewKafkaParker returns a parker writing to topic, or nil when brokers or topic are empty.
func NewKafkaParker(brokers []string, topic string) *KafkaParker {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaParker{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  5,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Park writes msg unchanged apart from two extra headers naming its source and the last error.
func (p *KafkaParker) Park(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "parked-from", Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))},
		kafka.Header{Key: "parked-error", Value: []byte(cause.Error())},
	)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers, Time: msg.Time})
}

// Close flushes and closes the writer. Safe on nil.
func (p *KafkaParker) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Options tunes delivery retries.
type Options struct {
	// Attempts is how many times one event is offered to the sink. Default 3.
	Attempts int
	// Backoff is the wait before the second attempt; it doubles per attempt. Default 500ms.
	Backoff time.Duration
	// Timeout bounds one sink call. Default 10s.
	Timeout time.Duration
	// Parker receives events that exhaust their attempts. When nil, Run stops on such an event
	// and leaves its offset uncommitted.
	Parker Parker
}

// Outcome is what Handle did with one message.
type Outcome int

const (
	// Delivered: the sink accepted the event.
	Delivered Outcome = iota
	// Skipped: the event was undecodable, invalid or already delivered. It will never be delivered.
	Skipped
	// Failed: the sink rejected every attempt. The event must not be committed as handled.
	Failed
)

// ErrUndelivered is returned by Run when an event could neither be delivered nor parked.
var ErrUndelivered = errors.New("notification not delivered")

// Worker reads, de-duplicates, delivers, then commits each message.
type Worker struct {
	reader Reader
	dedupe Deduper
	sink   Sink
	opts   Options
}

// New returns a Worker. dedupe may be nil; then every message is delivered.
func New(reader Reader, dedupe Deduper, sink Sink, opts Options) *Worker {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Worker{reader: reader, dedupe: dedupe, sink: sink, opts: opts}
}

// Run consumes until ctx is done. A message is committed once it is delivered, skipped or parked.
// An event that fails delivery and cannot be parked stops Run with ErrUndelivered and its offset
// uncommitted, so the group redelivers it after restart.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: kafka fetch: %v", err)
			if !sleep(ctx, w.opts.Backoff) {
				return nil
			}
			continue
		}
		if w.Handle(ctx, msg) == Failed {
			if ctx.Err() != nil {
				return nil
			}
			if err := w.park(ctx, msg); err != nil {
				return err
			}
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Printf("worker: commit offset %d: %v", msg.Offset, err)
		}
	}
}

func (w *Worker) park(ctx context.Context, msg kafka.Message) error {
	if w.opts.Parker == nil {
		return fmt.Errorf("%w: offset %d left uncommitted", ErrUndelivered, msg.Offset)
	}
	if err := w.opts.Parker.Park(ctx, msg, ErrUndelivered); err != nil {
		return fmt.Errorf("%w: park offset %d: %v", ErrUndelivered, msg.Offset, err)
	}
	log.Printf("worker: parked offset %d after %d attempts", msg.Offset, w.opts.Attempts)
	return nil
}

// Handle processes one message.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) Outcome {
	var e notify.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		log.Printf("worker: skipping undecodable message at offset %d: %v", msg.Offset, err)
		return Skipped
	}
	if err := e.Validate(); err != nil {
		log.Printf("worker: skipping invalid event at offset %d: %v", msg.Offset, err)
		return Skipped
	}
	if w.dedupe != nil {
		first, err := w.dedupe.Claim(ctx, e.ID)
		switch {
		case err != nil:
			log.Printf("worker: dedupe unavailable for %s, delivering: %v", e.ID, err)
		case !first:
			return Skipped
		}
	}
	if err := w.deliver(ctx, msg.Value); err != nil {
		log.Printf("worker: %s %s undelivered after %d attempts: %v", e.Type, e.ID, w.opts.Attempts, err)
		if w.dedupe != nil {
			if rerr := w.dedupe.Release(context.WithoutCancel(ctx), e.ID); rerr != nil {
				log.Printf("worker: release %s: %v", e.ID, rerr)
			}
		}
		return Failed
	}
	return Delivered
}

func (w *Worker) deliver(ctx context.Context, raw []byte) error {
	backoff := w.opts.Backoff
	var err error
	for attempt := 1; attempt <= w.opts.Attempts; attempt++ {
		pushCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		err = w.sink.PushAlertJSON(pushCtx, raw)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < w.opts.Attempts && !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
