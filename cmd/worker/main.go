// Worker consumes notification events from Kafka and delivers them to Loki.
// Set KAFKA_BROKERS, NOTIFY_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL. Undeliverable events go to NOTIFY_PARK_TOPIC. REDIS_ADDR enables cross-replica de-duplication.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"campus-auth/backend/internal/config"
	"campus-auth/backend/internal/db"
	"campus-auth/backend/internal/notify/worker"
	"campus-auth/backend/internal/telemetry/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.NotifyKafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  1 * time.Second,
	})
	defer reader.Close()

	var dedupe worker.Deduper
	if cfg.RedisAddr != "" {
		client, err := db.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("worker: %v", err)
		}
		defer client.Close()
		dedupe = worker.NewRedisDeduper(client, worker.DefaultDedupeTTL)
	} else {
		log.Println("worker: REDIS_ADDR not set; duplicate deliveries are not suppressed")
	}

	sink := loki.NewClient(cfg.LokiURL, &http.Client{Timeout: 10 * time.Second})
	opts := worker.Options{}
	if parker := worker.NewKafkaParker(brokers, cfg.NotifyParkTopic); parker != nil {
		defer parker.Close()
		opts.Parker = parker
	} else {
		log.Println("worker: NOTIFY_PARK_TOPIC not set; an undeliverable event stops the worker")
	}
	w := worker.New(reader, dedupe, sink, opts)

	log.Printf("worker: consuming from %s (group %s), pushing to %s", cfg.NotifyKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Println("worker: stopped")
}
