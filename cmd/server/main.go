package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/server"
	"github.com/nicktill/dailyagg/pkg/stream"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
)

func main() {
	log.Println("🚀 Starting dailyagg server...")

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("⚙️  Configuration: storage=%s, data dir=%s, timezone=%s, retention=%d days",
		cfg.Storage, cfg.DataDir, cfg.Location, cfg.RetentionDays)

	store, err := server.InitializeStorage(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer store.Close()

	components, err := server.InitializeHandlers(cfg, store)
	if err != nil {
		log.Fatalf("❌ Failed to create handlers: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		components.Hub.Run(ctx)
	}()
	log.Println("📡 WebSocket hub started for live bucket updates")

	wg.Add(1)
	go server.RunRetention(ctx, components, cfg.RetentionDays, &wg)

	wg.Add(1)
	go server.RunBadgerGC(ctx, store, &wg)

	var consumer *stream.Consumer
	if cfg.KafkaEnabled() {
		reader, err := stream.NewReader(cfg.Kafka)
		if err != nil {
			log.Fatalf("❌ Invalid Kafka configuration: %v", err)
		}
		consumer = stream.NewConsumer(reader, components.Aggregator, stream.WithMetrics(components.Metrics))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Printf("❌ Stream consumer exited: %v", err)
			}
		}()
		log.Printf("📥 Consuming readings from Kafka topic %q (group %q)", cfg.Kafka.Topic, cfg.Kafka.GroupID)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.NewRouter(components, cfg.Port),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server starting on http://localhost:%s", cfg.Port)
		log.Println("📡 API endpoints:")
		log.Println("   POST /v1/readings    - Record readings")
		log.Println("   GET  /v1/aggregates  - Daily aggregates for devices and a date range")
		log.Println("   GET  /v1/export      - Export aggregates as JSON or CSV")
		log.Println("   GET  /v1/stats       - Storage statistics")
		log.Println("   GET  /v1/ws          - Live bucket updates")
		log.Println("   GET  /metrics        - Prometheus endpoint")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting readings before the background tasks go away
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Printf("⚠️  Failed to close Kafka reader: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 dailyagg server exited")
}
