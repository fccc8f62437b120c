// Command simulator emits fake smart-meter readings to a dailyagg server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/dailyagg/pkg/sdk"
)

func main() {
	endpoint := flag.String("endpoint", envOr("DAILYAGG_ENDPOINT", "http://localhost:8080"), "dailyagg server base URL")
	devices := flag.Int("devices", 5, "number of simulated meters")
	interval := flag.Duration("interval", 3*time.Second, "time between readings per meter")
	flag.Parse()

	client, err := sdk.New(sdk.ClientConfig{
		Endpoint:   *endpoint,
		APIKey:     os.Getenv("DAILYAGG_API_KEY"),
		FlushEvery: 5 * time.Second,
		OnError: func(err error) {
			log.Printf("⚠️  Failed to send readings: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	go runSimulator(ctx, client, newFleet(*devices), *interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 Shutting down simulator...")
	cancel()
	if err := client.Stop(); err != nil {
		log.Printf("Final flush failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
