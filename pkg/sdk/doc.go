/*
Package sdk provides the dailyagg client library for devices and gateways.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    Endpoint: "http://localhost:8080",
	})
	if err != nil {
	    log.Fatal(err)
	}

	// Start begins periodic flushing
	client.Start(context.Background())
	defer client.Stop()

	// Buffer readings; they are posted to /v1/readings in batches
	client.Record("meter-17", time.Now(), 0.42, 1.8)

# Batching

Readings are buffered in a batch.Batcher and sent when either:
  - MaxBatchSize readings are pending (default 1000, the server's per-request cap)
  - FlushEvery elapses (default 5s)

Only one flush runs at a time. Stop waits for in-flight sends and flushes
whatever is left. Send failures from background flushes go to
ClientConfig.OnError (default: log).

# Querying

QueryRange calls GET /v1/aggregates and returns buckets in the server's
store order:

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets, err := client.QueryRange(ctx, []string{"meter-17"}, day, day.AddDate(0, 0, 6))

Non-2xx responses come back as *transport.StatusError, carrying the status
code and the server's message.
*/
package sdk
