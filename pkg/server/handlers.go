package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nicktill/dailyagg/pkg/httpx"
	"github.com/nicktill/dailyagg/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Uptime    string                  `json:"uptime"`
	Retention monitor.RetentionStatus `json:"retention"`
}

// handleHealth returns service health status.
func handleHealth(retention *monitor.RetentionMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		statusCode := http.StatusOK
		if !retention.IsHealthy() {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:    status,
			Version:   Version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Retention: retention.Status(),
		})
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, c *Components, port string) {
	router.Use(corsMiddleware(port))

	m := c.Metrics
	api := router.PathPrefix("/v1").Subrouter()

	// Readings and aggregates
	api.Handle("/readings", m.WrapHandler("/v1/readings", http.HandlerFunc(c.Ingest.HandleReadings))).Methods("POST")
	api.Handle("/aggregates", m.WrapHandler("/v1/aggregates", http.HandlerFunc(c.Ingest.HandleAggregates))).Methods("GET")
	api.Handle("/export", m.WrapHandler("/v1/export", http.HandlerFunc(c.Export.HandleExport))).Methods("GET")

	// Metadata and health
	api.HandleFunc("/stats", c.Ingest.HandleStats).Methods("GET")
	api.HandleFunc("/storage", handleStorageUsage(c.StorageMonitor)).Methods("GET")
	api.HandleFunc("/health", handleHealth(c.RetentionMonitor)).Methods("GET")

	// WebSocket for live bucket updates. Not wrapped: the upgrade needs the raw writer.
	api.HandleFunc("/ws", c.Ingest.HandleWebSocket(c.Hub)).Methods("GET")

	router.Handle("/metrics", m.Handler()).Methods("GET")
}

// NewRouter builds the router with access logging and panic recovery around it.
func NewRouter(c *Components, port string) http.Handler {
	router := mux.NewRouter()
	SetupRoutes(router, c, port)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(os.Stdout, router),
	)
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
