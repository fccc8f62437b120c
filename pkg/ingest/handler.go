package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/httpx"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage"
	"github.com/nicktill/dailyagg/pkg/telemetry"
)

// Handler serves reading ingestion and aggregate queries
type Handler struct {
	agg     *aggregate.Aggregator
	storage storage.Storage
	limiter *rate.Limiter
	devices *DeviceTracker
	checker StorageChecker
	metrics *telemetry.Metrics
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithRateLimit caps ingest at rps readings per second with the given burst.
// rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) HandlerOption {
	return func(h *Handler) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithDeviceTracker replaces the default device cap
func WithDeviceTracker(d *DeviceTracker) HandlerOption {
	return func(h *Handler) {
		h.devices = d
	}
}

// WithStorageChecker rejects readings while the checker reports the store full
func WithStorageChecker(c StorageChecker) HandlerOption {
	return func(h *Handler) {
		h.checker = c
	}
}

// WithMetrics enables Prometheus accounting of errors and query latency
func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a new ingest handler
func NewHandler(agg *aggregate.Aggregator, store storage.Storage, opts ...HandlerOption) *Handler {
	h := &Handler{
		agg:     agg,
		storage: store,
		limiter: rate.NewLimiter(rate.Limit(config.DefaultIngestRPS), config.DefaultIngestBurst),
		devices: NewDeviceTracker(config.DefaultMaxDevices),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ReadingsRequest is the body of POST /v1/readings
type ReadingsRequest struct {
	Readings []model.Reading `json:"readings"`
}

// ReadingsResponse reports the bucket each reading landed in, in request order
type ReadingsResponse struct {
	Status     string                 `json:"status"`
	Count      int                    `json:"count"`
	Aggregates []model.DailyAggregate `json:"aggregates"`
}

// AggregatesResponse is the body of GET /v1/aggregates
type AggregatesResponse struct {
	Count   int                    `json:"count"`
	Results []model.DailyAggregate `json:"results"`
}

// StatsResponse is the body of GET /v1/stats
type StatsResponse struct {
	Storage *storage.Stats `json:"storage"`
	Devices DeviceStats    `json:"devices"`
}

// HandleReadings handles POST /v1/readings.
// Readings are recorded in order; the first failure stops the batch and
// earlier readings stay recorded.
func (h *Handler) HandleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ReadingsRequest
	if err := httpx.DecodeJSON(w, r, config.IngestMaxBodyBytes, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.RespondError(w, status, err)
		return
	}

	if len(req.Readings) == 0 {
		h.fail(w, ErrNoReadings)
		return
	}
	if len(req.Readings) > MaxReadingsPerRequest {
		h.fail(w, fmt.Errorf("%w: got %d", ErrTooManyReadings, len(req.Readings)))
		return
	}

	deviceIDs := make([]string, 0, len(req.Readings))
	for i, reading := range req.Readings {
		if err := ValidateReading(reading); err != nil {
			h.fail(w, fmt.Errorf("invalid reading %d: %w", i, err))
			return
		}
		deviceIDs = append(deviceIDs, reading.DeviceID)
	}
	if h.devices != nil {
		if err := h.devices.CheckBatch(deviceIDs); err != nil {
			h.fail(w, err)
			return
		}
	}

	if h.limiter != nil && !h.limiter.AllowN(time.Now(), len(req.Readings)) {
		h.fail(w, ErrRateLimited)
		return
	}

	if h.checker != nil {
		full, err := h.checker.OverLimit()
		if err != nil {
			log.Printf("Failed to check storage usage: %v", err)
		} else if full {
			h.fail(w, ErrStorageFull)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	aggregates := make([]model.DailyAggregate, 0, len(req.Readings))
	for i, reading := range req.Readings {
		agg, err := h.agg.Record(ctx, reading)
		if err != nil {
			h.fail(w, fmt.Errorf("reading %d (%d recorded): %w", i, len(aggregates), err))
			return
		}
		if h.devices != nil {
			h.devices.Record(reading.DeviceID)
		}
		aggregates = append(aggregates, *agg)
	}

	httpx.RespondJSON(w, http.StatusOK, ReadingsResponse{
		Status:     "success",
		Count:      len(aggregates),
		Aggregates: aggregates,
	})
}

// HandleAggregates handles GET /v1/aggregates?device_id=a,b&start=2024-01-01&end=2024-01-31
func (h *Handler) HandleAggregates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query()

	deviceIDs := ParseDeviceIDs(query["device_id"])
	if len(deviceIDs) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "device_id parameter required")
		return
	}
	if len(deviceIDs) > MaxQueryDevices {
		h.fail(w, ErrTooManyDevices)
		return
	}

	loc := h.agg.Location()
	start, err := ParseDate(query.Get("start"), loc)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	end, err := ParseDate(query.Get("end"), loc)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	if end.Sub(start) > config.IngestMaxQueryWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, "query window too large (max 366 days)")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestQueryTimeout)
	defer cancel()

	began := time.Now()
	results, err := h.agg.QueryRange(ctx, deviceIDs, start, end)
	h.metrics.ObserveQuery(time.Since(began))
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	httpx.RespondJSON(w, http.StatusOK, AggregatesResponse{
		Count:   len(results),
		Results: results,
	})
}

// HandleStats returns storage and device statistics
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	stats, err := h.storage.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to get stats: %w", err))
		return
	}

	resp := StatsResponse{Storage: stats}
	if h.devices != nil {
		resp.Devices = h.devices.Stats()
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// fail counts err and writes it with the mapped status
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		h.metrics.Rejected(telemetry.KindRateLimited)
	case errors.Is(err, ErrDeviceLimit):
		h.metrics.Rejected(telemetry.KindDeviceLimit)
	case errors.Is(err, ErrStorageFull):
		h.metrics.Rejected(telemetry.KindStorageFull)
	default:
		h.metrics.RecordError(err)
	}
	httpx.RespondError(w, statusFor(err), err)
}

// statusFor maps an error to its HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, aggregate.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrDeviceLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStorageFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, aggregate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ParseDeviceIDs flattens repeated and comma separated device_id values,
// dropping blanks
func ParseDeviceIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ParseDate accepts a calendar date (2006-01-02, midnight in loc) or RFC3339
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("value required")
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", s)
	}
	return t, nil
}
