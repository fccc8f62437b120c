package export

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/httpx"
	"github.com/nicktill/dailyagg/pkg/ingest"
)

// Handler handles the export HTTP endpoint
type Handler struct {
	querier Querier
	loc     *time.Location
	now     func() time.Time
}

// NewHandler creates a new export handler. Calendar dates in requests
// are interpreted in loc.
func NewHandler(q Querier, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		querier: q,
		loc:     loc,
		now:     time.Now,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - device_id: repeated or comma separated (required)
//   - format: "json" or "csv" (default: json)
//   - start, end: YYYY-MM-DD or RFC3339 (default: the 30 days ending today)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	deviceIDs := ingest.ParseDeviceIDs(query["device_id"])
	if len(deviceIDs) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "device_id parameter required")
		return
	}
	if len(deviceIDs) > ingest.MaxQueryDevices {
		httpx.RespondError(w, http.StatusBadRequest, ingest.ErrTooManyDevices)
		return
	}

	today := h.now().In(h.loc)
	end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, h.loc)
	if v := query.Get("end"); v != "" {
		parsed, err := ingest.ParseDate(v, h.loc)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
			return
		}
		end = parsed
	}
	start := end.Add(-config.DefaultExportWindow)
	if v := query.Get("start"); v != "" {
		parsed, err := ingest.ParseDate(v, h.loc)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
			return
		}
		start = parsed
	}

	if start.After(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must not be after end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Time range too large. Maximum is 366 days")
		return
	}

	opts := ExportOptions{
		DeviceIDs: deviceIDs,
		Start:     start,
		End:       end,
	}

	// Run the query before committing to a content type
	rows, err := h.querier.QueryRange(r.Context(), opts.DeviceIDs, opts.Start, opts.End)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, aggregate.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(err, aggregate.ErrStoreUnavailable):
			status = http.StatusServiceUnavailable
		}
		log.Printf("Export failed: %v", err)
		httpx.RespondError(w, status, fmt.Errorf("export failed: %w", err))
		return
	}

	timestamp := h.now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=dailyagg-export-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = WriteJSON(w, opts, rows)
	} else {
		result, err = WriteCSV(w, opts, rows)
	}
	if err != nil {
		// Headers are gone; all we can do is log
		log.Printf("Export write failed: %v", err)
		return
	}

	log.Printf("Exported %d aggregates (%s) from %s", result.AggregatesExported, format, result.TimeRange)
}
