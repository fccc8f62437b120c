package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
)

// FormatVersion is written into JSON export metadata
const FormatVersion = "1.0"

// CSVHeader is the first row of every CSV export
var CSVHeader = []string{
	"id", "device_id", "timestamp",
	"active_energy", "active_power",
	"active_energy_avg", "active_power_avg",
	"aggregate_count",
}

// Querier is the read side of the aggregator
type Querier interface {
	QueryRange(ctx context.Context, deviceIDs []string, start, end time.Time) ([]model.DailyAggregate, error)
}

// Exporter writes aggregate ranges in JSON or CSV
type Exporter struct {
	querier Querier
}

// NewExporter creates a new exporter
func NewExporter(q Querier) *Exporter {
	return &Exporter{querier: q}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	DeviceIDs []string

	// Inclusive day range
	Start time.Time
	End   time.Time
}

// ExportResult contains stats about the export
type ExportResult struct {
	AggregatesExported int       `json:"aggregates_exported"`
	TimeRange          string    `json:"time_range"`
	Format             string    `json:"format"`
	ExportedAt         time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DeviceIDs  []string  `json:"device_ids"`
	Count      int       `json:"count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout
type Document struct {
	Metadata   Metadata               `json:"metadata"`
	Aggregates []model.DailyAggregate `json:"aggregates"`
}

// ExportToJSON writes the range as an indented JSON document
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.querier.QueryRange(ctx, opts.DeviceIDs, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	return WriteJSON(w, opts, rows)
}

// ExportToCSV writes the range as CSV with CSVHeader columns
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.querier.QueryRange(ctx, opts.DeviceIDs, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	return WriteCSV(w, opts, rows)
}

// WriteJSON writes already queried rows as a JSON document
func WriteJSON(w io.Writer, opts ExportOptions, rows []model.DailyAggregate) (*ExportResult, error) {
	doc := Document{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			Start:      opts.Start,
			End:        opts.End,
			DeviceIDs:  opts.DeviceIDs,
			Count:      len(rows),
			Format:     "json",
			Version:    FormatVersion,
		},
		Aggregates: rows,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return newResult(opts, "json", len(rows), doc.Metadata.ExportedAt), nil
}

// WriteCSV writes already queried rows as CSV
func WriteCSV(w io.Writer, opts ExportOptions, rows []model.DailyAggregate) (*ExportResult, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, a := range rows {
		row := []string{
			a.ID,
			a.DeviceID,
			a.Timestamp.Format(time.RFC3339),
			formatFloat(a.ActiveEnergy),
			formatFloat(a.ActivePower),
			formatFloat(a.ActiveEnergyAvg),
			formatFloat(a.ActivePowerAvg),
			strconv.FormatInt(a.AggregateCount, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return newResult(opts, "csv", len(rows), time.Now().UTC()), nil
}

func newResult(opts ExportOptions, format string, n int, at time.Time) *ExportResult {
	return &ExportResult{
		AggregatesExported: n,
		TimeRange:          fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:             format,
		ExportedAt:         at,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
