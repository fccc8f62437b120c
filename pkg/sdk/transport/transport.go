package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicktill/dailyagg/pkg/model"
)

// Transport defines the interface for sending readings
type Transport interface {
	Send(ctx context.Context, readings []model.Reading) error
}

// HTTPTransport talks to a dailyagg server over HTTP
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// NewHTTP creates a new HTTP transport for the server at baseURL
func NewHTTP(baseURL, apiKey string) (*HTTPTransport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send posts readings to /v1/readings
func (t *HTTPTransport) Send(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(map[string]any{"readings": readings})
	if err != nil {
		return fmt.Errorf("failed to marshal readings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/readings", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req, nil)
}

// QueryAggregates calls GET /v1/aggregates for the devices and inclusive range
func (t *HTTPTransport) QueryAggregates(ctx context.Context, deviceIDs []string, start, end time.Time) ([]model.DailyAggregate, error) {
	params := url.Values{}
	params.Set("device_id", strings.Join(deviceIDs, ","))
	params.Set("start", start.Format(time.RFC3339))
	params.Set("end", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/aggregates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var resp struct {
		Count   int                    `json:"count"`
		Results []model.DailyAggregate `json:"results"`
	}
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
