package telemetry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_RecordedAndErrors(t *testing.T) {
	m := NewMetrics()

	m.AggregateRecorded(model.DailyAggregate{}, true)
	m.AggregateRecorded(model.DailyAggregate{}, false)
	m.AggregateRecorded(model.DailyAggregate{}, false)
	m.RecordError(fmt.Errorf("%w: boom", aggregate.ErrStoreUnavailable))
	m.Rejected(KindRateLimited)
	m.ObserveQuery(15 * time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `dailyagg_readings_recorded_total{result="created"} 1`)
	assert.Contains(t, body, `dailyagg_readings_recorded_total{result="merged"} 2`)
	assert.Contains(t, body, `dailyagg_record_errors_total{kind="store_unavailable"} 1`)
	assert.Contains(t, body, `dailyagg_record_errors_total{kind="rate_limited"} 1`)
	assert.Contains(t, body, "dailyagg_query_duration_seconds_count 1")
}

func TestMetrics_WrapHandler(t *testing.T) {
	m := NewMetrics()
	h := m.WrapHandler("/v1/readings", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/readings", nil))

	body := scrape(t, m)
	assert.True(t, strings.Contains(body, `dailyagg_http_requests_total{route="/v1/readings",status="400"} 1`), body)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindInvalidInput, ErrorKind(fmt.Errorf("%w: empty", aggregate.ErrInvalidInput)))
	assert.Equal(t, KindStoreUnavailable, ErrorKind(fmt.Errorf("%w: down", aggregate.ErrStoreUnavailable)))
	assert.Equal(t, KindOther, ErrorKind(errors.New("weird")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.AggregateRecorded(model.DailyAggregate{}, true)
	m.RecordError(errors.New("x"))
	m.Rejected(KindDeviceLimit)
	m.ObserveQuery(time.Second)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	require.NotNil(t, m.WrapHandler("/x", next))
}
