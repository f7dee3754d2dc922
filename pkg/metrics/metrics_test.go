package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperroute/pkg/queue"
)

type fixedCounts queue.Counts

func (f fixedCounts) Counts() queue.Counts { return queue.Counts(f) }

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderCreated()
		m.OrderFinished("confirmed")
		m.Retry()
		m.VenueSelected("RAYDIUM")
		m.ObserveStage("routing", time.Second, nil)
		m.HTTPRequest("/health", 200)
		_ = m.WatchQueue(fixedCounts{})
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.OrderCreated()
	m.OrderCreated()
	m.OrderFinished("failed")
	m.VenueSelected("METEORA")
	m.ObserveStage("swap", 2*time.Second, errors.New("x"))

	m.HTTPRequest("/api/orders/execute", 201)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				byName[mf.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, byName["hyperroute_orders_created_total"])
	assert.Equal(t, 1.0, byName["hyperroute_orders_finished_total"])
	assert.Equal(t, 1.0, byName["hyperroute_venue_selected_total"])
	assert.Equal(t, 1.0, byName["hyperroute_stage_duration_seconds"])
	assert.Equal(t, 1.0, byName["hyperroute_http_requests_total"])
}

func TestHandlerExposesQueueGauges(t *testing.T) {
	m := New()
	require.NoError(t, m.WatchQueue(fixedCounts{Waiting: 4, Failed: 1}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `hyperroute_queue_jobs{state="waiting"} 4`), text)
	assert.Contains(t, text, `hyperroute_queue_jobs{state="failed"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
