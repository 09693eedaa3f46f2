package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/breaker"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/protocol/supervisor"
	"zapai.dev/pkg/queue"
)

// fakeStats is a canned Stats implementation, so the HTTP surface can be
// tested without constructing a real bot.
type fakeStats struct {
	uptime       time.Duration
	counters     dispatch.Counters
	queueStats   queue.Stats
	queueLength  int
	tracked      int
	breakerState breaker.State
	relays       []supervisor.Health
}

func (f *fakeStats) Uptime() time.Duration                    { return f.uptime }
func (f *fakeStats) Counters() dispatch.Counters               { return f.counters }
func (f *fakeStats) QueueStats() queue.Stats                   { return f.queueStats }
func (f *fakeStats) QueueLength() int                          { return f.queueLength }
func (f *fakeStats) RateLimiterTrackedPrincipals() int          { return f.tracked }
func (f *fakeStats) BreakerState() breaker.State                { return f.breakerState }
func (f *fakeStats) RelayHealth() []supervisor.Health           { return f.relays }

func TestGetStatusReportsCountersAndRelayHealth(t *testing.T) {
	stats := &fakeStats{
		uptime:   90 * time.Second,
		counters: dispatch.Counters{Received: 10, Sent: 8, Dropped: 1, RateLimited: 1},
		relays:   []supervisor.Health{{URL: "wss://relay", Connected: true, Received: 5, Sent: 3}},
	}
	srv := New(stats, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body StatusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(10), body.Received)
	require.Equal(t, int64(8), body.Sent)
	require.Len(t, body.Relays, 1)
	require.Equal(t, "wss://relay", body.Relays[0].URL)
}

func TestGetHealthReportsUnavailableWhenBreakerOpen(t *testing.T) {
	stats := &fakeStats{breakerState: breaker.Open}
	srv := New(stats, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetHealthReportsUnavailableWhenQueueIsOverloaded(t *testing.T) {
	stats := &fakeStats{queueLength: maxHealthyQueueLength}
	srv := New(stats, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetHealthReportsOkWhenNothingIsWrong(t *testing.T) {
	stats := &fakeStats{queueLength: 1, breakerState: breaker.Closed}
	srv := New(stats, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBasicAuthRejectsMissingAndWrongCredentials(t *testing.T) {
	stats := &fakeStats{}
	srv := New(stats, "hunter2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("anyone", "wrong")
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBasicAuthAcceptsCorrectPassword(t *testing.T) {
	stats := &fakeStats{}
	srv := New(stats, "hunter2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("anyone", "hunter2")
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
