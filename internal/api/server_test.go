package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/proxystats/internal/collector"
	"github.com/blikh/proxystats/internal/statsdb"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testServer wires a real store behind the router; the collector is
// present for ingest but batches are flushed synchronously by tests
// via the store directly.
func testServer(t *testing.T) (*Server, *statsdb.Store) {
	t.Helper()
	logger := quietLogger()
	store, err := statsdb.Open(filepath.Join(t.TempDir(), "stats.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	col := collector.New(store, nil, collector.Options{}, logger)
	hub := NewHub(logger)
	return New(store, col, hub, nil, ":0", logger), store
}

func seedEvents(t *testing.T, store *statsdb.Store, backendID int64, events ...statsdb.TrafficEvent) {
	t.Helper()
	require.NoError(t, store.ApplyBatch(backendID, events))
}

func trafficEvent(at time.Time, domain string, up, down int64) statsdb.TrafficEvent {
	return statsdb.TrafficEvent{
		Timestamp: at,
		SourceIP:  "10.0.0.2",
		IP:        "93.184.216.34",
		Domain:    domain,
		Chain:     "direct",
		Rule:      "default",
		Upload:    up,
		Download:  down,
	}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDomainsEndpoint(t *testing.T) {
	s, store := testServer(t)
	now := time.Now().UTC()
	seedEvents(t, store, 1,
		trafficEvent(now, "example.com", 100, 200),
		trafficEvent(now, "other.com", 1, 2),
	)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/domains", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []statsdb.DomainStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "example.com", rows[0].Domain)
}

func TestDomainsEndpointEmptyIsArray(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/domains", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestInvalidRangeReturns400(t *testing.T) {
	s, _ := testServer(t)

	start := time.Now().UTC().Format(time.RFC3339)
	end := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	w := doJSON(t, s.Router(), http.MethodGet,
		fmt.Sprintf("/api/backends/1/domains?start=%s&end=%s", start, end), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHalfOpenWindowReturns400(t *testing.T) {
	s, _ := testServer(t)

	start := time.Now().UTC().Format(time.RFC3339)
	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/domains?start="+start, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBadBackendIDReturns400(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/abc/domains", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestAccepts(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/events", ingestRequest{
		BackendID: 1,
		Events: []statsdb.TrafficEvent{
			trafficEvent(time.Now().UTC(), "example.com", 10, 20),
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["accepted"])
	assert.Equal(t, 0, resp["dropped"])
}

func TestIngestRejectsEmpty(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/events", ingestRequest{BackendID: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s.Router(), http.MethodPost, "/api/events", ingestRequest{
		Events: []statsdb.TrafficEvent{trafficEvent(time.Now().UTC(), "x.com", 1, 1)},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceDrilldown(t *testing.T) {
	s, store := testServer(t)
	now := time.Now().UTC()
	seedEvents(t, store, 1, trafficEvent(now, "example.com", 10, 20))

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/devices/10.0.0.2/domains", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []statsdb.DomainStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "example.com", rows[0].Domain)
}

func TestProxyDrilldownRequiresChain(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/proxies/domains", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyDrilldown(t *testing.T) {
	s, store := testServer(t)
	now := time.Now().UTC()
	e := trafficEvent(now, "example.com", 10, 20)
	e.Chain = "wg > us-east"
	seedEvents(t, store, 1, e)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/proxies/domains?chain=wg+%3E+us-east", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []statsdb.DomainStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
}

func TestTodayTraffic(t *testing.T) {
	s, store := testServer(t)
	seedEvents(t, store, 1, trafficEvent(time.Now().UTC(), "example.com", 100, 200))

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/traffic/today", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var total statsdb.TrafficTotal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &total))
	assert.Equal(t, int64(100), total.Upload)
	assert.Equal(t, int64(200), total.Download)
}

func TestTrafficTrendBadBucket(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/backends/1/traffic/trend?bucket=-5", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetentionRoundTrip(t *testing.T) {
	s, _ := testServer(t)
	r := s.Router()

	w := doJSON(t, r, http.MethodGet, "/api/config/retention", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg statsdb.RetentionConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 7, cfg.ConnectionLogsDays)

	days := 14
	w = doJSON(t, r, http.MethodPut, "/api/config/retention", statsdb.RetentionUpdate{
		ConnectionLogsDays: &days,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/config/retention", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 14, cfg.ConnectionLogsDays)
}

func TestRetentionValidation(t *testing.T) {
	s, _ := testServer(t)

	days := 1000
	w := doJSON(t, s.Router(), http.MethodPut, "/api/config/retention", statsdb.RetentionUpdate{
		ConnectionLogsDays: &days,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCleanupWipesData(t *testing.T) {
	s, store := testServer(t)
	seedEvents(t, store, 1, trafficEvent(time.Now().UTC(), "example.com", 10, 20))

	days := 0
	w := doJSON(t, s.Router(), http.MethodPost, "/api/config/cleanup", cleanupRequest{Days: &days})
	require.Equal(t, http.StatusOK, w.Code)

	rows, err := store.GetDomains(1, statsdb.Query{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCleanupRequiresDays(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/config/cleanup", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	days := -1
	w = doJSON(t, s.Router(), http.MethodPost, "/api/config/cleanup", cleanupRequest{Days: &days})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVacuum(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/config/vacuum", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDBStats(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s.Router(), http.MethodGet, "/api/config/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Size  int64                `json:"size"`
		Stats statsdb.CleanupStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.Size, int64(0))
}

func TestGeoIPConfigRoundTrip(t *testing.T) {
	s, _ := testServer(t)
	r := s.Router()

	w := doJSON(t, r, http.MethodGet, "/api/config/geoip", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp geoLookupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp.Provider)
	assert.NotEmpty(t, resp.OnlineAPIURL)

	provider := "local"
	apiURL := "https://geo.example.com/lookup"
	w = doJSON(t, r, http.MethodPut, "/api/config/geoip", geoLookupUpdate{
		Provider:     &provider,
		OnlineAPIURL: &apiURL,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, apiURL, resp.OnlineAPIURL)
}

func TestGeoIPConfigValidation(t *testing.T) {
	s, _ := testServer(t)

	provider := "hybrid"
	w := doJSON(t, s.Router(), http.MethodPut, "/api/config/geoip", geoLookupUpdate{Provider: &provider})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := "not-a-url"
	w = doJSON(t, s.Router(), http.MethodPut, "/api/config/geoip", geoLookupUpdate{OnlineAPIURL: &bad})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
