package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blikh/proxystats/internal/geoip"
	"github.com/blikh/proxystats/internal/metrics"
	"github.com/blikh/proxystats/internal/statsdb"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps storage errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var cerr *statsdb.CleanupError
	switch {
	case errors.Is(err, statsdb.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "end must not be before start")
	case errors.Is(err, statsdb.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage busy, try again")
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     cerr.Error(),
			"completed": cerr.Completed,
			"failed":    cerr.Failed,
		})
	default:
		s.logger.Error("api: query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func backendID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "backendID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid backend id %q", raw)
	}
	return id, nil
}

// parseQuery reads the optional start/end/limit query parameters.
// Timestamps are RFC 3339.
func parseQuery(r *http.Request) (statsdb.Query, error) {
	var q statsdb.Query
	vals := r.URL.Query()

	rawStart, rawEnd := vals.Get("start"), vals.Get("end")
	if (rawStart == "") != (rawEnd == "") {
		return q, fmt.Errorf("start and end must be provided together")
	}
	if rawStart != "" {
		start, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			return q, fmt.Errorf("invalid start: %v", err)
		}
		end, err := time.Parse(time.RFC3339, rawEnd)
		if err != nil {
			return q, fmt.Errorf("invalid end: %v", err)
		}
		q.Start, q.End = start, end
	}
	if rawLimit := vals.Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("invalid limit %q", rawLimit)
		}
		q.Limit = limit
	}
	return q, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// ingestRequest is the POST /api/events payload.
type ingestRequest struct {
	BackendID int64                  `json:"backendId"`
	Events    []statsdb.TrafficEvent `json:"events"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BackendID <= 0 {
		writeError(w, http.StatusBadRequest, "backendId is required")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty")
		return
	}

	accepted, dropped := 0, 0
	for _, ev := range req.Events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if s.collector.Enqueue(req.BackendID, ev) {
			accepted++
		} else {
			dropped++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "dropped": dropped})
}

type queryFunc[T any] func(backendID int64, q statsdb.Query) ([]T, error)

// serveQuery runs the standard parse/query/respond sequence shared by
// the ranking endpoints.
func serveQuery[T any](s *Server, w http.ResponseWriter, r *http.Request, kind string, fn queryFunc[T]) {
	id, err := backendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timer := prometheusTimer(kind)
	rows, err := fn(id, q)
	timer()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []T{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func prometheusTimer(kind string) func() {
	start := time.Now()
	return func() {
		metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "domains", s.store.GetDomains)
}

func (s *Server) handleIPs(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "ips", s.store.GetIPs)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "devices", s.store.GetDevices)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "proxies", s.store.GetProxyStats)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "rules", s.store.GetRuleStats)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	serveQuery(s, w, r, "countries", s.store.GetCountryStats)
}

func (s *Server) handleDeviceDomains(w http.ResponseWriter, r *http.Request) {
	sourceIP, err := url.PathUnescape(chi.URLParam(r, "sourceIP"))
	if err != nil || sourceIP == "" {
		writeError(w, http.StatusBadRequest, "invalid source ip")
		return
	}
	serveQuery(s, w, r, "device_domains", func(id int64, q statsdb.Query) ([]statsdb.DomainStats, error) {
		return s.store.DeviceDomains(id, sourceIP, q)
	})
}

func (s *Server) handleDeviceIPs(w http.ResponseWriter, r *http.Request) {
	sourceIP, err := url.PathUnescape(chi.URLParam(r, "sourceIP"))
	if err != nil || sourceIP == "" {
		writeError(w, http.StatusBadRequest, "invalid source ip")
		return
	}
	serveQuery(s, w, r, "device_ips", func(id int64, q statsdb.Query) ([]statsdb.IPStats, error) {
		return s.store.DeviceIPs(id, sourceIP, q)
	})
}

func (s *Server) handleProxyDomains(w http.ResponseWriter, r *http.Request) {
	chain := r.URL.Query().Get("chain")
	if chain == "" {
		writeError(w, http.StatusBadRequest, "chain query parameter is required")
		return
	}
	serveQuery(s, w, r, "proxy_domains", func(id int64, q statsdb.Query) ([]statsdb.DomainStats, error) {
		return s.store.ProxyDomains(id, chain, q)
	})
}

func (s *Server) handleProxyIPs(w http.ResponseWriter, r *http.Request) {
	chain := r.URL.Query().Get("chain")
	if chain == "" {
		writeError(w, http.StatusBadRequest, "chain query parameter is required")
		return
	}
	serveQuery(s, w, r, "proxy_ips", func(id int64, q statsdb.Query) ([]statsdb.IPStats, error) {
		return s.store.ProxyIPs(id, chain, q)
	})
}

func (s *Server) handleHourlyTraffic(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	serveQuery(s, w, r, "hourly", func(id int64, q statsdb.Query) ([]statsdb.HourlyStat, error) {
		return s.store.HourlyStats(id, hours, q)
	})
}

func (s *Server) handleTodayTraffic(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := s.store.TodayTraffic(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleTrafficSummary(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := s.store.TrafficInRange(id, q)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleTrafficTrend(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minutes, err := intParam(r, "minutes", 60)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bucket, err := intParam(r, "bucket", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var points []statsdb.TrendPoint
	if bucket > 1 {
		points, err = s.store.TrafficTrendAggregated(id, minutes, bucket, q)
	} else {
		points, err = s.store.TrafficTrend(id, minutes, q)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if points == nil {
		points = []statsdb.TrendPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleDBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetCleanupStats()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"size":  s.store.DatabaseSize(),
		"stats": stats,
	})
}

type cleanupRequest struct {
	Days      *int   `json:"days"`
	BackendID *int64 `json:"backendId,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Days == nil || *req.Days < 0 {
		writeError(w, http.StatusBadRequest, "valid days parameter required")
		return
	}

	result, err := s.store.Cleanup(req.BackendID, *req.Days)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// A full wipe invalidates everything clients have buffered.
	if *req.Days == 0 && s.hub != nil {
		if req.BackendID != nil {
			s.hub.Reset(*req.BackendID)
		} else {
			s.hub.ResetAll()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "cleanup completed",
		"result":  result,
	})
}

func (s *Server) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Vacuum(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "database vacuumed"})
}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetRetentionConfig()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	var upd statsdb.RetentionUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if upd.ConnectionLogsDays != nil && (*upd.ConnectionLogsDays < 1 || *upd.ConnectionLogsDays > 90) {
		writeError(w, http.StatusBadRequest, "connectionLogsDays must be between 1 and 90")
		return
	}
	if upd.HourlyStatsDays != nil && (*upd.HourlyStatsDays < 7 || *upd.HourlyStatsDays > 365) {
		writeError(w, http.StatusBadRequest, "hourlyStatsDays must be between 7 and 365")
		return
	}

	cfg, err := s.store.UpdateRetentionConfig(upd)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "retention configuration updated",
		"config":  cfg,
	})
}

// geoLookupResponse augments the stored settings with the local
// database directory state.
type geoLookupResponse struct {
	Provider          string   `json:"provider"`
	EffectiveProvider string   `json:"effectiveProvider"`
	OnlineAPIURL      string   `json:"onlineApiUrl"`
	MMDBDir           string   `json:"mmdbDir"`
	LocalMMDBReady    bool     `json:"localMmdbReady"`
	MissingMMDBFiles  []string `json:"missingMmdbFiles"`
}

func (s *Server) geoLookupState() (geoLookupResponse, error) {
	settings, err := s.store.GetGeoLookupSettings()
	if err != nil {
		return geoLookupResponse{}, err
	}

	dir := geoip.ResolveDir(osGetenvTrimmed("GEOIP_MMDB_DIR"))
	missing := s.readiness.Missing(dir)
	if missing == nil {
		missing = []string{}
	}

	// An unready local provider silently falls back to online lookups.
	effective := settings.Provider
	if effective == geoip.ProviderLocal && len(missing) > 0 {
		effective = geoip.ProviderOnline
	}

	return geoLookupResponse{
		Provider:          settings.Provider,
		EffectiveProvider: effective,
		OnlineAPIURL:      settings.OnlineAPIURL,
		MMDBDir:           dir,
		LocalMMDBReady:    len(missing) == 0,
		MissingMMDBFiles:  missing,
	}, nil
}

func (s *Server) handleGetGeoIP(w http.ResponseWriter, r *http.Request) {
	resp, err := s.geoLookupState()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type geoLookupUpdate struct {
	Provider     *string `json:"provider,omitempty"`
	OnlineAPIURL *string `json:"onlineApiUrl,omitempty"`
}

func (s *Server) handlePutGeoIP(w http.ResponseWriter, r *http.Request) {
	var upd geoLookupUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if upd.Provider != nil && *upd.Provider != geoip.ProviderOnline && *upd.Provider != geoip.ProviderLocal {
		writeError(w, http.StatusBadRequest, "provider must be \"online\" or \"local\"")
		return
	}
	if upd.OnlineAPIURL != nil {
		if !isValidHTTPURL(*upd.OnlineAPIURL) {
			writeError(w, http.StatusBadRequest, "onlineApiUrl must be a valid http/https URL")
			return
		}
	}

	settings, err := s.store.UpdateGeoLookupSettings(upd.Provider, upd.OnlineAPIURL)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.resolver != nil {
		s.resolver.SetProvider(settings.Provider, settings.OnlineAPIURL)
	}

	resp, err := s.geoLookupState()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func osGetenvTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
