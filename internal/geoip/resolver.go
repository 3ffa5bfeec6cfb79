package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blikh/proxystats/internal/statsdb"
)

const (
	// ProviderLocal resolves against MMDB files on disk.
	ProviderLocal = "local"
	// ProviderOnline resolves via the lookup API.
	ProviderOnline = "online"

	defaultCacheSize    = 4096
	onlineLookupTimeout = 5 * time.Second
)

// CacheStore persists resolved records across restarts. *statsdb.Store
// satisfies it.
type CacheStore interface {
	UpsertGeoIP(rec statsdb.GeoIPRecord) error
	GetGeoIP(ip string) (statsdb.GeoIPRecord, bool, error)
}

// Resolver answers IP geo lookups through a small in-memory LRU, a
// persistent cache, and finally the configured provider (local MMDB or
// the online API).
type Resolver struct {
	logger *slog.Logger
	store  CacheStore
	db     *DB // nil when the local provider is unavailable
	client *http.Client
	cache  *lru.Cache[string, statsdb.GeoIPRecord]

	mu       sync.RWMutex // guards provider and apiURL
	provider string
	apiURL   string
}

// ResolverOptions configures NewResolver.
type ResolverOptions struct {
	Provider  string
	APIURL    string
	CacheSize int
	Store     CacheStore
	DB        *DB
	Client    *http.Client
}

// NewResolver builds a Resolver. Store and DB may each be nil; the
// resolver degrades to whatever backends remain.
func NewResolver(opts ResolverOptions, logger *slog.Logger) (*Resolver, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, statsdb.GeoIPRecord](size)
	if err != nil {
		return nil, fmt.Errorf("geoip: lru cache: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: onlineLookupTimeout}
	}
	provider := opts.Provider
	if provider != ProviderLocal {
		provider = ProviderOnline
	}
	return &Resolver{
		logger:   logger,
		store:    opts.Store,
		db:       opts.DB,
		client:   client,
		cache:    cache,
		provider: provider,
		apiURL:   opts.APIURL,
	}, nil
}

// SetProvider switches the lookup backend at runtime. Cached answers
// from the previous backend are dropped.
func (r *Resolver) SetProvider(provider, apiURL string) {
	r.mu.Lock()
	changed := false
	if (provider == ProviderLocal || provider == ProviderOnline) && provider != r.provider {
		r.provider = provider
		changed = true
	}
	if apiURL != "" && apiURL != r.apiURL {
		r.apiURL = apiURL
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.cache.Purge()
	}
}

func (r *Resolver) settings() (provider, apiURL string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider, r.apiURL
}

// Resolve returns the geo record for ip, consulting the LRU, then the
// persistent cache, then the provider. A miss everywhere returns
// found=false without error; provider failures are logged and treated
// as misses so ingest never blocks on geo data.
func (r *Resolver) Resolve(ctx context.Context, ip string) (statsdb.GeoIPRecord, bool) {
	if rec, ok := r.cache.Get(ip); ok {
		return rec, rec.Country != ""
	}

	if r.store != nil {
		rec, ok, err := r.store.GetGeoIP(ip)
		if err != nil {
			r.logger.Warn("geoip: persistent cache read failed", "ip", ip, "error", err)
		} else if ok {
			r.cache.Add(ip, rec)
			return rec, rec.Country != ""
		}
	}

	rec, ok := r.lookupProvider(ctx, ip)
	if !ok {
		// Remember the miss so repeated events for the same address do
		// not redo a blocking lookup.
		r.cache.Add(ip, statsdb.GeoIPRecord{IP: ip})
		return statsdb.GeoIPRecord{}, false
	}

	r.cache.Add(ip, rec)
	if r.store != nil {
		if err := r.store.UpsertGeoIP(rec); err != nil {
			r.logger.Warn("geoip: persist lookup failed", "ip", ip, "error", err)
		}
	}
	return rec, true
}

func (r *Resolver) lookupProvider(ctx context.Context, ip string) (statsdb.GeoIPRecord, bool) {
	provider, apiURL := r.settings()
	if provider == ProviderLocal {
		return r.lookupLocal(ip)
	}
	rec, ok := r.lookupOnline(ctx, apiURL, ip)
	if ok {
		return rec, true
	}
	// Online failed; the local databases might still know the answer.
	return r.lookupLocal(ip)
}

func (r *Resolver) lookupLocal(ip string) (statsdb.GeoIPRecord, bool) {
	if r.db == nil {
		return statsdb.GeoIPRecord{}, false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return statsdb.GeoIPRecord{}, false
	}
	info, ok := r.db.Lookup(addr)
	if !ok {
		return statsdb.GeoIPRecord{}, false
	}
	return statsdb.GeoIPRecord{
		IP:          ip,
		Country:     info.Country,
		CountryName: info.CountryName,
		Continent:   info.Continent,
		City:        info.City,
		ASN:         info.ASN,
		ASName:      info.ASName,
	}, true
}

// onlineResponse tolerates the field spellings different lookup APIs
// use for the same data.
type onlineResponse struct {
	Country        string `json:"country"`
	CountryCode    string `json:"countryCode"`
	CountryName    string `json:"country_name"`
	CountryNameAlt string `json:"countryName"`
	Continent      string `json:"continent"`
	City           string `json:"city"`
	ASN            string `json:"asn"`
	ASName         string `json:"as_name"`
	ASOrganization string `json:"asOrganization"`
}

func (r *Resolver) lookupOnline(ctx context.Context, apiURL, ip string) (statsdb.GeoIPRecord, bool) {
	if apiURL == "" {
		return statsdb.GeoIPRecord{}, false
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		r.logger.Warn("geoip: bad online api url", "url", apiURL, "error", err)
		return statsdb.GeoIPRecord{}, false
	}
	q := u.Query()
	q.Set("ip", ip)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, onlineLookupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return statsdb.GeoIPRecord{}, false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("geoip: online lookup failed", "ip", ip, "error", err)
		return statsdb.GeoIPRecord{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("geoip: online lookup status", "ip", ip, "status", resp.StatusCode)
		return statsdb.GeoIPRecord{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return statsdb.GeoIPRecord{}, false
	}
	var raw onlineResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		r.logger.Warn("geoip: online lookup decode failed", "ip", ip, "error", err)
		return statsdb.GeoIPRecord{}, false
	}

	rec := statsdb.GeoIPRecord{
		IP:          ip,
		Country:     firstNonEmpty(raw.CountryCode, raw.Country),
		CountryName: firstNonEmpty(raw.CountryNameAlt, raw.CountryName),
		Continent:   raw.Continent,
		City:        raw.City,
		ASN:         raw.ASN,
		ASName:      firstNonEmpty(raw.ASName, raw.ASOrganization),
	}
	if rec.CountryName == "" {
		rec.CountryName = rec.Country
	}
	if rec.Country == "" && rec.City == "" && rec.ASName == "" {
		return statsdb.GeoIPRecord{}, false
	}
	return rec, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
