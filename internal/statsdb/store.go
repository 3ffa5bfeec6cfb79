// Package statsdb is the SQLite-backed traffic aggregation store.
//
// Every traffic event fans out into pre-aggregated rollup rows at three
// resolutions (cumulative, hourly, minute) and along several dimensions
// (domain, IP, country, device, proxy chain, rule). Reads pick the
// cheapest table that can answer a given time window instead of scanning
// raw events.
package statsdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistent traffic stats store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	// The storage engine serialises writes; a single connection avoids
	// spurious SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabaseSize returns the size of the database file in bytes, or 0 if it
// cannot be stat'ed (e.g. an in-memory database).
func (s *Store) DatabaseSize() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) initSchema() error {
	const ddl = `
-- Plain timeseries (no dimension), one row per bucket.
CREATE TABLE IF NOT EXISTS minute_stats (
  backend_id INTEGER NOT NULL,
  minute TEXT NOT NULL,
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, minute)
);

CREATE TABLE IF NOT EXISTS hourly_stats (
  backend_id INTEGER NOT NULL,
  hour TEXT NOT NULL,
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, hour)
);

-- Dimensional fact rollups: one row per bucket per distinct dimension tuple.
-- Windowed per-dimension queries GROUP BY the wanted column.
CREATE TABLE IF NOT EXISTS minute_dim_stats (
  backend_id INTEGER NOT NULL,
  minute TEXT NOT NULL,
  source_ip TEXT NOT NULL DEFAULT '',
  ip TEXT NOT NULL DEFAULT '',
  domain TEXT NOT NULL DEFAULT '',
  chain TEXT NOT NULL DEFAULT '',
  rule TEXT NOT NULL DEFAULT '',
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, minute, source_ip, ip, domain, chain, rule)
);
CREATE INDEX IF NOT EXISTS idx_minute_dim_time ON minute_dim_stats (backend_id, minute);

CREATE TABLE IF NOT EXISTS hourly_dim_stats (
  backend_id INTEGER NOT NULL,
  hour TEXT NOT NULL,
  source_ip TEXT NOT NULL DEFAULT '',
  ip TEXT NOT NULL DEFAULT '',
  domain TEXT NOT NULL DEFAULT '',
  chain TEXT NOT NULL DEFAULT '',
  rule TEXT NOT NULL DEFAULT '',
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, hour, source_ip, ip, domain, chain, rule)
);
CREATE INDEX IF NOT EXISTS idx_hourly_dim_time ON hourly_dim_stats (backend_id, hour);

-- Country rollups keep their own fact tables: the country of an IP is an
-- enrichment, not derivable from the dim facts once geoip data changes.
CREATE TABLE IF NOT EXISTS minute_country_stats (
  backend_id INTEGER NOT NULL,
  minute TEXT NOT NULL,
  country TEXT NOT NULL,
  country_name TEXT NOT NULL DEFAULT '',
  continent TEXT NOT NULL DEFAULT '',
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, minute, country)
);

CREATE TABLE IF NOT EXISTS hourly_country_stats (
  backend_id INTEGER NOT NULL,
  hour TEXT NOT NULL,
  country TEXT NOT NULL,
  country_name TEXT NOT NULL DEFAULT '',
  continent TEXT NOT NULL DEFAULT '',
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0,
  connections INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (backend_id, hour, country)
);

-- Cumulative per-dimension rollups: one row per key, never time-bounded.
CREATE TABLE IF NOT EXISTS domain_stats (
  backend_id INTEGER NOT NULL,
  domain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  ips TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, domain)
);

CREATE TABLE IF NOT EXISTS ip_stats (
  backend_id INTEGER NOT NULL,
  ip TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  domains TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, ip)
);

CREATE TABLE IF NOT EXISTS country_stats (
  backend_id INTEGER NOT NULL,
  country TEXT NOT NULL,
  country_name TEXT NOT NULL DEFAULT '',
  continent TEXT NOT NULL DEFAULT '',
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, country)
);

CREATE TABLE IF NOT EXISTS device_stats (
  backend_id INTEGER NOT NULL,
  source_ip TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, source_ip)
);

CREATE TABLE IF NOT EXISTS proxy_stats (
  backend_id INTEGER NOT NULL,
  chain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, chain)
);

CREATE TABLE IF NOT EXISTS rule_stats (
  backend_id INTEGER NOT NULL,
  rule TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, rule)
);

-- Pairwise rollups (cumulative only) for drill-down breakdowns.
CREATE TABLE IF NOT EXISTS device_domain_stats (
  backend_id INTEGER NOT NULL,
  source_ip TEXT NOT NULL,
  domain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, source_ip, domain)
);

CREATE TABLE IF NOT EXISTS device_ip_stats (
  backend_id INTEGER NOT NULL,
  source_ip TEXT NOT NULL,
  ip TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, source_ip, ip)
);

CREATE TABLE IF NOT EXISTS domain_proxy_stats (
  backend_id INTEGER NOT NULL,
  chain TEXT NOT NULL,
  domain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, chain, domain)
);

CREATE TABLE IF NOT EXISTS ip_proxy_stats (
  backend_id INTEGER NOT NULL,
  chain TEXT NOT NULL,
  ip TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  domains TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, chain, ip)
);

CREATE TABLE IF NOT EXISTS rule_chain_traffic (
  backend_id INTEGER NOT NULL,
  rule TEXT NOT NULL,
  chain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, rule, chain)
);

CREATE TABLE IF NOT EXISTS rule_domain_traffic (
  backend_id INTEGER NOT NULL,
  rule TEXT NOT NULL,
  domain TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, rule, domain)
);

CREATE TABLE IF NOT EXISTS rule_ip_traffic (
  backend_id INTEGER NOT NULL,
  rule TEXT NOT NULL,
  ip TEXT NOT NULL,
  total_upload INTEGER NOT NULL DEFAULT 0,
  total_download INTEGER NOT NULL DEFAULT 0,
  total_connections INTEGER NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (backend_id, rule, ip)
);

-- Full chain strings ever observed for a rule; the dim facts may record
-- only an abbreviated chain label.
CREATE TABLE IF NOT EXISTS rule_proxy_map (
  backend_id INTEGER NOT NULL,
  rule TEXT NOT NULL,
  proxy TEXT NOT NULL,
  PRIMARY KEY (backend_id, rule, proxy)
);

-- Persisted IP -> geo lookups, shared across backends.
CREATE TABLE IF NOT EXISTS geoip_cache (
  ip TEXT PRIMARY KEY,
  country TEXT NOT NULL DEFAULT '',
  country_name TEXT NOT NULL DEFAULT '',
  continent TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  asn TEXT NOT NULL DEFAULT '',
  as_name TEXT NOT NULL DEFAULT '',
  queried_at TEXT NOT NULL DEFAULT ''
);

-- Key/value settings (retention, geo lookup provider).
CREATE TABLE IF NOT EXISTS app_config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}
