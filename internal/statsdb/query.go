package statsdb

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/blikh/proxystats/internal/bucketkey"
)

// resolutionThreshold routes windowed queries: spans above it read the
// hourly rollups, spans at or below it read the minute rollups. Minute
// tables are far larger; a long window over them would scan orders of
// magnitude more rows than the equivalent hourly scan.
const resolutionThreshold = 6 * time.Hour

const defaultLimit = 50

// Query is an optional time window plus a result cap. A window is only
// in effect when both Start and End are set.
type Query struct {
	Start time.Time
	End   time.Time
	Limit int
}

func (q Query) windowed() bool {
	return !q.Start.IsZero() && !q.End.IsZero()
}

func (q Query) validate() error {
	if q.windowed() && q.End.Before(q.Start) {
		return ErrInvalidRange
	}
	return nil
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

// factSource is the table a windowed query reads from, with the window
// truncated to the table's native bucket boundaries.
type factSource struct {
	table     string
	bucketCol string
	startKey  string
	endKey    string
}

func dimFactSource(start, end time.Time) factSource {
	if end.Sub(start) > resolutionThreshold {
		return factSource{"hourly_dim_stats", "hour", bucketkey.Hour(start), bucketkey.Hour(end)}
	}
	return factSource{"minute_dim_stats", "minute", bucketkey.Minute(start), bucketkey.Minute(end)}
}

func countryFactSource(start, end time.Time) factSource {
	if end.Sub(start) > resolutionThreshold {
		return factSource{"hourly_country_stats", "hour", bucketkey.Hour(start), bucketkey.Hour(end)}
	}
	return factSource{"minute_country_stats", "minute", bucketkey.Minute(start), bucketkey.Minute(end)}
}

func plainFactSource(start, end time.Time) factSource {
	if end.Sub(start) > resolutionThreshold {
		return factSource{"hourly_stats", "hour", bucketkey.Hour(start), bucketkey.Hour(end)}
	}
	return factSource{"minute_stats", "minute", bucketkey.Minute(start), bucketkey.Minute(end)}
}

// GetDomains returns top domains by traffic, from the cumulative rollup
// for all-time queries or the appropriate fact table for a window.
func (s *Store) GetDomains(backendID int64, q Query) ([]DomainStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT domain, SUM(upload), SUM(download), SUM(connections), MAX(%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN ip != '' THEN ip END),
			       GROUP_CONCAT(DISTINCT CASE WHEN rule != '' THEN rule END),
			       GROUP_CONCAT(DISTINCT CASE WHEN chain != '' THEN chain END)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND domain != ''
			GROUP BY domain
			ORDER BY (SUM(upload) + SUM(download)) DESC, domain ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query domains: %w", err)
		}
		defer rows.Close()

		var out []DomainStats
		for rows.Next() {
			var d DomainStats
			var ips, rules, chains sql.NullString
			if err := rows.Scan(&d.Domain, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections,
				&d.LastSeen, &ips, &rules, &chains); err != nil {
				return nil, fmt.Errorf("statsdb: scan domain: %w", err)
			}
			d.IPs = splitList(ips.String)
			d.Rules = splitList(rules.String)
			d.Chains = s.ExpandRuleChains(backendID, splitList(chains.String), d.Rules)
			out = append(out, d)
		}
		return out, rows.Err()
	}

	rows, err := s.db.Query(`
		SELECT domain, total_upload, total_download, total_connections, last_seen, ips
		FROM domain_stats
		WHERE backend_id = ?
		ORDER BY (total_upload + total_download) DESC, domain ASC
		LIMIT ?`, backendID, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query domains: %w", err)
	}
	defer rows.Close()

	var out []DomainStats
	for rows.Next() {
		var d DomainStats
		var ips string
		if err := rows.Scan(&d.Domain, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections, &d.LastSeen, &ips); err != nil {
			return nil, fmt.Errorf("statsdb: scan domain: %w", err)
		}
		d.IPs = splitList(ips)
		d.Rules = []string{}
		d.Chains = []string{}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetIPs returns top destination IPs by traffic, with geo enrichment
// joined from the persisted geoip cache.
func (s *Store) GetIPs(backendID int64, q Query) ([]IPStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT m.ip, SUM(m.upload), SUM(m.download), SUM(m.connections), MAX(m.%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN m.domain != '' THEN m.domain END),
			       GROUP_CONCAT(DISTINCT CASE WHEN m.chain != '' THEN m.chain END),
			       COALESCE(g.country, ''), COALESCE(g.asn, '')
			FROM %s m
			LEFT JOIN geoip_cache g ON m.ip = g.ip
			WHERE m.backend_id = ? AND m.%s >= ? AND m.%s <= ? AND m.ip != ''
			GROUP BY m.ip
			ORDER BY (SUM(m.upload) + SUM(m.download)) DESC, m.ip ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query ips: %w", err)
		}
		defer rows.Close()
		return scanIPStats(rows)
	}

	rows, err := s.db.Query(`
		SELECT i.ip, i.total_upload, i.total_download, i.total_connections, i.last_seen,
		       i.domains, '', COALESCE(g.country, ''), COALESCE(g.asn, '')
		FROM ip_stats i
		LEFT JOIN geoip_cache g ON i.ip = g.ip
		WHERE i.backend_id = ?
		ORDER BY (i.total_upload + i.total_download) DESC, i.ip ASC
		LIMIT ?`, backendID, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query ips: %w", err)
	}
	defer rows.Close()
	return scanIPStats(rows)
}

func scanIPStats(rows *sql.Rows) ([]IPStats, error) {
	var out []IPStats
	for rows.Next() {
		var r IPStats
		var domains, chains sql.NullString
		if err := rows.Scan(&r.IP, &r.TotalUpload, &r.TotalDownload, &r.TotalConnections,
			&r.LastSeen, &domains, &chains, &r.Country, &r.ASN); err != nil {
			return nil, fmt.Errorf("statsdb: scan ip: %w", err)
		}
		r.Domains = splitList(domains.String)
		r.Chains = splitList(chains.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDevices returns top devices (source IPs) by traffic.
func (s *Store) GetDevices(backendID int64, q Query) ([]DeviceStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT source_ip, SUM(upload), SUM(download), SUM(connections), MAX(%s)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND source_ip != ''
			GROUP BY source_ip
			ORDER BY (SUM(upload) + SUM(download)) DESC, source_ip ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		return s.scanDevices(query, backendID, src.startKey, src.endKey, q.limit())
	}

	return s.scanDevices(`
		SELECT source_ip, total_upload, total_download, total_connections, last_seen
		FROM device_stats
		WHERE backend_id = ?
		ORDER BY (total_upload + total_download) DESC, source_ip ASC
		LIMIT ?`, backendID, q.limit())
}

func (s *Store) scanDevices(query string, args ...any) ([]DeviceStats, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceStats
	for rows.Next() {
		var d DeviceStats
		if err := rows.Scan(&d.SourceIP, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("statsdb: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetProxyStats returns per-chain aggregate traffic.
func (s *Store) GetProxyStats(backendID int64, q Query) ([]ProxyStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT chain, SUM(upload), SUM(download), SUM(connections), MAX(%s)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND chain != ''
			GROUP BY chain
			ORDER BY (SUM(upload) + SUM(download)) DESC, chain ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		return s.scanProxies(query, backendID, src.startKey, src.endKey, q.limit())
	}

	return s.scanProxies(`
		SELECT chain, total_upload, total_download, total_connections, last_seen
		FROM proxy_stats
		WHERE backend_id = ?
		ORDER BY (total_upload + total_download) DESC, chain ASC
		LIMIT ?`, backendID, q.limit())
}

func (s *Store) scanProxies(query string, args ...any) ([]ProxyStats, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query proxies: %w", err)
	}
	defer rows.Close()

	var out []ProxyStats
	for rows.Next() {
		var p ProxyStats
		if err := rows.Scan(&p.Chain, &p.TotalUpload, &p.TotalDownload, &p.TotalConnections, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("statsdb: scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRuleStats returns per-rule aggregate traffic.
func (s *Store) GetRuleStats(backendID int64, q Query) ([]RuleStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var query string
	var args []any
	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query = fmt.Sprintf(`
			SELECT rule, SUM(upload), SUM(download), SUM(connections), MAX(%s)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND rule != ''
			GROUP BY rule
			ORDER BY (SUM(upload) + SUM(download)) DESC, rule ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		args = []any{backendID, src.startKey, src.endKey, q.limit()}
	} else {
		query = `
			SELECT rule, total_upload, total_download, total_connections, last_seen
			FROM rule_stats
			WHERE backend_id = ?
			ORDER BY (total_upload + total_download) DESC, rule ASC
			LIMIT ?`
		args = []any{backendID, q.limit()}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query rules: %w", err)
	}
	defer rows.Close()

	var out []RuleStats
	for rows.Next() {
		var r RuleStats
		if err := rows.Scan(&r.Rule, &r.TotalUpload, &r.TotalDownload, &r.TotalConnections, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("statsdb: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeviceDomains returns the domain breakdown for one device.
func (s *Store) DeviceDomains(backendID int64, sourceIP string, q Query) ([]DomainStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT domain, SUM(upload), SUM(download), SUM(connections), MAX(%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN ip != '' THEN ip END),
			       GROUP_CONCAT(DISTINCT CASE WHEN rule != '' THEN rule END),
			       GROUP_CONCAT(DISTINCT CASE WHEN chain != '' THEN chain END)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND source_ip = ? AND domain != ''
			GROUP BY domain
			ORDER BY (SUM(upload) + SUM(download)) DESC, domain ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, sourceIP, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query device domains: %w", err)
		}
		defer rows.Close()

		var out []DomainStats
		for rows.Next() {
			var d DomainStats
			var ips, rules, chains sql.NullString
			if err := rows.Scan(&d.Domain, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections,
				&d.LastSeen, &ips, &rules, &chains); err != nil {
				return nil, fmt.Errorf("statsdb: scan device domain: %w", err)
			}
			d.IPs = splitList(ips.String)
			d.Rules = splitList(rules.String)
			d.Chains = s.ExpandRuleChains(backendID, splitList(chains.String), d.Rules)
			out = append(out, d)
		}
		return out, rows.Err()
	}

	rows, err := s.db.Query(`
		SELECT d.domain, d.total_upload, d.total_download, d.total_connections, d.last_seen,
		       COALESCE(g.ips, '')
		FROM device_domain_stats d
		LEFT JOIN domain_stats g ON d.backend_id = g.backend_id AND d.domain = g.domain
		WHERE d.backend_id = ? AND d.source_ip = ?
		ORDER BY (d.total_upload + d.total_download) DESC, d.domain ASC
		LIMIT ?`, backendID, sourceIP, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query device domains: %w", err)
	}
	defer rows.Close()

	var out []DomainStats
	for rows.Next() {
		var d DomainStats
		var ips string
		if err := rows.Scan(&d.Domain, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections, &d.LastSeen, &ips); err != nil {
			return nil, fmt.Errorf("statsdb: scan device domain: %w", err)
		}
		d.IPs = splitList(ips)
		d.Rules = []string{}
		d.Chains = []string{}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeviceIPs returns the destination-IP breakdown for one device.
func (s *Store) DeviceIPs(backendID int64, sourceIP string, q Query) ([]IPStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT m.ip, SUM(m.upload), SUM(m.download), SUM(m.connections), MAX(m.%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN m.domain != '' THEN m.domain END),
			       GROUP_CONCAT(DISTINCT CASE WHEN m.chain != '' THEN m.chain END),
			       COALESCE(g.country, ''), COALESCE(g.asn, '')
			FROM %s m
			LEFT JOIN geoip_cache g ON m.ip = g.ip
			WHERE m.backend_id = ? AND m.%s >= ? AND m.%s <= ? AND m.source_ip = ? AND m.ip != ''
			GROUP BY m.ip
			ORDER BY (SUM(m.upload) + SUM(m.download)) DESC, m.ip ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, sourceIP, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query device ips: %w", err)
		}
		defer rows.Close()
		return scanIPStats(rows)
	}

	rows, err := s.db.Query(`
		SELECT d.ip, d.total_upload, d.total_download, d.total_connections, d.last_seen,
		       COALESCE(i.domains, ''), '', COALESCE(g.country, ''), COALESCE(g.asn, '')
		FROM device_ip_stats d
		LEFT JOIN ip_stats i ON d.backend_id = i.backend_id AND d.ip = i.ip
		LEFT JOIN geoip_cache g ON d.ip = g.ip
		WHERE d.backend_id = ? AND d.source_ip = ?
		ORDER BY (d.total_upload + d.total_download) DESC, d.ip ASC
		LIMIT ?`, backendID, sourceIP, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query device ips: %w", err)
	}
	defer rows.Close()
	return scanIPStats(rows)
}

// ProxyDomains returns the domain breakdown for one chain. The chain
// matches exactly or as the first hop of a longer recorded chain.
func (s *Store) ProxyDomains(backendID int64, chain string, q Query) ([]DomainStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	chainPrefix := chain + " > %"

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT domain, SUM(upload), SUM(download), SUM(connections), MAX(%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN ip != '' THEN ip END)
			FROM %s
			WHERE backend_id = ? AND %s >= ? AND %s <= ? AND (chain = ? OR chain LIKE ?) AND domain != ''
			GROUP BY domain
			ORDER BY (SUM(upload) + SUM(download)) DESC, domain ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		return s.scanChainDomains(chain, query, backendID, src.startKey, src.endKey, chain, chainPrefix, q.limit())
	}

	return s.scanChainDomains(chain, `
		SELECT dps.domain, dps.total_upload, dps.total_download, dps.total_connections, dps.last_seen,
		       COALESCE(ds.ips, '')
		FROM domain_proxy_stats dps
		LEFT JOIN domain_stats ds ON dps.backend_id = ds.backend_id AND dps.domain = ds.domain
		WHERE dps.backend_id = ? AND (dps.chain = ? OR dps.chain LIKE ?)
		ORDER BY (dps.total_upload + dps.total_download) DESC, dps.domain ASC
		LIMIT ?`, backendID, chain, chainPrefix, q.limit())
}

func (s *Store) scanChainDomains(chain, query string, args ...any) ([]DomainStats, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query proxy domains: %w", err)
	}
	defer rows.Close()

	var out []DomainStats
	for rows.Next() {
		var d DomainStats
		var ips sql.NullString
		if err := rows.Scan(&d.Domain, &d.TotalUpload, &d.TotalDownload, &d.TotalConnections, &d.LastSeen, &ips); err != nil {
			return nil, fmt.Errorf("statsdb: scan proxy domain: %w", err)
		}
		d.IPs = splitList(ips.String)
		d.Rules = []string{}
		d.Chains = []string{chain}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ProxyIPs returns the destination-IP breakdown for one chain.
func (s *Store) ProxyIPs(backendID int64, chain string, q Query) ([]IPStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	chainPrefix := chain + " > %"

	if q.windowed() {
		src := dimFactSource(q.Start, q.End)
		query := fmt.Sprintf(`
			SELECT m.ip, SUM(m.upload), SUM(m.download), SUM(m.connections), MAX(m.%s),
			       GROUP_CONCAT(DISTINCT CASE WHEN m.domain != '' THEN m.domain END),
			       '', COALESCE(g.country, ''), COALESCE(g.asn, '')
			FROM %s m
			LEFT JOIN geoip_cache g ON m.ip = g.ip
			WHERE m.backend_id = ? AND m.%s >= ? AND m.%s <= ? AND (m.chain = ? OR m.chain LIKE ?) AND m.ip != ''
			GROUP BY m.ip
			ORDER BY (SUM(m.upload) + SUM(m.download)) DESC, m.ip ASC
			LIMIT ?`, src.bucketCol, src.table, src.bucketCol, src.bucketCol)
		rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, chain, chainPrefix, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query proxy ips: %w", err)
		}
		defer rows.Close()
		return scanIPStatsWithChain(rows, chain)
	}

	rows, err := s.db.Query(`
		SELECT p.ip, p.total_upload, p.total_download, p.total_connections, p.last_seen,
		       p.domains, '', COALESCE(g.country, ''), COALESCE(g.asn, '')
		FROM ip_proxy_stats p
		LEFT JOIN geoip_cache g ON p.ip = g.ip
		WHERE p.backend_id = ? AND (p.chain = ? OR p.chain LIKE ?) AND p.ip != ''
		ORDER BY (p.total_upload + p.total_download) DESC, p.ip ASC
		LIMIT ?`, backendID, chain, chainPrefix, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query proxy ips: %w", err)
	}
	defer rows.Close()
	return scanIPStatsWithChain(rows, chain)
}

func scanIPStatsWithChain(rows *sql.Rows, chain string) ([]IPStats, error) {
	out, err := scanIPStats(rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Chains = []string{chain}
	}
	return out, nil
}

// HourlyStats returns up to hours rows of the hourly timeseries, most
// recent first.
func (s *Store) HourlyStats(backendID int64, hours int, q Query) ([]HourlyStat, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = 24
	}

	var rows *sql.Rows
	var err error
	if q.windowed() {
		rows, err = s.db.Query(`
			SELECT hour, upload, download, connections
			FROM hourly_stats
			WHERE backend_id = ? AND hour >= ? AND hour <= ?
			ORDER BY hour DESC
			LIMIT ?`, backendID, bucketkey.Hour(q.Start), bucketkey.Hour(q.End), hours)
	} else {
		rows, err = s.db.Query(`
			SELECT hour, upload, download, connections
			FROM hourly_stats
			WHERE backend_id = ?
			ORDER BY hour DESC
			LIMIT ?`, backendID, hours)
	}
	if err != nil {
		return nil, fmt.Errorf("statsdb: query hourly stats: %w", err)
	}
	defer rows.Close()

	var out []HourlyStat
	for rows.Next() {
		var h HourlyStat
		if err := rows.Scan(&h.Hour, &h.Upload, &h.Download, &h.Connections); err != nil {
			return nil, fmt.Errorf("statsdb: scan hourly stat: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// TodayTraffic sums the hourly rollup since midnight UTC.
func (s *Store) TodayTraffic(backendID int64) (TrafficTotal, error) {
	return s.sumTraffic(`
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0)
		FROM hourly_stats
		WHERE backend_id = ? AND hour >= ?`, backendID, bucketkey.Day(time.Now()))
}

// TrafficInRange sums total traffic for a window, routed by span. Without
// a window it falls back to today's traffic.
func (s *Store) TrafficInRange(backendID int64, q Query) (TrafficTotal, error) {
	if err := q.validate(); err != nil {
		return TrafficTotal{}, err
	}
	if !q.windowed() {
		return s.TodayTraffic(backendID)
	}

	src := plainFactSource(q.Start, q.End)
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0)
		FROM %s
		WHERE backend_id = ? AND %s >= ? AND %s <= ?`, src.table, src.bucketCol, src.bucketCol)
	return s.sumTraffic(query, backendID, src.startKey, src.endKey)
}

func (s *Store) sumTraffic(query string, args ...any) (TrafficTotal, error) {
	var t TrafficTotal
	if err := s.db.QueryRow(query, args...).Scan(&t.Upload, &t.Download, &t.Connections); err != nil {
		return TrafficTotal{}, fmt.Errorf("statsdb: sum traffic: %w", err)
	}
	return t, nil
}

// TrafficTrend returns the raw trend series for a window (defaulting to
// the last minutes), sourced from minute or hourly rollups by span.
func (s *Store) TrafficTrend(backendID int64, minutes int, q Query) ([]TrendPoint, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	start, end := q.Start, q.End
	if !q.windowed() {
		if minutes <= 0 {
			minutes = 30
		}
		end = time.Now()
		start = end.Add(-time.Duration(minutes) * time.Minute)
	}

	src := plainFactSource(start, end)
	query := fmt.Sprintf(`
		SELECT %s, upload, download
		FROM %s
		WHERE backend_id = ? AND %s >= ? AND %s <= ?
		ORDER BY %s ASC`, src.bucketCol, src.table, src.bucketCol, src.bucketCol, src.bucketCol)
	rows, err := s.db.Query(query, backendID, src.startKey, src.endKey)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query trend: %w", err)
	}
	defer rows.Close()
	return scanTrend(rows)
}

// TrafficTrendAggregated returns the trend series re-bucketed to
// bucketMinutes-wide intervals. Buckets of an hour or more read the
// hourly rollup regardless of span.
func (s *Store) TrafficTrendAggregated(backendID int64, minutes, bucketMinutes int, q Query) ([]TrendPoint, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	start, end := q.Start, q.End
	if !q.windowed() {
		if minutes <= 0 {
			minutes = 30
		}
		end = time.Now()
		start = end.Add(-time.Duration(minutes) * time.Minute)
	}
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}

	var src factSource
	if bucketMinutes >= 60 {
		src = factSource{"hourly_stats", "hour", bucketkey.Hour(start), bucketkey.Hour(end)}
	} else {
		src = plainFactSource(start, end)
	}

	query := fmt.Sprintf(`
		SELECT %s, upload, download
		FROM %s
		WHERE backend_id = ? AND %s >= ? AND %s <= ?
		ORDER BY %s ASC`, src.bucketCol, src.table, src.bucketCol, src.bucketCol, src.bucketCol)
	rows, err := s.db.Query(query, backendID, src.startKey, src.endKey)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query aggregated trend: %w", err)
	}
	defer rows.Close()

	points, err := scanTrend(rows)
	if err != nil {
		return nil, err
	}

	native := 1
	if src.bucketCol == "hour" {
		native = 60
	}
	if bucketMinutes <= native {
		return points, nil
	}
	return rebucket(points, time.Duration(bucketMinutes)*time.Minute), nil
}

func scanTrend(rows *sql.Rows) ([]TrendPoint, error) {
	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Time, &p.Upload, &p.Download); err != nil {
			return nil, fmt.Errorf("statsdb: scan trend point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// rebucket collapses native-resolution points into width-wide buckets,
// preserving chronological order.
func rebucket(points []TrendPoint, width time.Duration) []TrendPoint {
	if len(points) == 0 {
		return points
	}
	agg := make(map[string]*TrendPoint, len(points))
	for _, p := range points {
		b := bucketkey.Bucket(bucketkey.Parse(p.Time), width)
		if cur := agg[b]; cur != nil {
			cur.Upload += p.Upload
			cur.Download += p.Download
		} else {
			agg[b] = &TrendPoint{Time: b, Upload: p.Upload, Download: p.Download}
		}
	}
	keys := make([]string, 0, len(agg))
	for k := range agg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]TrendPoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, *agg[k])
	}
	return out
}
