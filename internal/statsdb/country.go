package statsdb

import (
	"fmt"

	"github.com/blikh/proxystats/internal/bucketkey"
)

// unknownCountry buckets traffic whose origin could not be resolved.
const unknownCountry = "UNKNOWN"

// GetCountryStats returns per-country aggregate traffic. Windowed queries
// that find no rows in the dedicated country rollup (geo enrichment may
// have been enabled after ingestion began) degrade in two steps before
// reporting empty: first a join of the dimensional facts against the
// geoip cache, then the whole window's traffic as a single UNKNOWN row.
func (s *Store) GetCountryStats(backendID int64, q Query) ([]CountryStats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	if !q.windowed() {
		rows, err := s.db.Query(`
			SELECT country, country_name, continent, total_upload, total_download, total_connections
			FROM country_stats
			WHERE backend_id = ?
			ORDER BY (total_upload + total_download) DESC, country ASC
			LIMIT ?`, backendID, q.limit())
		if err != nil {
			return nil, fmt.Errorf("statsdb: query countries: %w", err)
		}
		defer rows.Close()
		return scanCountries(rows)
	}

	src := countryFactSource(q.Start, q.End)
	query := fmt.Sprintf(`
		SELECT country, MAX(country_name), MAX(continent),
		       SUM(upload), SUM(download), SUM(connections)
		FROM %s
		WHERE backend_id = ? AND %s >= ? AND %s <= ?
		GROUP BY country
		ORDER BY (SUM(upload) + SUM(download)) DESC, country ASC
		LIMIT ?`, src.table, src.bucketCol, src.bucketCol)
	rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: query countries: %w", err)
	}
	out, err := func() ([]CountryStats, error) {
		defer rows.Close()
		return scanCountries(rows)
	}()
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	out, err = s.countryStatsFromDimFacts(backendID, q)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	return s.countryStatsFromTotals(backendID, q)
}

// countryStatsFromDimFacts derives country aggregates by joining the
// generic per-IP facts against the persisted geoip cache; IPs without a
// cached country fold into UNKNOWN.
func (s *Store) countryStatsFromDimFacts(backendID int64, q Query) ([]CountryStats, error) {
	src := dimFactSource(q.Start, q.End)
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(g.country, ''), 'UNKNOWN'),
		       COALESCE(MAX(NULLIF(g.country_name, '')), 'Unknown'),
		       COALESCE(MAX(NULLIF(g.continent, '')), 'Unknown'),
		       SUM(m.upload), SUM(m.download), SUM(m.connections)
		FROM %s m
		LEFT JOIN geoip_cache g ON m.ip = g.ip
		WHERE m.backend_id = ? AND m.%s >= ? AND m.%s <= ? AND m.ip != ''
		GROUP BY COALESCE(NULLIF(g.country, ''), 'UNKNOWN')
		ORDER BY (SUM(m.upload) + SUM(m.download)) DESC, 1 ASC
		LIMIT ?`, src.table, src.bucketCol, src.bucketCol)
	rows, err := s.db.Query(query, backendID, src.startKey, src.endKey, q.limit())
	if err != nil {
		return nil, fmt.Errorf("statsdb: country fallback join: %w", err)
	}
	defer rows.Close()
	return scanCountries(rows)
}

// countryStatsFromTotals is the last resort: the window's whole traffic
// as one UNKNOWN row, only when there is any.
func (s *Store) countryStatsFromTotals(backendID int64, q Query) ([]CountryStats, error) {
	var t TrafficTotal
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0)
		FROM minute_stats
		WHERE backend_id = ? AND minute >= ? AND minute <= ?`,
		backendID, bucketkey.Minute(q.Start), bucketkey.Minute(q.End),
	).Scan(&t.Upload, &t.Download, &t.Connections)
	if err != nil {
		return nil, fmt.Errorf("statsdb: country fallback totals: %w", err)
	}
	if t.Upload == 0 && t.Download == 0 && t.Connections == 0 {
		return nil, nil
	}
	return []CountryStats{{
		Country:          unknownCountry,
		CountryName:      "Unknown",
		Continent:        "Unknown",
		TotalUpload:      t.Upload,
		TotalDownload:    t.Download,
		TotalConnections: t.Connections,
	}}, nil
}

func scanCountries(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]CountryStats, error) {
	var out []CountryStats
	for rows.Next() {
		var c CountryStats
		if err := rows.Scan(&c.Country, &c.CountryName, &c.Continent,
			&c.TotalUpload, &c.TotalDownload, &c.TotalConnections); err != nil {
			return nil, fmt.Errorf("statsdb: scan country: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
