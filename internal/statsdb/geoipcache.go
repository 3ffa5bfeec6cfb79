package statsdb

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	keyGeoProvider     = "geoip.lookup_provider"
	keyGeoOnlineAPIURL = "geoip.online_api_url"

	defaultOnlineAPIURL = "https://api.ipinfo.es/ipinfo"
)

// GeoLookupSettings is the persisted geo lookup policy. Environment
// variables GEOIP_LOOKUP_PROVIDER and GEOIP_ONLINE_API_URL take
// precedence over stored values.
type GeoLookupSettings struct {
	Provider     string `json:"provider"` // "online" or "local"
	OnlineAPIURL string `json:"onlineApiUrl"`
}

// GetGeoLookupSettings returns the effective lookup policy.
func (s *Store) GetGeoLookupSettings() (GeoLookupSettings, error) {
	out := GeoLookupSettings{Provider: "online", OnlineAPIURL: defaultOnlineAPIURL}

	if v, ok, err := s.configValue(keyGeoProvider); err != nil {
		return out, err
	} else if ok && (v == "online" || v == "local") {
		out.Provider = v
	}
	if v, ok, err := s.configValue(keyGeoOnlineAPIURL); err != nil {
		return out, err
	} else if ok && v != "" {
		out.OnlineAPIURL = v
	}

	if env := strings.TrimSpace(os.Getenv("GEOIP_LOOKUP_PROVIDER")); env == "online" || env == "local" {
		out.Provider = env
	}
	if env := strings.TrimSpace(os.Getenv("GEOIP_ONLINE_API_URL")); env != "" {
		out.OnlineAPIURL = env
	}
	return out, nil
}

// UpdateGeoLookupSettings persists the provided fields. Nil fields are
// left unchanged.
func (s *Store) UpdateGeoLookupSettings(provider, onlineAPIURL *string) (GeoLookupSettings, error) {
	if provider != nil {
		v := *provider
		if v != "online" && v != "local" {
			return GeoLookupSettings{}, fmt.Errorf("statsdb: invalid geoip provider %q", v)
		}
		if err := s.setConfigValue(keyGeoProvider, v); err != nil {
			return GeoLookupSettings{}, err
		}
	}
	if onlineAPIURL != nil {
		if err := s.setConfigValue(keyGeoOnlineAPIURL, *onlineAPIURL); err != nil {
			return GeoLookupSettings{}, err
		}
	}
	return s.GetGeoLookupSettings()
}

// UpsertGeoIP persists one IP's geo lookup. Later lookups for the same IP
// overwrite the row (geoip databases get refreshed).
func (s *Store) UpsertGeoIP(rec GeoIPRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO geoip_cache (ip, country, country_name, continent, city, asn, as_name, queried_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
		  country = excluded.country,
		  country_name = excluded.country_name,
		  continent = excluded.continent,
		  city = excluded.city,
		  asn = excluded.asn,
		  as_name = excluded.as_name,
		  queried_at = excluded.queried_at`,
		rec.IP, rec.Country, rec.CountryName, rec.Continent, rec.City, rec.ASN, rec.ASName,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("statsdb: upsert geoip %s: %w", rec.IP, err)
	}
	return nil
}

// GetGeoIP returns the cached geo record for ip, if any.
func (s *Store) GetGeoIP(ip string) (GeoIPRecord, bool, error) {
	var rec GeoIPRecord
	err := s.db.QueryRow(`
		SELECT ip, country, country_name, continent, city, asn, as_name
		FROM geoip_cache WHERE ip = ?`, ip,
	).Scan(&rec.IP, &rec.Country, &rec.CountryName, &rec.Continent, &rec.City, &rec.ASN, &rec.ASName)
	if err == sql.ErrNoRows {
		return GeoIPRecord{}, false, nil
	}
	if err != nil {
		return GeoIPRecord{}, false, fmt.Errorf("statsdb: get geoip %s: %w", ip, err)
	}
	return rec, true, nil
}

// CleanupGeoIPCache drops cached lookups older than days.
func (s *Store) CleanupGeoIPCache(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(timeLayout)
	r, err := s.db.Exec(`DELETE FROM geoip_cache WHERE queried_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("statsdb: cleanup geoip cache: %w", err)
	}
	n, _ := r.RowsAffected()
	return n, nil
}
