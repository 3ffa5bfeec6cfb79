// Package geoip resolves IP addresses to country/ASN data for the
// traffic aggregation pipeline, backed by local MaxMind databases or an
// online lookup API.
package geoip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Required database files for the local provider.
const (
	CityDBFile = "GeoLite2-City.mmdb"
	ASNDBFile  = "GeoLite2-ASN.mmdb"
)

// RequiredFiles is the fixed list of MMDB files the local provider needs.
var RequiredFiles = []string{CityDBFile, ASNDBFile}

type cityRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Continent struct {
		Code  string            `maxminddb:"code"`
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Info is a resolved geo record for one IP.
type Info struct {
	Country     string
	CountryName string
	Continent   string
	City        string
	ASN         string
	ASName      string
}

// DB holds the local City and ASN MMDB readers with thread-safe reload
// support.
type DB struct {
	logger *slog.Logger

	mu   sync.RWMutex
	city *maxminddb.Reader
	asn  *maxminddb.Reader
}

// OpenDB opens the City and ASN databases found in dir. Either reader
// may be absent; lookups degrade to whatever is available.
func OpenDB(dir string, logger *slog.Logger) (*DB, error) {
	db := &DB{logger: logger}
	if err := db.Reload(dir); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload swaps in fresh readers from dir. Called at startup and by the
// periodic refresh loop after database updates.
func (db *DB) Reload(dir string) error {
	city, cityErr := maxminddb.Open(filepath.Join(dir, CityDBFile))
	asn, asnErr := maxminddb.Open(filepath.Join(dir, ASNDBFile))
	if cityErr != nil && asnErr != nil {
		return fmt.Errorf("geoip: no databases in %s: %w", dir, cityErr)
	}

	db.mu.Lock()
	oldCity, oldASN := db.city, db.asn
	if cityErr == nil {
		db.city = city
	}
	if asnErr == nil {
		db.asn = asn
	}
	db.mu.Unlock()

	if oldCity != nil && cityErr == nil {
		oldCity.Close()
	}
	if oldASN != nil && asnErr == nil {
		oldASN.Close()
	}

	db.logger.Info("geoip: databases loaded", "dir", dir, "city", cityErr == nil, "asn", asnErr == nil)
	return nil
}

// Lookup resolves addr against the loaded databases. The second return
// is false when nothing at all was found.
func (db *DB) Lookup(addr netip.Addr) (Info, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var info Info
	found := false
	if db.city != nil {
		var rec cityRecord
		if err := db.city.Lookup(addr).Decode(&rec); err == nil && rec.Country.ISOCode != "" {
			info.Country = rec.Country.ISOCode
			info.CountryName = rec.Country.Names["en"]
			if info.CountryName == "" {
				info.CountryName = rec.Country.ISOCode
			}
			info.Continent = rec.Continent.Names["en"]
			if info.Continent == "" {
				info.Continent = rec.Continent.Code
			}
			info.City = rec.City.Names["en"]
			found = true
		}
	}
	if db.asn != nil {
		var rec asnRecord
		if err := db.asn.Lookup(addr).Decode(&rec); err == nil && rec.Number != 0 {
			info.ASN = fmt.Sprintf("AS%d", rec.Number)
			info.ASName = rec.Organization
			found = true
		}
	}
	return info, found
}

// Close releases both readers.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	if db.city != nil {
		firstErr = db.city.Close()
		db.city = nil
	}
	if db.asn != nil {
		if err := db.asn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.asn = nil
	}
	return firstErr
}
