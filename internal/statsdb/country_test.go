package statsdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountryStatsPrimaryPath(t *testing.T) {
	s := testStore(t)
	e := ev(ts("2024-01-01T10:00:05Z"), "example.com", 100, 200)
	e.Country, e.CountryName, e.Continent = "DE", "Germany", "Europe"
	require.NoError(t, s.Apply(1, e))

	rows, err := s.GetCountryStats(1, Query{Start: ts("2024-01-01T10:00:00Z"), End: ts("2024-01-01T11:00:00Z")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "DE", rows[0].Country)
	assert.Equal(t, "Germany", rows[0].CountryName)
	assert.Equal(t, int64(100), rows[0].TotalUpload)

	all, err := s.GetCountryStats(1, Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "DE", all[0].Country)
}

// No country rollups, but the geoip cache knows one of the two IPs: the
// first fallback groups dim facts by cached country, folding the unknown
// IP into UNKNOWN.
func TestCountryFallbackFromDimFacts(t *testing.T) {
	s := testStore(t)

	e1 := ev(ts("2024-01-01T10:00:05Z"), "example.com", 300, 100)
	e1.IP = "93.184.216.34"
	e2 := ev(ts("2024-01-01T10:00:06Z"), "other.example", 200, 50)
	e2.IP = "203.0.113.9"
	require.NoError(t, s.ApplyBatch(1, []TrafficEvent{e1, e2}))
	require.NoError(t, s.UpsertGeoIP(GeoIPRecord{IP: "93.184.216.34", Country: "US", CountryName: "United States", Continent: "North America"}))

	rows, err := s.GetCountryStats(1, Query{Start: ts("2024-01-01T10:00:00Z"), End: ts("2024-01-01T11:00:00Z")})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byCountry := map[string]CountryStats{}
	for _, r := range rows {
		byCountry[r.Country] = r
	}
	assert.Equal(t, int64(300), byCountry["US"].TotalUpload)
	assert.Equal(t, int64(200), byCountry["UNKNOWN"].TotalUpload)
}

// No country rollups and no geo cache: the whole window's traffic comes
// back as a single UNKNOWN row.
func TestCountryFallbackFromTotals(t *testing.T) {
	s := testStore(t)

	e1 := ev(ts("2024-01-01T10:00:05Z"), "", 400, 100)
	e1.IP = ""
	e2 := ev(ts("2024-01-01T10:00:06Z"), "", 100, 0)
	e2.IP = ""
	require.NoError(t, s.ApplyBatch(1, []TrafficEvent{e1, e2}))

	rows, err := s.GetCountryStats(1, Query{Start: ts("2024-01-01T10:00:00Z"), End: ts("2024-01-01T11:00:00Z")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "UNKNOWN", rows[0].Country)
	assert.Equal(t, int64(500), rows[0].TotalUpload)
	assert.Equal(t, int64(100), rows[0].TotalDownload)
	assert.Equal(t, int64(2), rows[0].TotalConnections)
}

func TestCountryNoTrafficReturnsEmpty(t *testing.T) {
	s := testStore(t)
	rows, err := s.GetCountryStats(1, Query{Start: ts("2024-01-01T10:00:00Z"), End: ts("2024-01-01T11:00:00Z")})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
