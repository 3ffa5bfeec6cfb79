package statsdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionConfigDefaultsAndClamping(t *testing.T) {
	s := testStore(t)

	cfg, err := s.GetRetentionConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ConnectionLogsDays)
	assert.Equal(t, 30, cfg.HourlyStatsDays)
	assert.False(t, cfg.AutoCleanup)

	logs, hours := 500, 2
	auto := true
	cfg, err = s.UpdateRetentionConfig(RetentionUpdate{
		ConnectionLogsDays: &logs,
		HourlyStatsDays:    &hours,
		AutoCleanup:        &auto,
	})
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.ConnectionLogsDays, "clamped to upper bound")
	assert.Equal(t, 7, cfg.HourlyStatsDays, "clamped to lower bound")
	assert.True(t, cfg.AutoCleanup)

	// partial update leaves the rest alone
	logs = 14
	cfg, err = s.UpdateRetentionConfig(RetentionUpdate{ConnectionLogsDays: &logs})
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.ConnectionLogsDays)
	assert.Equal(t, 7, cfg.HourlyStatsDays)
	assert.True(t, cfg.AutoCleanup)
}

func TestRetentionConfigClampsStoredValues(t *testing.T) {
	s := testStore(t)

	// Rows written outside UpdateRetentionConfig, e.g. by an older
	// binary, must not leak out-of-range values into cleanup cutoffs.
	require.NoError(t, s.setConfigValue(keyConnectionLogsDays, "500"))
	require.NoError(t, s.setConfigValue(keyHourlyStatsDays, "2"))

	cfg, err := s.GetRetentionConfig()
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.ConnectionLogsDays)
	assert.Equal(t, 7, cfg.HourlyStatsDays)
}

func TestFullWipeClearsBackend(t *testing.T) {
	s := testStore(t)
	e := ev(ts("2024-01-01T10:00:05Z"), "example.com", 100, 200)
	e.Country = "US"
	require.NoError(t, s.Apply(1, e))
	require.NoError(t, s.Apply(2, ev(ts("2024-01-01T10:00:05Z"), "kept.example", 5, 5)))

	id := int64(1)
	res, err := s.Cleanup(&id, 0)
	require.NoError(t, err)
	assert.Greater(t, res.DeletedMinute, int64(0))
	assert.Equal(t, int64(1), res.DeletedDomains)

	domains, err := s.GetDomains(1, Query{})
	require.NoError(t, err)
	assert.Empty(t, domains)
	total, err := s.TrafficInRange(1, Query{Start: ts("2024-01-01T00:00:00Z"), End: ts("2024-01-02T00:00:00Z")})
	require.NoError(t, err)
	assert.Zero(t, total.Upload)
	assert.Zero(t, total.Download)

	// other backend untouched
	domains, err = s.GetDomains(2, Query{})
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "kept.example", domains[0].Domain)
}

func TestFullWipeAllBackends(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Apply(1, ev(ts("2024-01-01T10:00:05Z"), "a.example", 1, 1)))
	require.NoError(t, s.Apply(2, ev(ts("2024-01-01T10:00:05Z"), "b.example", 1, 1)))

	_, err := s.Cleanup(nil, 0)
	require.NoError(t, err)

	st, err := s.GetCleanupStats()
	require.NoError(t, err)
	assert.Zero(t, st.ConnectionLogsCount)
	assert.Zero(t, st.HourlyStatsCount)
	assert.Empty(t, st.OldestConnectionLog)
}

// Cutoff boundary: rows at exactly now - days stay, strictly older rows go.
// Cumulative rollups are never touched by an aged cleanup.
func TestCleanupCutoffBoundary(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Minute)
	days := 7
	cutoff := now.AddDate(0, 0, -days)

	require.NoError(t, s.ApplyBatch(1, []TrafficEvent{
		ev(cutoff.Add(-time.Hour), "old.example", 10, 10),
		ev(cutoff, "boundary.example", 20, 20),
		ev(now.Add(-time.Minute), "fresh.example", 30, 30),
	}))

	id := int64(1)
	res, err := s.Cleanup(&id, days)
	require.NoError(t, err)
	assert.Greater(t, res.DeletedMinute, int64(0))

	var minutes []string
	rows, err := s.db.Query(`SELECT minute FROM minute_stats WHERE backend_id = 1 ORDER BY minute`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var m string
		require.NoError(t, rows.Scan(&m))
		minutes = append(minutes, m)
	}
	require.NoError(t, rows.Err())
	require.Len(t, minutes, 2, "row at the exact cutoff must survive")

	// cumulative totals still cover all three events
	domains, err := s.GetDomains(1, Query{})
	require.NoError(t, err)
	assert.Len(t, domains, 3)
}

func TestDeleteOldHelpers(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.ApplyBatch(1, []TrafficEvent{
		ev(now.AddDate(0, 0, -10), "old.example", 1, 1),
		ev(now, "fresh.example", 1, 1),
	}))

	n, err := s.DeleteOldMinuteStats(now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteOldHourlyStats(now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.GetCleanupStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ConnectionLogsCount)
	assert.Equal(t, int64(1), st.HourlyStatsCount)
}

func TestCleanupIsIdempotent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Apply(1, ev(ts("2024-01-01T10:00:05Z"), "example.com", 1, 1)))

	_, err := s.Cleanup(nil, 0)
	require.NoError(t, err)
	res, err := s.Cleanup(nil, 0)
	require.NoError(t, err)
	assert.Zero(t, res.DeletedMinute)
	assert.Zero(t, res.DeletedDomains)
}
