package statsdb

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/blikh/proxystats/internal/bucketkey"
	"github.com/blikh/proxystats/internal/metrics"
)

// Retention bounds. Values outside are clamped.
const (
	minConnectionLogsDays = 1
	maxConnectionLogsDays = 90
	minHourlyStatsDays    = 7
	maxHourlyStatsDays    = 365

	defaultConnectionLogsDays = 7
	defaultHourlyStatsDays    = 30
)

const (
	keyConnectionLogsDays = "retention.connection_logs_days"
	keyHourlyStatsDays    = "retention.hourly_stats_days"
	keyAutoCleanup        = "retention.auto_cleanup"
)

// GetRetentionConfig reads the persisted retention policy, applying
// defaults for unset keys and clamping stored values to their bounds.
func (s *Store) GetRetentionConfig() (RetentionConfig, error) {
	cfg := RetentionConfig{
		ConnectionLogsDays: defaultConnectionLogsDays,
		HourlyStatsDays:    defaultHourlyStatsDays,
	}
	if v, ok, err := s.configValue(keyConnectionLogsDays); err != nil {
		return cfg, err
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectionLogsDays = clamp(n, minConnectionLogsDays, maxConnectionLogsDays)
		}
	}
	if v, ok, err := s.configValue(keyHourlyStatsDays); err != nil {
		return cfg, err
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HourlyStatsDays = clamp(n, minHourlyStatsDays, maxHourlyStatsDays)
		}
	}
	if v, ok, err := s.configValue(keyAutoCleanup); err != nil {
		return cfg, err
	} else if ok {
		cfg.AutoCleanup = v == "1"
	}
	return cfg, nil
}

// RetentionUpdate carries partial retention changes; nil fields are
// left untouched.
type RetentionUpdate struct {
	ConnectionLogsDays *int  `json:"connectionLogsDays,omitempty"`
	HourlyStatsDays    *int  `json:"hourlyStatsDays,omitempty"`
	AutoCleanup        *bool `json:"autoCleanup,omitempty"`
}

// UpdateRetentionConfig persists the given changes, clamping day values
// to their allowed bounds, and returns the effective config.
func (s *Store) UpdateRetentionConfig(upd RetentionUpdate) (RetentionConfig, error) {
	if upd.ConnectionLogsDays != nil {
		v := clamp(*upd.ConnectionLogsDays, minConnectionLogsDays, maxConnectionLogsDays)
		if err := s.setConfigValue(keyConnectionLogsDays, strconv.Itoa(v)); err != nil {
			return RetentionConfig{}, err
		}
	}
	if upd.HourlyStatsDays != nil {
		v := clamp(*upd.HourlyStatsDays, minHourlyStatsDays, maxHourlyStatsDays)
		if err := s.setConfigValue(keyHourlyStatsDays, strconv.Itoa(v)); err != nil {
			return RetentionConfig{}, err
		}
	}
	if upd.AutoCleanup != nil {
		v := "0"
		if *upd.AutoCleanup {
			v = "1"
		}
		if err := s.setConfigValue(keyAutoCleanup, v); err != nil {
			return RetentionConfig{}, err
		}
	}
	return s.GetRetentionConfig()
}

func (s *Store) configValue(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM app_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statsdb: get config %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setConfigValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value)
	if err != nil {
		return fmt.Errorf("statsdb: set config %s: %w", key, err)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cleanup deletes aged rollup rows. days == 0 wipes every rollup table
// for the scope (including cumulative and pairwise rollups) and compacts
// the database afterwards; days > 0 deletes only minute/hour rows whose
// bucket is strictly older than now - days. Cumulative rollups are
// all-time totals and are never partially aged out. backendID nil means
// all backends. A mid-cascade failure is returned as *CleanupError naming
// the table families that did complete; cleanup is idempotent and can be
// retried whole.
func (s *Store) Cleanup(backendID *int64, days int) (CleanupResult, error) {
	var res CleanupResult
	var completed []string

	run := func(family, query string, args ...any) (int64, error) {
		r, err := s.db.Exec(query, args...)
		if err != nil {
			return 0, &CleanupError{Completed: completed, Failed: family, Err: err}
		}
		n, _ := r.RowsAffected()
		completed = append(completed, family)
		metrics.CleanupRowsDeleted.WithLabelValues(family).Add(float64(n))
		return n, nil
	}

	scope := ""
	var scopeArgs []any
	if backendID != nil {
		scope = " WHERE backend_id = ?"
		scopeArgs = []any{*backendID}
	}

	if days == 0 {
		var err error
		if res.DeletedMinute, err = run("minute_stats", "DELETE FROM minute_stats"+scope, scopeArgs...); err != nil {
			return res, err
		}
		for _, t := range []string{"minute_dim_stats", "minute_country_stats"} {
			n, err := run(t, "DELETE FROM "+t+scope, scopeArgs...)
			if err != nil {
				return res, err
			}
			res.DeletedMinute += n
		}
		for _, t := range []string{"hourly_stats", "hourly_dim_stats", "hourly_country_stats"} {
			n, err := run(t, "DELETE FROM "+t+scope, scopeArgs...)
			if err != nil {
				return res, err
			}
			res.DeletedHourly += n
		}

		var err2 error
		if res.DeletedDomains, err2 = run("domain_stats", "DELETE FROM domain_stats"+scope, scopeArgs...); err2 != nil {
			return res, err2
		}
		if res.DeletedIPs, err2 = run("ip_stats", "DELETE FROM ip_stats"+scope, scopeArgs...); err2 != nil {
			return res, err2
		}
		if res.DeletedProxies, err2 = run("proxy_stats", "DELETE FROM proxy_stats"+scope, scopeArgs...); err2 != nil {
			return res, err2
		}
		if res.DeletedRules, err2 = run("rule_stats", "DELETE FROM rule_stats"+scope, scopeArgs...); err2 != nil {
			return res, err2
		}
		for _, t := range []string{"country_stats", "device_stats"} {
			n, err := run(t, "DELETE FROM "+t+scope, scopeArgs...)
			if err != nil {
				return res, err
			}
			res.DeletedCumulative += n
		}
		for _, t := range []string{
			"device_domain_stats", "device_ip_stats",
			"domain_proxy_stats", "ip_proxy_stats",
			"rule_chain_traffic", "rule_domain_traffic", "rule_ip_traffic",
			"rule_proxy_map",
		} {
			n, err := run(t, "DELETE FROM "+t+scope, scopeArgs...)
			if err != nil {
				return res, err
			}
			res.DeletedPairwise += n
		}

		if err := s.Vacuum(); err != nil {
			s.logger.Warn("statsdb: vacuum after wipe failed", "err", err)
		}
		s.logger.Info("statsdb: full wipe completed",
			"scoped", backendID != nil, "minute_rows", res.DeletedMinute, "hourly_rows", res.DeletedHourly)
		return res, nil
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	minuteCutoff := bucketkey.Minute(cutoff)
	hourCutoff := bucketkey.Hour(cutoff)

	cond := func(col string) string {
		if backendID != nil {
			return fmt.Sprintf(" WHERE backend_id = ? AND %s < ?", col)
		}
		return fmt.Sprintf(" WHERE %s < ?", col)
	}
	args := func(cutoffKey string) []any {
		if backendID != nil {
			return []any{*backendID, cutoffKey}
		}
		return []any{cutoffKey}
	}

	var err error
	if res.DeletedMinute, err = run("minute_stats", "DELETE FROM minute_stats"+cond("minute"), args(minuteCutoff)...); err != nil {
		return res, err
	}
	for _, t := range []string{"minute_dim_stats", "minute_country_stats"} {
		n, err := run(t, "DELETE FROM "+t+cond("minute"), args(minuteCutoff)...)
		if err != nil {
			return res, err
		}
		res.DeletedMinute += n
	}
	for _, t := range []string{"hourly_stats", "hourly_dim_stats", "hourly_country_stats"} {
		n, err := run(t, "DELETE FROM "+t+cond("hour"), args(hourCutoff)...)
		if err != nil {
			return res, err
		}
		res.DeletedHourly += n
	}

	s.logger.Info("statsdb: cleanup completed",
		"scoped", backendID != nil, "days", days,
		"minute_rows", res.DeletedMinute, "hourly_rows", res.DeletedHourly)
	return res, nil
}

// DeleteOldMinuteStats removes minute-resolution rows (all backends)
// older than cutoff. Used by the auto-cleanup loop.
func (s *Store) DeleteOldMinuteStats(cutoff time.Time) (int64, error) {
	k := bucketkey.Minute(cutoff)
	for _, t := range []string{"minute_dim_stats", "minute_country_stats"} {
		if _, err := s.db.Exec("DELETE FROM "+t+" WHERE minute < ?", k); err != nil {
			return 0, fmt.Errorf("statsdb: delete old %s: %w", t, err)
		}
	}
	r, err := s.db.Exec("DELETE FROM minute_stats WHERE minute < ?", k)
	if err != nil {
		return 0, fmt.Errorf("statsdb: delete old minute_stats: %w", err)
	}
	n, _ := r.RowsAffected()
	return n, nil
}

// DeleteOldHourlyStats removes hour-resolution rows (all backends) older
// than cutoff. Used by the auto-cleanup loop.
func (s *Store) DeleteOldHourlyStats(cutoff time.Time) (int64, error) {
	k := bucketkey.Hour(cutoff)
	for _, t := range []string{"hourly_dim_stats", "hourly_country_stats"} {
		if _, err := s.db.Exec("DELETE FROM "+t+" WHERE hour < ?", k); err != nil {
			return 0, fmt.Errorf("statsdb: delete old %s: %w", t, err)
		}
	}
	r, err := s.db.Exec("DELETE FROM hourly_stats WHERE hour < ?", k)
	if err != nil {
		return 0, fmt.Errorf("statsdb: delete old hourly_stats: %w", err)
	}
	n, _ := r.RowsAffected()
	return n, nil
}

// Vacuum compacts the database, reclaiming space freed by deletes.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("statsdb: vacuum: %w", err)
	}
	return nil
}

// GetCleanupStats reports current row counts and the oldest bucket per
// resolution.
func (s *Store) GetCleanupStats() (CleanupStats, error) {
	var st CleanupStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM minute_stats`).Scan(&st.ConnectionLogsCount); err != nil {
		return st, fmt.Errorf("statsdb: cleanup stats: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM hourly_stats`).Scan(&st.HourlyStatsCount); err != nil {
		return st, fmt.Errorf("statsdb: cleanup stats: %w", err)
	}
	var oldest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(minute) FROM minute_stats`).Scan(&oldest); err != nil {
		return st, fmt.Errorf("statsdb: cleanup stats: %w", err)
	}
	st.OldestConnectionLog = oldest.String
	if err := s.db.QueryRow(`SELECT MIN(hour) FROM hourly_stats`).Scan(&oldest); err != nil {
		return st, fmt.Errorf("statsdb: cleanup stats: %w", err)
	}
	st.OldestHourlyStat = oldest.String
	return st, nil
}
