package statsdb

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/blikh/proxystats/internal/bucketkey"
	"github.com/blikh/proxystats/internal/metrics"
)

const (
	// writeRetries bounds retries of a batch transaction on lock
	// contention before surfacing ErrStorageUnavailable.
	writeRetries = 3

	timeLayout = "2006-01-02T15:04:05"

	// maxListEntries caps the distinct-value lists kept on cumulative
	// rows (domain_stats.ips etc.) so a hot key cannot grow a row
	// without bound.
	maxListEntries = 50
)

// counters accumulates commutative additions for one rollup row.
type counters struct {
	upload      int64
	download    int64
	connections int64
	lastSeen    string
}

func (c *counters) add(up, down int64, seen string) {
	c.upload += up
	c.download += down
	c.connections++
	if seen > c.lastSeen {
		c.lastSeen = seen
	}
}

// batch is the in-memory fold of one ApplyBatch call: one entry per
// distinct (bucket, key) pair regardless of how many events share it.
type batch struct {
	backendID int64

	plainMinute map[string]*counters // minute -> counters
	plainHourly map[string]*counters // hour -> counters

	dimMinute map[string]*counters // minute+dims -> counters
	dimHourly map[string]*counters // hour+dims -> counters

	countryMinute map[string]*counters // minute+country
	countryHourly map[string]*counters // hour+country
	countryMeta   map[string][2]string // country -> (name, continent)

	domains   map[string]*counters
	ips       map[string]*counters
	devices   map[string]*counters
	chains    map[string]*counters
	rules     map[string]*counters
	countries map[string]*counters

	deviceDomain map[string]*counters // sourceIP+domain
	deviceIP     map[string]*counters // sourceIP+ip
	domainProxy  map[string]*counters // chain+domain
	ipProxy      map[string]*counters // chain+ip
	ruleChain    map[string]*counters // rule+chain
	ruleDomain   map[string]*counters // rule+domain
	ruleIP       map[string]*counters // rule+ip
	ruleProxy    map[string]struct{}  // rule+chain observed pairs

	domainIPs    map[string]map[string]struct{} // domain -> distinct ips
	ipDomains    map[string]map[string]struct{} // ip -> distinct domains
	ipProxyDoms  map[string]map[string]struct{} // chain+ip -> distinct domains
}

const sep = "\x1f"

func key(parts ...string) string { return strings.Join(parts, sep) }

func newBatch(backendID int64) *batch {
	return &batch{
		backendID:     backendID,
		plainMinute:   map[string]*counters{},
		plainHourly:   map[string]*counters{},
		dimMinute:     map[string]*counters{},
		dimHourly:     map[string]*counters{},
		countryMinute: map[string]*counters{},
		countryHourly: map[string]*counters{},
		countryMeta:   map[string][2]string{},
		domains:       map[string]*counters{},
		ips:           map[string]*counters{},
		devices:       map[string]*counters{},
		chains:        map[string]*counters{},
		rules:         map[string]*counters{},
		countries:     map[string]*counters{},
		deviceDomain:  map[string]*counters{},
		deviceIP:      map[string]*counters{},
		domainProxy:   map[string]*counters{},
		ipProxy:       map[string]*counters{},
		ruleChain:     map[string]*counters{},
		ruleDomain:    map[string]*counters{},
		ruleIP:        map[string]*counters{},
		ruleProxy:     map[string]struct{}{},
		domainIPs:     map[string]map[string]struct{}{},
		ipDomains:     map[string]map[string]struct{}{},
		ipProxyDoms:   map[string]map[string]struct{}{},
	}
}

func bump(m map[string]*counters, k string, up, down int64, seen string) {
	c := m[k]
	if c == nil {
		c = &counters{}
		m[k] = c
	}
	c.add(up, down, seen)
}

func addSet(m map[string]map[string]struct{}, k, v string) {
	set := m[k]
	if set == nil {
		set = map[string]struct{}{}
		m[k] = set
	}
	set[v] = struct{}{}
}

func (b *batch) fold(ev TrafficEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	minute := bucketkey.Minute(ts)
	hour := bucketkey.Hour(ts)
	seen := ts.UTC().Format(timeLayout)

	bump(b.plainMinute, minute, ev.Upload, ev.Download, seen)
	bump(b.plainHourly, hour, ev.Upload, ev.Download, seen)

	dims := key(ev.SourceIP, ev.IP, ev.Domain, ev.Chain, ev.Rule)
	bump(b.dimMinute, key(minute, dims), ev.Upload, ev.Download, seen)
	bump(b.dimHourly, key(hour, dims), ev.Upload, ev.Download, seen)

	if ev.Domain != "" {
		bump(b.domains, ev.Domain, ev.Upload, ev.Download, seen)
		if ev.IP != "" {
			addSet(b.domainIPs, ev.Domain, ev.IP)
		}
	}
	if ev.IP != "" {
		bump(b.ips, ev.IP, ev.Upload, ev.Download, seen)
		if ev.Domain != "" {
			addSet(b.ipDomains, ev.IP, ev.Domain)
		}
	}
	if ev.SourceIP != "" {
		bump(b.devices, ev.SourceIP, ev.Upload, ev.Download, seen)
		if ev.Domain != "" {
			bump(b.deviceDomain, key(ev.SourceIP, ev.Domain), ev.Upload, ev.Download, seen)
		}
		if ev.IP != "" {
			bump(b.deviceIP, key(ev.SourceIP, ev.IP), ev.Upload, ev.Download, seen)
		}
	}
	if ev.Chain != "" {
		bump(b.chains, ev.Chain, ev.Upload, ev.Download, seen)
		if ev.Domain != "" {
			bump(b.domainProxy, key(ev.Chain, ev.Domain), ev.Upload, ev.Download, seen)
		}
		if ev.IP != "" {
			bump(b.ipProxy, key(ev.Chain, ev.IP), ev.Upload, ev.Download, seen)
			if ev.Domain != "" {
				addSet(b.ipProxyDoms, key(ev.Chain, ev.IP), ev.Domain)
			}
		}
	}
	if ev.Rule != "" {
		bump(b.rules, ev.Rule, ev.Upload, ev.Download, seen)
		if ev.Chain != "" {
			bump(b.ruleChain, key(ev.Rule, ev.Chain), ev.Upload, ev.Download, seen)
			b.ruleProxy[key(ev.Rule, ev.Chain)] = struct{}{}
		}
		if ev.Domain != "" {
			bump(b.ruleDomain, key(ev.Rule, ev.Domain), ev.Upload, ev.Download, seen)
		}
		if ev.IP != "" {
			bump(b.ruleIP, key(ev.Rule, ev.IP), ev.Upload, ev.Download, seen)
		}
	}
	if ev.Country != "" {
		bump(b.countries, ev.Country, ev.Upload, ev.Download, seen)
		bump(b.countryMinute, key(minute, ev.Country), ev.Upload, ev.Download, seen)
		bump(b.countryHourly, key(hour, ev.Country), ev.Upload, ev.Download, seen)
		if _, ok := b.countryMeta[ev.Country]; !ok {
			b.countryMeta[ev.Country] = [2]string{ev.CountryName, ev.Continent}
		}
	}
}

// Apply fans a single traffic event out into every rollup it touches.
func (s *Store) Apply(backendID int64, ev TrafficEvent) error {
	return s.ApplyBatch(backendID, []TrafficEvent{ev})
}

// ApplyBatch folds events per (bucket, key) in memory and commits all
// affected rollup rows in one transaction. Either every rollup reflects
// the batch or none does.
func (s *Store) ApplyBatch(backendID int64, events []TrafficEvent) error {
	if len(events) == 0 {
		return nil
	}

	b := newBatch(backendID)
	for _, ev := range events {
		b.fold(ev)
	}

	err := s.withWriteRetry(func(tx *sql.Tx) error {
		return b.write(tx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &BatchError{Events: len(events), Err: err}
}

// withWriteRetry runs fn inside a transaction, retrying a small bounded
// number of times on SQLITE_BUSY/SQLITE_LOCKED before giving up.
func (s *Store) withWriteRetry(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			metrics.WriteRetriesTotal.Inc()
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		err := s.runTx(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		s.logger.Warn("statsdb: write tx contended, retrying", "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func (b *batch) write(tx *sql.Tx) error {
	if err := b.writeBucketed(tx, "minute_stats", "minute", b.plainMinute); err != nil {
		return err
	}
	if err := b.writeBucketed(tx, "hourly_stats", "hour", b.plainHourly); err != nil {
		return err
	}
	if err := b.writeDimFacts(tx, "minute_dim_stats", "minute", b.dimMinute); err != nil {
		return err
	}
	if err := b.writeDimFacts(tx, "hourly_dim_stats", "hour", b.dimHourly); err != nil {
		return err
	}
	if err := b.writeCountryFacts(tx, "minute_country_stats", "minute", b.countryMinute); err != nil {
		return err
	}
	if err := b.writeCountryFacts(tx, "hourly_country_stats", "hour", b.countryHourly); err != nil {
		return err
	}

	for _, t := range []struct {
		table, col string
		rows       map[string]*counters
	}{
		{"domain_stats", "domain", b.domains},
		{"ip_stats", "ip", b.ips},
		{"device_stats", "source_ip", b.devices},
		{"proxy_stats", "chain", b.chains},
		{"rule_stats", "rule", b.rules},
	} {
		if err := b.writeCumulative(tx, t.table, t.col, t.rows); err != nil {
			return err
		}
	}
	if err := b.writeCountryCumulative(tx); err != nil {
		return err
	}

	for _, t := range []struct {
		table, colA, colB string
		rows              map[string]*counters
	}{
		{"device_domain_stats", "source_ip", "domain", b.deviceDomain},
		{"device_ip_stats", "source_ip", "ip", b.deviceIP},
		{"domain_proxy_stats", "chain", "domain", b.domainProxy},
		{"ip_proxy_stats", "chain", "ip", b.ipProxy},
		{"rule_chain_traffic", "rule", "chain", b.ruleChain},
		{"rule_domain_traffic", "rule", "domain", b.ruleDomain},
		{"rule_ip_traffic", "rule", "ip", b.ruleIP},
	} {
		if err := b.writePairwise(tx, t.table, t.colA, t.colB, t.rows); err != nil {
			return err
		}
	}

	for rp := range b.ruleProxy {
		parts := strings.SplitN(rp, sep, 2)
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO rule_proxy_map (backend_id, rule, proxy) VALUES (?, ?, ?)`,
			b.backendID, parts[0], parts[1],
		); err != nil {
			return fmt.Errorf("rule_proxy_map: %w", err)
		}
	}

	if err := b.mergeLists(tx, "domain_stats", "domain", "ips", b.domainIPs); err != nil {
		return err
	}
	if err := b.mergeLists(tx, "ip_stats", "ip", "domains", b.ipDomains); err != nil {
		return err
	}
	return b.mergePairwiseLists(tx, b.ipProxyDoms)
}

func (b *batch) writeBucketed(tx *sql.Tx, table, bucketCol string, rows map[string]*counters) error {
	if len(rows) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (backend_id, %s, upload, download, connections)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, %s) DO UPDATE SET
		  upload = upload + excluded.upload,
		  download = download + excluded.download,
		  connections = connections + excluded.connections`, table, bucketCol, bucketCol)
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", table, err)
	}
	defer stmt.Close()
	for bucket, c := range rows {
		if _, err := stmt.Exec(b.backendID, bucket, c.upload, c.download, c.connections); err != nil {
			return fmt.Errorf("%s: upsert %s: %w", table, bucket, err)
		}
	}
	return nil
}

func (b *batch) writeDimFacts(tx *sql.Tx, table, bucketCol string, rows map[string]*counters) error {
	if len(rows) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (backend_id, %s, source_ip, ip, domain, chain, rule, upload, download, connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, %s, source_ip, ip, domain, chain, rule) DO UPDATE SET
		  upload = upload + excluded.upload,
		  download = download + excluded.download,
		  connections = connections + excluded.connections`, table, bucketCol, bucketCol)
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", table, err)
	}
	defer stmt.Close()
	for k, c := range rows {
		parts := strings.SplitN(k, sep, 6)
		if _, err := stmt.Exec(b.backendID, parts[0], parts[1], parts[2], parts[3], parts[4], parts[5],
			c.upload, c.download, c.connections); err != nil {
			return fmt.Errorf("%s: upsert: %w", table, err)
		}
	}
	return nil
}

func (b *batch) writeCountryFacts(tx *sql.Tx, table, bucketCol string, rows map[string]*counters) error {
	if len(rows) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (backend_id, %s, country, country_name, continent, upload, download, connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, %s, country) DO UPDATE SET
		  upload = upload + excluded.upload,
		  download = download + excluded.download,
		  connections = connections + excluded.connections`, table, bucketCol, bucketCol)
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", table, err)
	}
	defer stmt.Close()
	for k, c := range rows {
		parts := strings.SplitN(k, sep, 2)
		meta := b.countryMeta[parts[1]]
		if _, err := stmt.Exec(b.backendID, parts[0], parts[1], meta[0], meta[1],
			c.upload, c.download, c.connections); err != nil {
			return fmt.Errorf("%s: upsert: %w", table, err)
		}
	}
	return nil
}

// writeCumulative is the generic increment-or-insert primitive for the
// single-key cumulative tables.
func (b *batch) writeCumulative(tx *sql.Tx, table, keyCol string, rows map[string]*counters) error {
	if len(rows) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (backend_id, %s, total_upload, total_download, total_connections, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, %s) DO UPDATE SET
		  total_upload = total_upload + excluded.total_upload,
		  total_download = total_download + excluded.total_download,
		  total_connections = total_connections + excluded.total_connections,
		  last_seen = MAX(last_seen, excluded.last_seen)`, table, keyCol, keyCol)
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", table, err)
	}
	defer stmt.Close()
	for k, c := range rows {
		if _, err := stmt.Exec(b.backendID, k, c.upload, c.download, c.connections, c.lastSeen); err != nil {
			return fmt.Errorf("%s: upsert %s: %w", table, k, err)
		}
	}
	return nil
}

func (b *batch) writeCountryCumulative(tx *sql.Tx) error {
	if len(b.countries) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO country_stats
		(backend_id, country, country_name, continent, total_upload, total_download, total_connections, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, country) DO UPDATE SET
		  total_upload = total_upload + excluded.total_upload,
		  total_download = total_download + excluded.total_download,
		  total_connections = total_connections + excluded.total_connections,
		  last_seen = MAX(last_seen, excluded.last_seen)`)
	if err != nil {
		return fmt.Errorf("country_stats: prepare: %w", err)
	}
	defer stmt.Close()
	for country, c := range b.countries {
		meta := b.countryMeta[country]
		if _, err := stmt.Exec(b.backendID, country, meta[0], meta[1],
			c.upload, c.download, c.connections, c.lastSeen); err != nil {
			return fmt.Errorf("country_stats: upsert %s: %w", country, err)
		}
	}
	return nil
}

func (b *batch) writePairwise(tx *sql.Tx, table, colA, colB string, rows map[string]*counters) error {
	if len(rows) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (backend_id, %s, %s, total_upload, total_download, total_connections, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, %s, %s) DO UPDATE SET
		  total_upload = total_upload + excluded.total_upload,
		  total_download = total_download + excluded.total_download,
		  total_connections = total_connections + excluded.total_connections,
		  last_seen = MAX(last_seen, excluded.last_seen)`, table, colA, colB, colA, colB)
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", table, err)
	}
	defer stmt.Close()
	for k, c := range rows {
		parts := strings.SplitN(k, sep, 2)
		if _, err := stmt.Exec(b.backendID, parts[0], parts[1],
			c.upload, c.download, c.connections, c.lastSeen); err != nil {
			return fmt.Errorf("%s: upsert: %w", table, err)
		}
	}
	return nil
}

// mergeLists folds newly observed values into the comma-separated list
// column of a cumulative row (select, merge in memory, update — the row
// was just upserted by writeCumulative so it exists).
func (b *batch) mergeLists(tx *sql.Tx, table, keyCol, listCol string, sets map[string]map[string]struct{}) error {
	for k, set := range sets {
		var current string
		sel := fmt.Sprintf(`SELECT %s FROM %s WHERE backend_id = ? AND %s = ?`, listCol, table, keyCol)
		if err := tx.QueryRow(sel, b.backendID, k).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return fmt.Errorf("%s: select %s: %w", table, listCol, err)
		}
		merged := mergeList(current, set)
		if merged == current {
			continue
		}
		upd := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE backend_id = ? AND %s = ?`, table, listCol, keyCol)
		if _, err := tx.Exec(upd, merged, b.backendID, k); err != nil {
			return fmt.Errorf("%s: update %s: %w", table, listCol, err)
		}
	}
	return nil
}

func (b *batch) mergePairwiseLists(tx *sql.Tx, sets map[string]map[string]struct{}) error {
	for k, set := range sets {
		parts := strings.SplitN(k, sep, 2)
		var current string
		err := tx.QueryRow(
			`SELECT domains FROM ip_proxy_stats WHERE backend_id = ? AND chain = ? AND ip = ?`,
			b.backendID, parts[0], parts[1],
		).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return fmt.Errorf("ip_proxy_stats: select domains: %w", err)
		}
		merged := mergeList(current, set)
		if merged == current {
			continue
		}
		if _, err := tx.Exec(
			`UPDATE ip_proxy_stats SET domains = ? WHERE backend_id = ? AND chain = ? AND ip = ?`,
			merged, b.backendID, parts[0], parts[1],
		); err != nil {
			return fmt.Errorf("ip_proxy_stats: update domains: %w", err)
		}
	}
	return nil
}

// mergeList merges new values into a comma-separated list, keeping
// existing order, appending new entries sorted, capped at maxListEntries.
func mergeList(current string, add map[string]struct{}) string {
	existing := splitList(current)
	have := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		have[v] = struct{}{}
	}
	var fresh []string
	for v := range add {
		if _, ok := have[v]; !ok {
			fresh = append(fresh, v)
		}
	}
	if len(fresh) == 0 {
		return current
	}
	sort.Strings(fresh)
	merged := append(existing, fresh...)
	if len(merged) > maxListEntries {
		merged = merged[:maxListEntries]
	}
	return strings.Join(merged, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
