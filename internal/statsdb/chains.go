package statsdb

import (
	"fmt"
	"sort"
	"strings"
)

// ExpandRuleChains resolves abbreviated chain labels recorded against the
// given rules into the full chain strings historically observed for those
// rules (rule_proxy_map). A short label matches a full chain when it is
// the whole chain, its terminal hop, or its first hop. Labels with no
// match are kept as-is. The result is deduplicated and sorted so
// identical input always yields identical output.
func (s *Store) ExpandRuleChains(backendID int64, shortChains, rules []string) []string {
	if len(shortChains) == 0 {
		return []string{}
	}
	if len(rules) == 0 {
		return sortedUnique(shortChains)
	}

	full, err := s.ruleChains(backendID, rules)
	if err != nil {
		s.logger.Warn("statsdb: chain expansion lookup failed", "err", err)
		return sortedUnique(shortChains)
	}

	out := map[string]struct{}{}
	for _, short := range shortChains {
		matched := false
		for _, f := range full {
			if chainMatches(short, f) {
				out[f] = struct{}{}
				matched = true
			}
		}
		if !matched {
			out[short] = struct{}{}
		}
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) ruleChains(backendID int64, rules []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rules)), ",")
	args := make([]any, 0, len(rules)+1)
	args = append(args, backendID)
	for _, r := range rules {
		args = append(args, r)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT DISTINCT proxy FROM rule_proxy_map WHERE backend_id = ? AND rule IN (%s)`,
		placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query rule chains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("statsdb: scan rule chain: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func chainMatches(short, full string) bool {
	if short == full {
		return true
	}
	return strings.HasSuffix(full, " > "+short) || strings.HasPrefix(full, short+" > ")
}

func sortedUnique(in []string) []string {
	set := map[string]struct{}{}
	for _, v := range in {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
