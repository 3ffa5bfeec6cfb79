// Package bucketkey derives time-bucket keys for rollup tables.
//
// Keys are ISO-like UTC strings ("2024-01-01T10:05:00") truncated to the
// start of their interval, so lexicographic order equals chronological
// order and range scans over TEXT columns stay correct.
package bucketkey

import "time"

const layout = "2006-01-02T15:04:05"

// Minute returns the minute bucket key for t (seconds zeroed).
func Minute(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(layout)
}

// Hour returns the hour bucket key for t (minutes and seconds zeroed).
func Hour(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(layout)
}

// Day returns the day bucket key for t (midnight UTC).
func Day(t time.Time) string {
	return t.UTC().Truncate(24 * time.Hour).Format(layout)
}

// Bucket truncates t to a multiple of width since the Unix epoch and
// returns the resulting key. Used when re-bucketing rollup rows into
// coarser intervals (e.g. 5-minute or 2-hour buckets).
func Bucket(t time.Time, width time.Duration) string {
	return t.UTC().Truncate(width).Format(layout)
}

// Parse parses a bucket key back into a UTC time. The zero time is
// returned for malformed keys.
func Parse(key string) time.Time {
	t, err := time.ParseInLocation(layout, key, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
