package bucketkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMinuteAndHour(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 5, 123456789, time.UTC)
	assert.Equal(t, "2024-01-01T10:00:00", Minute(ts))
	assert.Equal(t, "2024-01-01T10:00:00", Hour(ts))

	ts = time.Date(2024, 1, 1, 10, 59, 59, 0, time.UTC)
	assert.Equal(t, "2024-01-01T10:59:00", Minute(ts))
	assert.Equal(t, "2024-01-01T10:00:00", Hour(ts))
}

func TestNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 6, 15, 2, 30, 10, 0, loc)
	assert.Equal(t, "2024-06-14T23:30:00", Minute(ts))
	assert.Equal(t, "2024-06-14T23:00:00", Hour(ts))
	assert.Equal(t, "2024-06-14T00:00:00", Day(ts))
}

func TestBucketWidths(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, "2024-01-01T10:05:00", Bucket(ts, 5*time.Minute))
	assert.Equal(t, "2024-01-01T10:00:00", Bucket(ts, 2*time.Hour))
	assert.Equal(t, "2024-01-01T00:00:00", Bucket(ts, 24*time.Hour))
}

func TestLexicographicOrderIsChronological(t *testing.T) {
	a := Minute(time.Date(2024, 1, 1, 9, 59, 0, 0, time.UTC))
	b := Minute(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	c := Minute(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestParseRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 10, 14, 42, 0, 0, time.UTC)
	assert.Equal(t, ts, Parse(Minute(ts)))
	assert.True(t, Parse("garbage").IsZero())
}
