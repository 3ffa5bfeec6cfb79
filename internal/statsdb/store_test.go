package statsdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t
}

func ev(t time.Time, domain string, up, down int64) TrafficEvent {
	return TrafficEvent{
		Timestamp: t,
		SourceIP:  "10.0.0.2",
		IP:        "93.184.216.34",
		Domain:    domain,
		Chain:     "direct",
		Rule:      "default",
		Upload:    up,
		Download:  down,
	}
}

func TestOpenInitialisesSchema(t *testing.T) {
	s := testStore(t)

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'`).Scan(&n)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 20)
}

func TestDatabaseSize(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Apply(1, ev(ts("2024-01-01T10:00:05Z"), "example.com", 1, 2)))
	require.Greater(t, s.DatabaseSize(), int64(0))
}
