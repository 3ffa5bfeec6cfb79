package collector

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blikh/proxystats/internal/geoip"
	"github.com/blikh/proxystats/internal/statsdb"
)

type captureWriter struct {
	mu      sync.Mutex
	batches map[int64][][]statsdb.TrafficEvent
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{batches: map[int64][][]statsdb.TrafficEvent{}}
}

func (w *captureWriter) ApplyBatch(backendID int64, events []statsdb.TrafficEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]statsdb.TrafficEvent(nil), events...)
	w.batches[backendID] = append(w.batches[backendID], cp)
	return nil
}

func (w *captureWriter) total(backendID int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches[backendID] {
		n += len(b)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func ev(domain string) statsdb.TrafficEvent {
	return statsdb.TrafficEvent{
		Timestamp: time.Now().UTC(),
		SourceIP:  "10.0.0.2",
		IP:        "93.184.216.34",
		Domain:    domain,
		Chain:     "direct",
		Rule:      "default",
		Upload:    10,
		Download:  20,
	}
}

func TestCollectorFlushesOnBatchSize(t *testing.T) {
	w := newCaptureWriter()
	c := New(w, nil, Options{BatchSize: 3, FlushInterval: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		require.True(t, c.Enqueue(1, ev("example.com")))
	}

	assert.Eventually(t, func() bool { return w.total(1) == 3 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCollectorFlushesOnInterval(t *testing.T) {
	w := newCaptureWriter()
	c := New(w, nil, Options{BatchSize: 1000, FlushInterval: 20 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	require.True(t, c.Enqueue(1, ev("a.com")))
	require.True(t, c.Enqueue(1, ev("b.com")))

	assert.Eventually(t, func() bool { return w.total(1) == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCollectorDrainsOnShutdown(t *testing.T) {
	w := newCaptureWriter()
	c := New(w, nil, Options{BatchSize: 1000, FlushInterval: time.Hour}, discardLogger())

	for i := 0; i < 5; i++ {
		require.True(t, c.Enqueue(2, ev("example.com")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	assert.Equal(t, 5, w.total(2))
}

func TestCollectorGroupsByBackend(t *testing.T) {
	w := newCaptureWriter()
	c := New(w, nil, Options{BatchSize: 1000, FlushInterval: time.Hour}, discardLogger())

	require.True(t, c.Enqueue(1, ev("a.com")))
	require.True(t, c.Enqueue(2, ev("b.com")))
	require.True(t, c.Enqueue(1, ev("c.com")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	assert.Equal(t, 2, w.total(1))
	assert.Equal(t, 1, w.total(2))
}

func TestCollectorDropsWhenFull(t *testing.T) {
	w := newCaptureWriter()
	c := New(w, nil, Options{BufferSize: 2, BatchSize: 1000, FlushInterval: time.Hour}, discardLogger())

	assert.True(t, c.Enqueue(1, ev("a.com")))
	assert.True(t, c.Enqueue(1, ev("b.com")))
	assert.False(t, c.Enqueue(1, ev("c.com")))
}

type staticResolver struct{ rec statsdb.GeoIPRecord }

func (r staticResolver) Resolve(ctx context.Context, ip string) (statsdb.GeoIPRecord, bool) {
	return r.rec, r.rec.Country != ""
}

func TestCollectorEnrichesCountry(t *testing.T) {
	w := newCaptureWriter()
	res := staticResolver{rec: statsdb.GeoIPRecord{Country: "US", CountryName: "United States", Continent: "North America"}}
	c := New(w, res, Options{BatchSize: 1, FlushInterval: time.Hour}, discardLogger())

	var pushed []statsdb.TrafficEvent
	var mu sync.Mutex
	c.OnEvent = func(backendID int64, e statsdb.TrafficEvent) {
		mu.Lock()
		pushed = append(pushed, e)
		mu.Unlock()
	}

	require.True(t, c.Enqueue(1, ev("example.com")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	require.Equal(t, 1, w.total(1))
	got := w.batches[1][0][0]
	assert.Equal(t, "US", got.Country)
	assert.Equal(t, "United States", got.CountryName)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushed, 1)
	assert.Equal(t, "US", pushed[0].Country)
}

func TestCollectorUnresolvableIPLookedUpOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := geoip.NewResolver(geoip.ResolverOptions{Provider: geoip.ProviderOnline, APIURL: srv.URL}, discardLogger())
	require.NoError(t, err)

	w := newCaptureWriter()
	c := New(w, res, Options{BatchSize: 10, FlushInterval: time.Hour}, discardLogger())

	e := ev("example.com")
	e.IP = "203.0.113.9"
	require.True(t, c.Enqueue(1, e))
	require.True(t, c.Enqueue(1, e))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	require.Equal(t, 2, w.total(1))
	for _, got := range w.batches[1][0] {
		assert.Empty(t, got.Country)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCollectorKeepsPreEnrichedCountry(t *testing.T) {
	w := newCaptureWriter()
	res := staticResolver{rec: statsdb.GeoIPRecord{Country: "DE"}}
	c := New(w, res, Options{BatchSize: 1, FlushInterval: time.Hour}, discardLogger())

	e := ev("example.com")
	e.Country = "FR"
	require.True(t, c.Enqueue(1, e))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)

	require.Equal(t, 1, w.total(1))
	assert.Equal(t, "FR", w.batches[1][0][0].Country)
}
