package commands

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blikh/proxystats/internal/api"
	"github.com/blikh/proxystats/internal/collector"
	"github.com/blikh/proxystats/internal/config"
	"github.com/blikh/proxystats/internal/geoip"
	"github.com/blikh/proxystats/internal/statsdb"
)

// Run starts the aggregation service and blocks until SIGINT/SIGTERM.
func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/proxystats.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))
	logger.Info("starting proxystats", "listen", cfg.Listen, "database", cfg.Database.Path)

	if obs := cfg.Observability; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	store, err := statsdb.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open stats database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resolver, geoDB := setupGeoIP(ctx, cfg, store, logger)
	if geoDB != nil {
		defer geoDB.Close()
	}

	hub := api.NewHub(logger)
	var geoRes collector.GeoResolver
	if resolver != nil {
		geoRes = resolver
	}
	col := collector.New(store, geoRes, collector.Options{
		BufferSize:    cfg.Collector.BufferSize,
		BatchSize:     cfg.Collector.BatchSize,
		FlushInterval: cfg.Collector.FlushInterval,
	}, logger)
	col.OnEvent = hub.Broadcast

	collectorDone := make(chan struct{})
	go func() {
		col.Run(ctx)
		close(collectorDone)
	}()

	go autoCleanupLoop(ctx, store, logger)

	srv := api.New(store, col, hub, resolver, cfg.Listen, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("api server error", "err", err)
	}

	// Let the collector flush what it buffered before closing the store.
	cancel()
	<-collectorDone
}

// setupGeoIP wires the resolver from persisted settings, env overrides
// and whatever MMDB files are on disk. Geo lookups are best-effort; any
// failure here downgrades to online-only or no enrichment.
func setupGeoIP(ctx context.Context, cfg *config.Config, store *statsdb.Store, logger *slog.Logger) (*geoip.Resolver, *geoip.DB) {
	settings, err := store.GetGeoLookupSettings()
	if err != nil {
		logger.Warn("failed to read geo lookup settings, using defaults", "err", err)
		settings = statsdb.GeoLookupSettings{Provider: geoip.ProviderOnline}
	}

	mmdbDir := cfg.GeoIP.MMDBDir
	if env := strings.TrimSpace(os.Getenv("GEOIP_MMDB_DIR")); env != "" {
		mmdbDir = env
	}
	mmdbDir = geoip.ResolveDir(mmdbDir)

	var db *geoip.DB
	readiness := geoip.NewReadiness()
	if readiness.Ready(mmdbDir) {
		db, err = geoip.OpenDB(mmdbDir, logger)
		if err != nil {
			logger.Warn("failed to open geoip databases", "dir", mmdbDir, "err", err)
			db = nil
		}
	} else {
		logger.Info("local geoip databases not available", "dir", mmdbDir,
			"missing", readiness.Missing(mmdbDir))
	}

	provider := settings.Provider
	if cfg.GeoIP.Provider == geoip.ProviderLocal {
		provider = geoip.ProviderLocal
	}
	apiURL := settings.OnlineAPIURL
	if cfg.GeoIP.OnlineAPIURL != "" {
		apiURL = cfg.GeoIP.OnlineAPIURL
	}

	resolver, err := geoip.NewResolver(geoip.ResolverOptions{
		Provider:  provider,
		APIURL:    apiURL,
		CacheSize: cfg.GeoIP.CacheSize,
		Store:     store,
		DB:        db,
	}, logger)
	if err != nil {
		logger.Warn("failed to build geoip resolver, enrichment disabled", "err", err)
		return nil, db
	}

	if db != nil && cfg.GeoIP.Refresh > 0 {
		go geoRefreshLoop(ctx, db, mmdbDir, cfg.GeoIP.Refresh, logger)
	}
	return resolver, db
}

// geoRefreshLoop periodically reloads MMDB readers so updated database
// files are picked up without a restart.
func geoRefreshLoop(ctx context.Context, db *geoip.DB, dir string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Reload(dir); err != nil {
				logger.Warn("geoip database reload failed", "dir", dir, "err", err)
			}
		}
	}
}

const (
	autoCleanupInterval = time.Hour
	geoIPCacheDays      = 30
)

// autoCleanupLoop ages out minute and hourly rollups per the persisted
// retention policy, when auto cleanup is enabled.
func autoCleanupLoop(ctx context.Context, store *statsdb.Store, logger *slog.Logger) {
	ticker := time.NewTicker(autoCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := store.GetRetentionConfig()
			if err != nil {
				logger.Warn("auto cleanup: failed to read retention config", "err", err)
				continue
			}
			if !cfg.AutoCleanup {
				continue
			}

			now := time.Now().UTC()
			minuteDeleted, err := store.DeleteOldMinuteStats(now.AddDate(0, 0, -cfg.ConnectionLogsDays))
			if err != nil {
				logger.Error("auto cleanup: minute stats", "err", err)
			}
			hourlyDeleted, err := store.DeleteOldHourlyStats(now.AddDate(0, 0, -cfg.HourlyStatsDays))
			if err != nil {
				logger.Error("auto cleanup: hourly stats", "err", err)
			}
			geoDeleted, err := store.CleanupGeoIPCache(geoIPCacheDays)
			if err != nil {
				logger.Error("auto cleanup: geoip cache", "err", err)
			}

			if minuteDeleted+hourlyDeleted+geoDeleted > 0 {
				logger.Info("auto cleanup completed",
					"minute_rows", minuteDeleted, "hourly_rows", hourlyDeleted, "geoip_rows", geoDeleted)
			}
		}
	}
}
