package commands

import (
	"flag"
	"log/slog"
	"os"

	"github.com/blikh/proxystats/internal/config"
	"github.com/blikh/proxystats/internal/statsdb"
)

// Cleanup runs a one-shot retention cleanup against the configured
// database and exits. days=0 wipes all aggregated data.
func Cleanup(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "configs/proxystats.yaml", "path to config file")
	days := fs.Int("days", -1, "delete minute/hourly rollups older than this many days (0 wipes everything)")
	backend := fs.Int64("backend", 0, "restrict cleanup to one backend id (0 = all)")
	vacuum := fs.Bool("vacuum", false, "vacuum the database afterwards")
	fs.Parse(args)

	if *days < 0 {
		logger.Error("cleanup requires --days >= 0")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	store, err := statsdb.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open stats database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var backendID *int64
	if *backend > 0 {
		backendID = backend
	}

	result, err := store.Cleanup(backendID, *days)
	if err != nil {
		logger.Error("cleanup failed", "err", err)
		os.Exit(1)
	}
	logger.Info("cleanup completed",
		"minute_rows", result.DeletedMinute,
		"hourly_rows", result.DeletedHourly,
		"cumulative_rows", result.DeletedCumulative,
		"pairwise_rows", result.DeletedPairwise)

	if *vacuum {
		if err := store.Vacuum(); err != nil {
			logger.Error("vacuum failed", "err", err)
			os.Exit(1)
		}
		logger.Info("database vacuumed")
	}
}
