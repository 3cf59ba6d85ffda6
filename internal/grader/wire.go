package grader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/cellgrade/internal/attempts"
	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/kernel"
	"github.com/felixgeelhaar/cellgrade/internal/locator"
	"github.com/felixgeelhaar/cellgrade/internal/report"
	"github.com/felixgeelhaar/cellgrade/internal/runner"
	"github.com/felixgeelhaar/cellgrade/internal/storage/sqlite"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

// FromConfig wires a service with the kernel, a fresh attempt tracker and
// the settings of cfg.
func FromConfig(cfg *config.LocalConfig) *Service {
	k := kernel.New()
	runCfg := runner.DefaultConfig()
	runCfg.Timeout = OptionsFromConfig(cfg).Timeout

	return NewService(
		locator.New(cfg.Grading.TestsDir),
		runner.NewService(runCfg, suite.NewLoader(k)),
		attempts.NewTracker(),
		report.NewRenderer(cfg.Grading.RevealThreshold),
		k,
	)
}

// OptionsFromConfig returns the default grading options of cfg
func OptionsFromConfig(cfg *config.LocalConfig) Options {
	return Options{
		Isolate:           cfg.Grading.Isolate,
		Timeout:           time.Duration(cfg.Grading.TimeoutSeconds) * time.Second,
		SuppressTraceback: cfg.Grading.SuppressTraceback,
	}
}

// OpenHistory opens the history database of cfg and installs it as the
// recorder of svc. With storage disabled it returns nil and svc is unchanged.
// The caller closes the returned database.
func OpenHistory(ctx context.Context, cfg *config.LocalConfig, svc *Service) (*sqlite.DB, *sqlite.HistoryStore, error) {
	if !cfg.Storage.Enabled {
		return nil, nil, nil
	}

	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, nil, fmt.Errorf("history path: %w", err)
	}

	db, err := sqlite.OpenMigrated(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}

	store := sqlite.NewHistoryStore(db)
	svc.SetRecorder(store)
	slog.Debug("grading history enabled", "path", db.Path())
	return db, store, nil
}
