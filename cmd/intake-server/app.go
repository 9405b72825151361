package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/admission"
	"github.com/ehr/intake/internal/domain/archival"
	"github.com/ehr/intake/internal/domain/bed"
	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/domain/handover"
	"github.com/ehr/intake/internal/platform/archive"
	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/redis"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/store/mongo"
	"github.com/ehr/intake/internal/platform/store/postgres"
	"github.com/ehr/intake/internal/platform/store/sqlite"
	"github.com/ehr/intake/internal/platform/txrun"
	"github.com/ehr/intake/migrations"
)

// app holds everything the subcommands share: the store, the transaction
// runner and the domain services built on it.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   store.Store
	// raw is the unwrapped driver store, so health checks can see its pool.
	raw     store.Store
	metrics *metrics.Metrics
	hub     *events.Hub
	redis   *goredis.Client
	bridge  *events.RedisBridge

	dispatch   *dispatch.Service
	handovers  *handover.Service
	beds       *bed.Service
	admissions *admission.Service
	archival   *archival.Service

	closers []func()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func migrationSource(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

// openStore returns the store selected by STORE_DRIVER and a function that
// releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		return store.NewMemory(), func() {}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		n, err := db.NewMigrator(pool, migrationSource(cfg), "").Up(ctx)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		if n > 0 {
			logger.Info().Int("applied", n).Msg("applied pending migrations")
		}
		return postgres.New(pool), pool.Close, nil
	case config.DriverMongo:
		s, err := mongo.Open(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		S3: archive.S3Config{
			Bucket:    cfg.ArchiveBucket,
			Region:    cfg.ArchiveRegion,
			Endpoint:  cfg.ArchiveEndpoint,
			PathStyle: cfg.ArchivePathStyle,
			Prefix:    "intake",
		},
		Dir: cfg.ArchiveDir,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: events.NewHub(logger)}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a.closers = append(a.closers, closeStore)
	logger.Info().Str("driver", st.Driver()).Msg("store ready")

	a.raw = st

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
		recorder = a.metrics
		st = store.WithObserver(st, a.metrics)
	}
	a.store = st

	var publisher events.Publisher = a.hub
	if cfg.RedisURL != "" {
		client, err := redis.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		// Local delivery happens when the bridge relays the channel back.
		a.bridge = events.NewRedisBridge(client, cfg.EventsChannel, logger)
		publisher = a.bridge
	}

	sink, err := archive.Open(ctx, archiveConfig(cfg))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open archive sink: %w", err)
	}

	run := txrun.New(st,
		txrun.WithClock(clock.System{}),
		txrun.WithPublisher(publisher),
		txrun.WithRecorder(recorder),
		txrun.WithLogger(logger),
	)
	a.dispatch = dispatch.NewService(run, logger)
	a.handovers = handover.NewService(run, logger)
	a.beds = bed.NewService(run, logger)
	a.admissions = admission.NewService(run, a.handovers, a.beds, logger)
	a.archival = archival.NewService(run, sink, logger)
	return a, nil
}

// registerGauges exports the derived fleet and ward views. They are computed
// at scrape time from current records.
func (a *app) registerGauges() error {
	if a.metrics == nil {
		return nil
	}
	err := a.metrics.RegisterGauge("intake_fleet_units", "Units by status.", []string{"status"},
		func(ctx context.Context) ([]metrics.Sample, error) {
			sum, err := a.dispatch.FleetSummary(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]metrics.Sample, 0, len(sum.ByStatus))
			for status, n := range sum.ByStatus {
				out = append(out, metrics.Sample{Labels: []string{string(status)}, Value: float64(n)})
			}
			return out, nil
		})
	if err != nil {
		return err
	}
	return a.metrics.RegisterGauge("intake_ward_occupancy_ratio", "Occupied beds over total beds per ward.", []string{"ward"},
		func(ctx context.Context) ([]metrics.Sample, error) {
			wards, err := a.beds.WardOccupancy(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]metrics.Sample, 0, len(wards))
			for _, w := range wards {
				out = append(out, metrics.Sample{Labels: []string{w.Code}, Value: w.OccupancyPct / 100})
			}
			return out, nil
		})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
