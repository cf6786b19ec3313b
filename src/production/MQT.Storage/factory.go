package storage

import (
	"context"
	"fmt"

	config "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	implementation "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces"
)

// OpenRepository connects the backend named by cfg.Driver and bootstraps
// its schema.
func OpenRepository(ctx context.Context, cfg *config.StorageConfig) (interfaces.ReadingRepository, error) {
	var repo interfaces.ReadingRepository
	switch cfg.Driver {
	case config.DriverMongo:
		client, err := implementation.ConnectMongoWithTimeout(ctx, cfg.MongoURI, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		repo = implementation.NewMongoReadingRepository(client, cfg.MongoDB, cfg.MongoCollection, cfg.OperationTimeout)
	case config.DriverPostgres:
		db, err := implementation.ConnectPostgresWithTimeout(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		repo = implementation.NewPostgresReadingRepository(db, cfg.PostgresTable, cfg.OperationTimeout)
	case config.DriverSQLite:
		db, err := implementation.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo = implementation.NewSQLiteReadingRepository(db, cfg.OperationTimeout)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := repo.EnsureSchema(schemaCtx); err != nil {
		_ = repo.Close(context.Background())
		return nil, err
	}
	return repo, nil
}

// Open connects the configured backend and wraps it in a Writer.
func Open(ctx context.Context, cfg *config.StorageConfig, log *logger.Logger) (*Writer, error) {
	repo, err := OpenRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}
	log.Logger.Info().Str("driver", cfg.Driver).Msg("Storage connected")
	return NewWriter(repo, OptionsFromConfig(cfg), log), nil
}

func OptionsFromConfig(cfg *config.StorageConfig) Options {
	return Options{
		QueryLimit:      cfg.QueryLimit,
		MaxRetries:      cfg.MaxRetries,
		RetryInitial:    cfg.RetryInitial,
		RetryMax:        cfg.RetryMax,
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	}
}
