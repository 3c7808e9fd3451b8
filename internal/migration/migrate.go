package migration

import (
	"context"
	"errors"

	"github.com/LaneJS/aiaca/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Run applies all pending schema migrations before the rest of the
// application starts.
func Run(cfg config.Config, log *zap.Logger) error {
	source, err := iofs.New(embeddedMigrations, migrationsDir)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date")
			return nil
		}
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	log.Info("schema migrated",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

var Module = fx.Module("migration",
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				return Run(cfg, log)
			},
		})
	}),
)
