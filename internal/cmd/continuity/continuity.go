// Package continuity parses continuity command flags and launches the
// continuity runtime.
package continuity

import (
	"context"
	"flag"

	"github.com/mirrowen/afterglow/internal/continuity/app"
	entrypoint "github.com/mirrowen/afterglow/internal/platform/cmd"
)

// Config holds continuity command configuration.
type Config struct {
	Port   int    `env:"AFTERGLOW_CONTINUITY_PORT" envDefault:"8093"`
	DBPath string `env:"AFTERGLOW_CONTINUITY_DB_PATH" envDefault:"data/continuity.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The continuity health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The continuity SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the continuity runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceContinuity, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:   cfg.Port,
			DBPath: cfg.DBPath,
		})
	})
}
