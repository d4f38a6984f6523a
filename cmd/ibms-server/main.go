package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ibms/internal/config"
	"github.com/ehr/ibms/internal/platform/auth"
	"github.com/ehr/ibms/internal/platform/db"
	"github.com/ehr/ibms/internal/platform/sandbox"
	"github.com/ehr/ibms/internal/platform/telemetry"
	"github.com/ehr/ibms/internal/platform/websocket"
	"github.com/ehr/ibms/internal/server"
	"github.com/ehr/ibms/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ibms-server",
		Short: "Bed occupancy API and SyncChannel server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the occupancy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetBool("seed")
			return runServer(seed)
		},
	}
	cmd.Flags().Bool("seed", false, "Generate a demo hospital on start (empty stores only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS, cfg.DBSchema)
			fmt.Printf("Running migrations on schema: %s\n", migrator.Schema())

			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS, cfg.DBSchema)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", migrator.Schema())
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a demo hospital in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.Floors, _ = cmd.Flags().GetInt("floors")
			seedCfg.RoomsPerFloor, _ = cmd.Flags().GetInt("rooms")
			seedCfg.BedsPerRoom, _ = cmd.Flags().GetInt("beds")
			seedCfg.Admissions, _ = cmd.Flags().GetInt("admissions")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store == config.StoreMemory {
				return errors.New("seed needs STORE=postgres; use serve --seed for the memory store")
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			srv := server.New(server.Options{Store: server.PostgresStore(pool), Logger: logger})
			res, err := srv.Seeder(logger).Run(ctx, seedCfg)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d room(s), %d bed(s), %d admission(s), %d assignment(s) in %s.\n",
				res.Rooms, res.Beds, res.Admissions, res.Assignments, res.Duration)
			return nil
		},
	}
	d := sandbox.DefaultSeedConfig()
	cmd.Flags().Int("floors", d.Floors, "Number of floors")
	cmd.Flags().Int("rooms", d.RoomsPerFloor, "Rooms per floor")
	cmd.Flags().Int("beds", d.BedsPerRoom, "Beds per room")
	cmd.Flags().Int("admissions", d.Admissions, "Admissions to create")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (server.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		return server.MemoryStore(), func() {}, nil
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return server.Store{}, nil, err
	}
	return server.PostgresStore(pool), pool.Close, nil
}

func newAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// newPublisher returns a Redis bridge when REDIS_URL is set, or nil to
// publish straight to the local hub. The bridge must be running before
// the server accepts writes.
func newPublisher(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) (*websocket.RedisBridge, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return websocket.NewRedisBridge(client, cfg.RedisChannel, hub, logger), client, nil
}

// startBridge runs bridge until ctx ends and waits for its subscription.
func startBridge(ctx context.Context, bridge *websocket.RedisBridge, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("redis bridge stopped")
			errc <- err
		}
	}()
	select {
	case <-bridge.Ready():
		return nil
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildServer(ctx context.Context, cfg *config.Config, store server.Store, logger zerolog.Logger) (*server.Server, func(), error) {
	hub := websocket.NewHub(logger)
	opts := server.Options{
		Store:        store,
		Hub:          hub,
		Auth:         newAuth(cfg),
		CORSOrigins:  cfg.CORSOrigins,
		BodyLimit:    cfg.BodyLimit,
		WSSendBuffer: cfg.WSSendBuffer,
		Sandbox:      cfg.IsDev(),
		Logger:       logger,
	}
	if cfg.MetricsEnabled {
		opts.Metrics = telemetry.NewProvider("ibms-server")
	}

	stop := func() {}
	bridge, client, err := newPublisher(cfg, hub, logger)
	if err != nil {
		return nil, nil, err
	}
	if bridge != nil {
		bctx, cancel := context.WithCancel(ctx)
		if err := startBridge(bctx, bridge, logger); err != nil {
			cancel()
			client.Close()
			return nil, nil, fmt.Errorf("start redis bridge: %w", err)
		}
		opts.Publisher = bridge
		stop = func() {
			cancel()
			client.Close()
		}
		logger.Info().Str("channel", cfg.RedisChannel).Msg("events fan out through redis")
	}

	return server.New(opts), stop, nil
}

func runServer(seed bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open store")
	}
	defer closeStore()
	logger.Info().Str("store", store.Name).Msg("store ready")

	srv, stopBridge, err := buildServer(ctx, cfg, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer stopBridge()

	if seed {
		res, err := srv.Seeder(logger).Run(ctx, sandbox.DefaultSeedConfig())
		switch {
		case errors.Is(err, sandbox.ErrAlreadySeeded):
			logger.Info().Msg("store already has beds, skipping seed")
		case err != nil:
			logger.Fatal().Err(err).Msg("seed failed")
		default:
			logger.Info().Int("beds", res.Beds).Msg("demo hospital seeded")
		}
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked SyncChannel connections are not closed by Shutdown.
	n := srv.Hub.DisconnectAll()
	if err := srv.Echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Int("terminals", n).Msg("server stopped")
	return nil
}
