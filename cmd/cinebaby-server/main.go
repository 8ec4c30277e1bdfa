package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cinebaby/cinebaby/internal/config"
	"github.com/cinebaby/cinebaby/internal/domain/publiclink"
	"github.com/cinebaby/cinebaby/internal/domain/registry"
	"github.com/cinebaby/cinebaby/internal/platform/auth"
	"github.com/cinebaby/cinebaby/internal/platform/blobstore"
	"github.com/cinebaby/cinebaby/internal/platform/db"
	"github.com/cinebaby/cinebaby/internal/platform/middleware"
	"github.com/cinebaby/cinebaby/internal/platform/transfer"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cinebaby-server",
		Short: "CineBaby clinic video portal",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(hashSecretCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore builds the record store for the named backend.
func openStore(ctx context.Context, cfg *config.Config, backend string) (registry.Store, error) {
	switch backend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return registry.NewPGStore(pool), nil
	case "leveldb":
		return registry.NewKVStore(cfg.LevelDBPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "memory":
		return blobstore.NewMemoryStore(cfg.MaxUploadBytes()), nil
	case "filesystem":
		return blobstore.NewFilesystemStore(cfg.BlobDir, cfg.MaxUploadBytes())
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			MaxSize:  cfg.MaxUploadBytes(),
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	var (
		store registry.Store
		pool  *pgxpool.Pool
	)
	switch cfg.StorageBackend {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		store = registry.NewPGStore(pool)
	case "leveldb":
		store, err = registry.NewKVStore(cfg.LevelDBPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open leveldb store")
		}
	default:
		logger.Fatal().Str("backend", cfg.StorageBackend).Msg("unknown storage backend")
	}
	defer store.Close()
	logger.Info().Str("backend", cfg.StorageBackend).Msg("record store ready")

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}
	logger.Info().Str("backend", cfg.BlobBackend).Msg("blob store ready")

	regSvc := registry.NewService(store, blobs, cfg.PublicBaseURL, logger)
	pubSvc := publiclink.NewService(store, blobs, logger)
	gate := auth.NewGate(cfg.SessionSecret, time.Duration(cfg.SessionTTLMin)*time.Minute,
		cfg.AdminEmail, cfg.AdminSecretHash, regSvc)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB+1)))

	// Unauthenticated surface.
	e.GET("/health", func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	publiclink.NewHandler(pubSvc).Register(e.Group("/public"))
	auth.NewHandler(gate).Register(e.Group("/api/v1"))

	// Authenticated portal API.
	apiV1 := e.Group("/api/v1", auth.Middleware(gate))
	registry.NewHandler(regSvc).Register(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// otherBackend returns the record backend that is not currently
// authoritative. With exactly two backends the direction flagless transfer
// commands are unambiguous.
func otherBackend(backend string) (string, error) {
	switch backend {
	case "postgres":
		return "leveldb", nil
	case "leveldb":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", backend)
	}
}

func runTransfer(importing bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	other, err := otherBackend(cfg.StorageBackend)
	if err != nil {
		return err
	}
	srcName, dstName := cfg.StorageBackend, other
	if importing {
		srcName, dstName = other, cfg.StorageBackend
	}

	ctx := context.Background()
	src, err := openStore(ctx, cfg, srcName)
	if err != nil {
		return fmt.Errorf("open source (%s): %w", srcName, err)
	}
	defer src.Close()
	dst, err := openStore(ctx, cfg, dstName)
	if err != nil {
		return fmt.Errorf("open destination (%s): %w", dstName, err)
	}
	defer dst.Close()

	rep, err := transfer.NewCopier(src, dst, logger).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Copied %d clinic(s), %d patient(s), %d video(s); %d already present.\n",
		rep.Clinics, rep.Patients, rep.Videos, rep.Skipped)
	return nil
}

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy records between storage backends",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Copy all records from the authoritative backend to the other backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Copy all records from the other backend into the authoritative backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(true)
		},
	})
	return cmd
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a login secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
