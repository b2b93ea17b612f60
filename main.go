package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grantdocs/config"
	"grantdocs/database"
	"grantdocs/handlers"
	"grantdocs/logger"
	"grantdocs/middleware"
	"grantdocs/repositories"
	"grantdocs/services"
	"grantdocs/storage"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "grantdocs",
		Short:         "Grant document store: folder lifecycle, bin retention and archive export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config file")
	root.AddCommand(serveCmd(), sweepCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		logger.L().Fatal().Err(err).Msg("grantdocs exited")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retention sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, container, err := bootstrap()
			if err != nil {
				return err
			}
			handlers.SetServices(container)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Retention.Enabled {
				container.Retention.Start(ctx)
				defer container.Retention.Stop()
			}

			if !logger.IsDebugEnabled() {
				gin.SetMode(gin.ReleaseMode)
			}
			r := gin.New()
			r.Use(gin.Recovery(), middleware.RequestLogger(), middleware.CORSMiddleware(cfg.Server.CORSAllowedOrigins))
			setupRoutes(r, cfg)

			srv := &http.Server{
				Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.L().Info().Str("addr", srv.Addr).Msg("server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.L().Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, container, err := bootstrap()
			if err != nil {
				return err
			}
			report, err := container.Retention.RunOnce(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			logger.L().Info().
				Int("folders", report.Folders).
				Int("files", report.Files).
				Int("failures", report.Failures).
				Int("staging_removed", report.StagingRemoved).
				Msg("sweep complete")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the node store schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := database.Open(&cfg.Database); err != nil {
				return err
			}
			return database.Migrate()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if logLevel != "" {
		logger.SetLevel(logLevel)
	}
	return cfg, nil
}

// bootstrap opens and migrates the database, connects redis when configured, and wires the services.
func bootstrap() (*config.Config, *services.Container, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := database.Open(&cfg.Database); err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(); err != nil {
		return nil, nil, err
	}
	if cfg.Redis.Host != "" {
		if err := database.InitRedis(&cfg.Redis); err != nil {
			return nil, nil, err
		}
	}

	for _, dir := range []string{cfg.Storage.BasePath, cfg.Storage.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	repos := repositories.NewGormRepositories(database.DB, database.RedisClient, cfg.Database.MaxTxAttempts).BuildContainer()
	container := services.NewContainer(repos, storage.NewLocal(cfg.Storage.BasePath), osfs.New(cfg.Storage.StagingDir), cfg)
	return cfg, container, nil
}

func setupRoutes(r *gin.Engine, cfg *config.Config) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/health", handlers.HealthCheck)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	{
		protected.POST("/folders", handlers.CreateFolder)
		protected.PUT("/folders/:id", handlers.RenameFolder)
		protected.DELETE("/folders/:id", handlers.DeleteFolder)
		protected.POST("/folders/:id/restore", handlers.RestoreFolder)
		protected.DELETE("/folders/:id/purge", handlers.PurgeFolder)
		protected.GET("/folders/:id/path", handlers.FolderPath)
		protected.GET("/folders/:id/history", handlers.FolderHistory)
		protected.GET("/folders/:id/export", handlers.ExportFolder)

		protected.POST("/files", handlers.CreateFile)
		protected.PUT("/files/:id", handlers.RenameFile)
		protected.DELETE("/files/:id", handlers.DeleteFile)
		protected.POST("/files/:id/restore", handlers.RestoreFile)
		protected.DELETE("/files/:id/purge", handlers.PurgeFile)
		protected.GET("/files/:id/path", handlers.FilePath)
		protected.GET("/files/:id/history", handlers.FileHistory)

		protected.POST("/nodes/batch/delete", handlers.BatchSoftDelete)

		protected.GET("/bin", handlers.ListBin)
		protected.POST("/bin/restore", handlers.RestoreBinItems)
		protected.POST("/bin/delete", handlers.PurgeBinItems)
		protected.POST("/bin/empty", handlers.EmptyBin)
	}
}
