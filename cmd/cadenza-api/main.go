package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cadenza-app/backend/internal/auth"
	"github.com/cadenza-app/backend/internal/broadcast"
	"github.com/cadenza-app/backend/internal/changelog"
	"github.com/cadenza-app/backend/internal/config"
	"github.com/cadenza-app/backend/internal/database"
	"github.com/cadenza-app/backend/internal/entity"
	"github.com/cadenza-app/backend/internal/idempotency"
	"github.com/cadenza-app/backend/internal/logging"
	"github.com/cadenza-app/backend/internal/server"
	"github.com/cadenza-app/backend/internal/syncer"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cadenza-api",
		Short: "Cadenza practice sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("broadcast-endpoint", defaults.GetString("broadcast.endpoint"), "Real-time broadcast endpoint URL")
	cmd.PersistentFlags().String("broadcast-secret", "", "Shared secret for broadcast requests (overrides env)")
	cmd.PersistentFlags().Int("broadcast-timeout-seconds", defaults.GetInt("broadcast.timeout_seconds"), "Broadcast request timeout in seconds")
	cmd.PersistentFlags().Int("idempotency-ttl-hours", defaults.GetInt("idempotency.ttl_hours"), "Idempotency record retention in hours")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "broadcast.endpoint", "broadcast-endpoint")
	bindFlag(cmd, "broadcast.shared_secret", "broadcast-secret")
	bindFlag(cmd, "broadcast.timeout_seconds", "broadcast-timeout-seconds")
	bindFlag(cmd, "idempotency.ttl_hours", "idempotency-ttl-hours")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "cadenza-auth",
		Audience:      "cadenza-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	entityStore, err := entity.NewStore(entity.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	notifier := broadcast.NewNotifier(broadcast.NotifierConfig{
		Endpoint:     appConfig.BroadcastEndpoint,
		SharedSecret: appConfig.BroadcastSecret,
		Timeout:      appConfig.BroadcastTimeout,
		Logger:       logger,
	})

	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Entities:   entityStore,
		Notifier:   notifier,
		IDProvider: syncer.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	changeLog, err := changelog.NewService(changelog.ServiceConfig{
		Database:   db,
		Entities:   entityStore,
		IDProvider: syncer.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	idempotencyStore, err := idempotency.NewStore(idempotency.StoreConfig{
		Database: db,
		TTL:      appConfig.IdempotencyTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		ChangeLog:    changeLog,
		Idempotency:  idempotencyStore,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepIdempotencyRecords(signalCtx, idempotencyStore, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func sweepIdempotencyRecords(ctx context.Context, store *idempotency.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("idempotency sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("idempotency records purged", zap.Int64("count", purged))
			}
		}
	}
}
