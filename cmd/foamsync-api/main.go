package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/MarcoPoloResearchLab/foamsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/foamsync/internal/config"
	"github.com/MarcoPoloResearchLab/foamsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/foamsync/internal/database"
	"github.com/MarcoPoloResearchLab/foamsync/internal/logging"
	"github.com/MarcoPoloResearchLab/foamsync/internal/server"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foamsync-api",
		Short: "Multi-tenant estimate sync service",
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
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	cmd.PersistentFlags().Duration("lock-max-wait", defaults.GetDuration("lock.max_wait"), "Longest wait for a tenant write lock before answering busy")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Optional rotating log file")
	cmd.PersistentFlags().String("blob-driver", defaults.GetString("blob.driver"), "Document store driver (memory, s3)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "lock.max_wait", "lock-max-wait")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "blob.driver", "blob-driver")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.Log.Level, logging.FileSink{
		Path:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
	})
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

	tenantStore, err := store.New(store.Config{
		Database:        db,
		Clock:           time.Now,
		Logger:          logger,
		TenantCacheSize: appConfig.TenantCacheLen,
		TenantCacheTTL:  appConfig.TenantCacheTTL,
	})
	if err != nil {
		return err
	}

	blobs, err := openBlobStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:      tenantStore,
		Locker:     coordinator.New(coordinator.Config{MaxWait: appConfig.LockMaxWait, Logger: logger}),
		Blobs:      blobs,
		Clock:      time.Now,
		IDProvider: syncengine.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Store:  tenantStore,
		Tokens: tokens,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokens,
		Accounts: accountService,
		Data:     engine,
		Realtime: server.NewRealtimeDispatcher(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("blob_driver", appConfig.BlobDriver),
		)
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

func openBlobStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (blobstore.Store, error) {
	if appConfig.BlobDriver != config.BlobDriverS3 {
		logger.Warn("documents are kept in memory and lost on restart")
		return blobstore.NewMemoryStore(), nil
	}
	return blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:        appConfig.S3.Bucket,
		Region:        appConfig.S3.Region,
		Endpoint:      appConfig.S3.Endpoint,
		AccessKey:     appConfig.S3.AccessKey,
		SecretKey:     appConfig.S3.SecretKey,
		PublicBaseURL: appConfig.S3.PublicBaseURL,
	}, logger)
}
