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

	"github.com/MarcoPoloResearchLab/quill/internal/backend"
	"github.com/MarcoPoloResearchLab/quill/internal/config"
	"github.com/MarcoPoloResearchLab/quill/internal/logging"
	"github.com/MarcoPoloResearchLab/quill/internal/server"
	"github.com/MarcoPoloResearchLab/quill/internal/storage"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quill",
		Short: "Quill document database with CouchDB-style replication",
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
	cmd.PersistentFlags().String("database-name", defaults.GetString("database.name"), "Database name in the HTTP surface")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path (empty for in-memory)")
	cmd.PersistentFlags().Int("revs-limit", defaults.GetInt("database.revs_limit"), "Revisions kept per document branch")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.name", "database-name")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.revs_limit", "revs-limit")
	bindFlag(cmd, "log.level", "log-level")
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

	db, cleanup, err := openDatabase(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Database: db,
		Name:     appConfig.DatabaseName,
		Logger:   logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database", appConfig.DatabaseName))
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

func openDatabase(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (backend.Database, func(), error) {
	if appConfig.DatabasePath == "" {
		store := storage.NewStore(storage.StoreConfig{RevsLimit: appConfig.RevsLimit})
		logger.Info("using in-memory store", zap.String("id", store.ID()))
		return backend.NewMemory(store), func() {}, nil
	}

	db, err := backend.OpenSQLite(backend.SQLiteConfig{
		Path:      appConfig.DatabasePath,
		RevsLimit: appConfig.RevsLimit,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Create(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("using sqlite store", zap.String("path", appConfig.DatabasePath))
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database failed", zap.Error(err))
		}
	}
	return db, cleanup, nil
}
