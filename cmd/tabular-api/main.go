package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/acl"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/commands"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/etag"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tasklock"
	"github.com/MarcoPoloResearchLab/tabular/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tabular-api",
		Short: "Tabular row synchronization backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("lock-ttl-seconds", defaults.GetInt("lock.ttl_seconds"), "Task lock lease TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "lock.ttl_seconds", "lock-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
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

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})

	tableService, err := tables.NewService(tables.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		ETags:    etag.NewUUIDIssuer(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	aclManager, err := acl.NewManager(acl.ManagerConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	lockManager, err := tasklock.NewManager(tasklock.ManagerConfig{
		Database:       db,
		Logger:         logger,
		LeaseTTL:       appConfig.LockTTL,
		ObtainAttempts: appConfig.LockObtainAttempts,
		ReleaseRetries: appConfig.LockReleaseRetries,
		RetryBackoff:   appConfig.LockRetryBackoff,
	})
	if err != nil {
		return err
	}

	dispatcher, err := commands.NewDispatcher(commands.DispatcherConfig{
		Tables: tableService,
		ACLs:   aclManager,
		Users:  userService,
		Locks:  lockManager,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		TokenIssuer:      tokenIssuer,
		Dispatcher:       dispatcher,
		TableService:     tableService,
		ACLManager:       aclManager,
		UserService:      userService,
		Realtime:         server.NewRealtimeDispatcher(),
		Logger:           logger,
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
