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

	"github.com/splitsync/backend/internal/audit"
	"github.com/splitsync/backend/internal/auth"
	"github.com/splitsync/backend/internal/config"
	"github.com/splitsync/backend/internal/conflict"
	"github.com/splitsync/backend/internal/database"
	"github.com/splitsync/backend/internal/group"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/logging"
	"github.com/splitsync/backend/internal/notify"
	"github.com/splitsync/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "splitsync-api",
		Short: "SplitSync expense-sharing backend service",
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
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("sweep.interval_minutes"), "Escalation sweep interval in minutes")
	cmd.PersistentFlags().Int("sweep-max-attempts", defaults.GetInt("sweep.max_attempts"), "Failures before a conflict is parked in the error state")
	cmd.PersistentFlags().Int("conflict-grace-hours", defaults.GetInt("conflict.grace_hours"), "Hours before a pending conflict auto-resolves")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sweep.interval_minutes", "sweep-interval-minutes")
	bindFlag(cmd, "sweep.max_attempts", "sweep-max-attempts")
	bindFlag(cmd, "conflict.grace_hours", "conflict-grace-hours")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "splitsync-auth",
		Audience:      "splitsync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	groupService, err := group.NewService(group.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	idProvider := ledger.NewUUIDProvider()
	auditService, err := audit.NewService(audit.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Members:    groupService,
		Audit:      auditService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(logger)

	conflictService, err := conflict.NewService(conflict.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        idProvider,
		Ledger:            ledgerService,
		Members:           groupService,
		Audit:             auditService,
		Notifier:          dispatcher,
		Logger:            logger,
		ConcurrencyWindow: appConfig.ConcurrencyWindow,
		PaymentWindow:     appConfig.PaymentWindow,
	})
	if err != nil {
		return err
	}

	worker, err := conflict.NewWorker(conflict.WorkerConfig{
		Database:    db,
		Clock:       time.Now,
		Members:     groupService,
		Audit:       auditService,
		Notifier:    dispatcher,
		Logger:      logger,
		Grace:       appConfig.ConflictGrace,
		Interval:    appConfig.SweepInterval,
		MaxAttempts: appConfig.SweepMaxAttempts,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:  tokenIssuer,
		GroupService:    groupService,
		LedgerService:   ledgerService,
		ConflictService: conflictService,
		Dispatcher:      dispatcher,
		IDProvider:      idProvider,
		Logger:          logger,
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

	go worker.Run(signalCtx)

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
