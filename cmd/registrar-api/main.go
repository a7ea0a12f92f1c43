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

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/claim"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/config"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/database"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/expiry"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/server"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "registrar-api",
		Short: "Course-enrollment waitlist admission service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("base-url", defaults.GetString("http.base_url"), "Public base URL embedded in claim links")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("notify-count", defaults.GetInt("notify.count"), "Max users notified per instance per run")
	cmd.PersistentFlags().Int("notify-limit", defaults.GetInt("notify.limit"), "Max notifications per waitlist entry")
	cmd.PersistentFlags().Int("token-max-age", defaults.GetInt("token.max_age_s"), "Claim token max age in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.base_url", "base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "notify.count", "notify-count")
	bindFlag(cmd, "notify.limit", "notify-limit")
	bindFlag(cmd, "token.max_age_s", "token-max-age")
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

// newTokenCommand mints a session token for a user id; operational helper
// for exercising the API without a front door.
func newTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user id",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			manager, err := auth.NewTokenManager(auth.TokenManagerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, err := manager.IssueSessionToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id the token identifies")
	return cmd
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

	metricSet := metrics.New()

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	waitlistService, err := waitlist.NewService(waitlist.ServiceConfig{
		Database:    db,
		NotifyLimit: appConfig.NotifyLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	counts := enrollment.NewCountCache(0, time.Now)
	oracle, err := enrollment.NewOracle(enrollment.OracleConfig{
		Database: db,
		Counts:   counts,
		Queue:    waitlistService,
		Users:    userService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	enrolmentService, err := enrollment.NewService(enrollment.ServiceConfig{
		Database: db,
		Counts:   counts,
		Oracle:   oracle,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenStore, err := claim.NewStore(claim.StoreConfig{
		Database:   db,
		IDProvider: claim.NewUUIDProvider(),
		MaxAge:     appConfig.TokenMaxAge,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	redeemer, err := claim.NewRedeemer(claim.RedeemerConfig{
		Database:  db,
		Tokens:    tokenStore,
		Waitlist:  waitlistService,
		Enrolment: enrolmentService,
		Metrics:   metricSet,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	notifier := notify.NewLogNotifier(logger)

	scheduler, err := notify.NewScheduler(notify.SchedulerConfig{
		Waitlist:    waitlistService,
		Oracle:      oracle,
		Tokens:      tokenStore,
		Users:       userService,
		Notifier:    notifier,
		NotifyCount: appConfig.NotifyCount,
		BaseURL:     appConfig.BaseURL,
		FromUserID:  appConfig.NotifyFromUser,
		Metrics:     metricSet,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	expirySync, err := expiry.NewSync(expiry.SyncConfig{
		Enrolment: enrolmentService,
		Users:     userService,
		Metrics:   metricSet,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	warningTask, err := expiry.NewWarningTask(expiry.WarningTaskConfig{
		Enrolment:  enrolmentService,
		Users:      userService,
		Notifier:   notifier,
		FromUserID: appConfig.NotifyFromUser,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Schedules: []jobs.Schedule{
			{Name: "notification_scheduler", Spec: appConfig.NotifyCronSpec, Job: func(jobCtx context.Context) error {
				_, err := scheduler.Run(jobCtx)
				return err
			}},
			{Name: "expiry_sync", Spec: appConfig.ExpiryCronSpec, Job: func(jobCtx context.Context) error {
				_, err := expirySync.Run(jobCtx)
				return err
			}},
			{Name: "expiry_warnings", Spec: appConfig.WarningCronSpec, Job: func(jobCtx context.Context) error {
				_, err := warningTask.Run(jobCtx)
				return err
			}},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       tokenManager,
		Waitlist:       waitlistService,
		Enrolment:      enrolmentService,
		Redeemer:       redeemer,
		Users:          userService,
		MetricsHandler: metricSet.Handler(),
		Logger:         logger,
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

	runner.Start()
	defer runner.Stop()

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
