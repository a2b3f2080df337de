package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/muxminus/stemd/internal/dispatch"
	"github.com/muxminus/stemd/internal/httpapi"
	"github.com/muxminus/stemd/internal/separator"
	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/internal/store/gormstore"
	"github.com/muxminus/stemd/internal/sweep"
	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagDataDir         = "data-dir"
	flagWorkerSlots     = "worker-slots"
	flagJobTimeout      = "job-timeout"
	flagSweepInterval   = "sweep-interval"
	flagRetentionWindow = "retention-window"
	flagFailedGrace     = "failed-grace"
	flagPerAccountLimit = "per-account-limit"
	flagDemucsBin       = "demucs-bin"
	flagSigningKey      = "signing-key"
	flagAllowedOrigins  = "allowed-origins"

	defaultDatabaseURL = "sqlite:///tmp/stemd.db"
	defaultListenAddr  = ":8080"
	defaultDataDir     = "/var/lib/stemd"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	DataDir         string
	WorkerSlots     int
	JobTimeout      time.Duration
	SweepInterval   time.Duration
	RetentionWindow time.Duration
	FailedGrace     time.Duration
	PerAccountLimit int
	DemucsBin       string
	SigningKey      string
	AllowedOrigins  []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stemd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "stemd",
		Short:         "Paid audio separation job service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagDataDir, defaultDataDir, "directory for uploads and artifacts")
	cmd.Flags().Int(flagWorkerSlots, 2, "number of concurrent separation workers")
	cmd.Flags().Duration(flagJobTimeout, 30*time.Minute, "hard per-job processing limit")
	cmd.Flags().Duration(flagSweepInterval, 10*time.Minute, "pause between retention sweeps")
	cmd.Flags().Duration(flagRetentionWindow, 24*time.Hour, "how long completed artifacts stay downloadable")
	cmd.Flags().Duration(flagFailedGrace, 24*time.Hour, "how long failed jobs stay listed")
	cmd.Flags().Int(flagPerAccountLimit, jobs.DefaultPerAccountLimit, "max non-terminal jobs per account")
	cmd.Flags().String(flagDemucsBin, "demucs", "path to the demucs binary")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for bearer tokens")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		flagDatabaseURL:     "DATABASE_URL",
		flagListenAddr:      "LISTEN_ADDR",
		flagDataDir:         "DATA_DIR",
		flagWorkerSlots:     "WORKER_SLOTS",
		flagJobTimeout:      "JOB_TIMEOUT",
		flagSweepInterval:   "SWEEP_INTERVAL",
		flagRetentionWindow: "RETENTION_WINDOW",
		flagFailedGrace:     "FAILED_GRACE",
		flagPerAccountLimit: "PER_ACCOUNT_LIMIT",
		flagDemucsBin:       "DEMUCS_BIN",
		flagSigningKey:      "AUTH_SIGNING_KEY",
		flagAllowedOrigins:  "ALLOWED_ORIGINS",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.DataDir = viper.GetString(flagDataDir)
	cfg.WorkerSlots = viper.GetInt(flagWorkerSlots)
	cfg.JobTimeout = viper.GetDuration(flagJobTimeout)
	cfg.SweepInterval = viper.GetDuration(flagSweepInterval)
	cfg.RetentionWindow = viper.GetDuration(flagRetentionWindow)
	cfg.FailedGrace = viper.GetDuration(flagFailedGrace)
	cfg.PerAccountLimit = viper.GetInt(flagPerAccountLimit)
	cfg.DemucsBin = viper.GetString(flagDemucsBin)
	cfg.SigningKey = viper.GetString(flagSigningKey)
	cfg.AllowedOrigins = viper.GetStringSlice(flagAllowedOrigins)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}

	artifacts, err := storage.New(cfg.DataDir)
	if err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store.Ledger(), clock,
		ledger.WithOperationLogger(zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	jobsService, err := jobs.NewService(store.Jobs(), ledgerService, clock,
		jobs.WithPerAccountLimit(cfg.PerAccountLimit))
	if err != nil {
		return fmt.Errorf("jobs service init: %w", err)
	}

	runner, err := separator.New(cfg.DemucsBin, filepath.Join(cfg.DataDir, "scratch"), artifacts)
	if err != nil {
		return err
	}
	pool, err := dispatch.NewPool(jobsService, runner, artifacts, logger,
		dispatch.WithSlots(cfg.WorkerSlots),
		dispatch.WithJobTimeout(cfg.JobTimeout))
	if err != nil {
		return err
	}
	sweeper, err := sweep.NewSweeper(jobsService, artifacts, logger,
		sweep.WithInterval(cfg.SweepInterval),
		sweep.WithRetentionWindow(cfg.RetentionWindow),
		sweep.WithFailedGrace(cfg.FailedGrace))
	if err != nil {
		return err
	}
	server, err := httpapi.NewServer(logger, jobsService, ledgerService, sweeper, artifacts, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     cfg.SigningKey,
	})
	if err != nil {
		return err
	}

	pool.Start()
	sweeper.Start()

	serveErr := server.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		logger.Warn("sweeper stop", zap.Error(err))
	}
	if err := pool.Stop(stopCtx); err != nil {
		logger.Warn("pool stop", zap.Error(err))
	}
	return serveErr
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount_tenths", entry.Amount.Int64()),
		zap.String("category", entry.Category.String()),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "stemd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(store *gormstore.Store, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
