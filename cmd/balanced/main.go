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

	"github.com/MarkoPoloResearchLab/balance/internal/httpapi"
	"github.com/MarkoPoloResearchLab/balance/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/balance/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/balance/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagAuthSigningKey = "auth-signing-key"
	flagAuthIssuer     = "auth-issuer"
	flagAllowNegative  = "allow-negative"
	flagAutoFix        = "auto-fix"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyAuthSigningKey = "auth_signing_key"
	configKeyAuthIssuer     = "auth_issuer"
	configKeyAllowNegative  = "allow_negative"

	defaultDatabaseURL = "sqlite:///tmp/balanced.db"
	defaultListenAddr  = ":9090"

	driverPostgres = "postgres"
	driverPGX      = "pgx"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	AuthSigningKey string
	AuthIssuer     string
	AllowNegative  bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "balanced: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	root := &cobra.Command{
		Use:           "balanced",
		Short:         "Ledger-backed balance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, sqlite://, memory://)")
	root.PersistentFlags().Bool(flagAllowNegative, false, "permit balances below zero")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the balance HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	serve.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	serve.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	serve.Flags().String(flagAuthSigningKey, "", "HMAC key validating bearer tokens")
	serve.Flags().String(flagAuthIssuer, "", "expected bearer token issuer")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Reconcile stored balances against the ledger",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			autoFix, err := cmd.Flags().GetBool(flagAutoFix)
			if err != nil {
				return err
			}
			return runVerify(ctx, cfg, autoFix)
		},
	}
	verify.Flags().Bool(flagAutoFix, false, "write reconciliation_fix entries for detected drift")

	root.AddCommand(serve, verify)
	return root
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyAuthSigningKey: "AUTH_SIGNING_KEY",
		configKeyAuthIssuer:     "AUTH_ISSUER",
		configKeyAllowNegative:  "ALLOW_NEGATIVE",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyAuthSigningKey: flagAuthSigningKey,
		configKeyAuthIssuer:     flagAuthIssuer,
		configKeyAllowNegative:  flagAllowNegative,
	}
	for key, flagName := range flagsByKey {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			flag = cmd.Root().PersistentFlags().Lookup(flagName)
		}
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.AllowNegative = viper.GetBool(configKeyAllowNegative)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	server, err := httpapi.New(service, logger, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		AuthSigningKey: cfg.AuthSigningKey,
		AuthIssuer:     cfg.AuthIssuer,
	})
	if err != nil {
		return fmt.Errorf("httpapi init: %w", err)
	}
	return server.Run(ctx)
}

func runVerify(ctx context.Context, cfg *runtimeConfig, autoFix bool) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	bulk, err := service.VerifyAll(ctx, autoFix)
	if err != nil {
		return fmt.Errorf("verify all: %w", err)
	}
	for _, result := range bulk.Details {
		if result.Matches {
			continue
		}
		logger.Warn("balance drift detected",
			zap.String("account_id", result.AccountID.String()),
			zap.Int64("stored_minor", result.StoredMinor.Int64()),
			zap.Int64("ledger_minor", result.LedgerMinor.Int64()),
			zap.Int64("discrepancy_minor", result.DiscrepancyMinor.Int64()),
			zap.Bool("fixed", result.Fixed),
		)
	}
	logger.Info("verification complete",
		zap.Int("total_checked", bulk.TotalChecked),
		zap.Int("mismatches_found", bulk.MismatchesFound),
		zap.Int("fixed", bulk.Fixed),
	)
	if bulk.MismatchesFound > bulk.Fixed {
		return fmt.Errorf("%d unfixed balance mismatches", bulk.MismatchesFound-bulk.Fixed)
	}
	return nil
}

func buildService(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (*balance.Service, func() error, error) {
	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store open: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []balance.ServiceOption{
		balance.WithOperationLogger(balance.NewZapOperationLogger(logger)),
	}
	if cfg.AllowNegative {
		options = append(options, balance.WithAllowNegativeBalances())
	}
	service, err := balance.NewService(store, clock, options...)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("service init: %w", err)
	}
	return service, cleanup, nil
}

func openStore(ctx context.Context, dsn string) (balance.Store, func() error, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch driver {
	case driverMemory:
		return memstore.New(), func() error { return nil }, nil
	case driverPGX:
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	case driverPostgres:
		db, err := gorm.Open(postgres.Open(target), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
	case driverSQLite:
		db, err := gorm.Open(sqlite.Open(target), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		if err := gormstore.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn, nil
	}
	// pgx:// selects the raw pgx store; the pool still dials postgres://.
	if strings.HasPrefix(dsn, "pgx://") {
		return driverPGX, "postgres://" + strings.TrimPrefix(dsn, "pgx://"), nil
	}
	if strings.HasPrefix(dsn, "memory://") || dsn == ":memory:" {
		return driverMemory, "", nil
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
			path = "balanced.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
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
