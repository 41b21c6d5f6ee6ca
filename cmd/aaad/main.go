package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/config"
	"github.com/codelaboratoryltd/aaa/pkg/dhcphook"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/codelaboratoryltd/aaa/pkg/state/gormstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aaad",
	Short: "Broadband subscriber AAA core",
	Long: `aaad answers RADIUS Access-Request and Accounting-Request from the
BRAS, tracks DHCP leases through the dhcpd hook and pushes service changes
back to the BRAS with CoA.

Configuration is read from the environment.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

var (
	logLevel string

	bootstrap bool

	tokenSubject string
	tokenTTL     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the RADIUS listeners, DHCP hook and admin API",
	RunE:  runAAA,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create core-owned tables and snapshot partitions",
	RunE:  runMigrate,
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire or renew due service assignments once",
	RunE:  runExpire,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the hook and admin API",
	RunE:  runToken,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aaad %s (commit: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	migrateCmd.Flags().BoolVar(&bootstrap, "bootstrap", false,
		"Also create subscriber tables (sqlite only)")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "crm",
		"Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 365*24*time.Hour,
		"Token lifetime")

	rootCmd.AddCommand(runCmd, migrateCmd, expireCmd, tokenCmd, versionCmd)
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Encoding = "json"

	return cfg.Build()
}

const memoryDSN = "memory://"

// openStore opens the store named by DB_URL. The gorm handle is nil for
// memory://, which keeps all state in-process.
func openStore(cfg *config.Config, logger *zap.Logger) (state.Store, *gormstore.Store, error) {
	if cfg.DBURL == memoryDSN {
		logger.Warn("Using in-memory store; state is lost on exit")
		return state.NewMemoryStore(logger), nil, nil
	}
	db, err := gormstore.Open(gormstore.Config{
		DSN:            cfg.DBURL,
		MaxOpenConns:   cfg.WorkerPoolSize * 2,
		ConnectRetries: 5,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DBURL == memoryDSN {
		return fmt.Errorf("%w: migrate needs a database DB_URL", config.ErrInvalid)
	}
	_, store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if bootstrap {
		return store.Bootstrap(ctx)
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return gormstore.NewPartitionManager(store, 0, logger).Ensure(ctx)
}

func runExpire(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	// No bus: observers are not running in a one-shot process. Live
	// sessions pick the new verdict up on their next Access-Request.
	ids, err := policy.New(store, nil, policy.Config{Location: loc}, logger).ExpireDue(ctx)
	if err != nil {
		return err
	}
	logger.Info("Expiry run complete", zap.Int("subscribers", len(ids)))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := os.Getenv("API_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("%w: API_JWT_SECRET is required", config.ErrInvalid)
	}
	token, err := dhcphook.IssueToken(secret, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
