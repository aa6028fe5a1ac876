// Package cmd defines and implements the CLI commands for the scrapebot
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/app"
	"github.com/JakeFAU/scrapebot/internal/cache"
	"github.com/JakeFAU/scrapebot/internal/config"
	"github.com/JakeFAU/scrapebot/internal/logging"
	"github.com/JakeFAU/scrapebot/internal/orchestrator"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Cache() *cache.Tiered
	Orchestrator() *orchestrator.Orchestrator
	NewSink(ctx context.Context) (scrape.ResultSink, error)
	Run(ctx context.Context, resources []scrape.Resource, sink scrape.ResultSink) (app.Batch, error)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	envFile    string
	// app is set once PersistentPreRunE has built the services.
	app App
}

// newRootCmd creates and configures the root command.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapebot",
		Short: "Cache-first scraper with a memory, disk and HTTP cache.",
		Long: `scrapebot resolves scrape targets through a two-tier cache (memory and
disk) backed by a persistent HTTP response cache. Cache misses are fetched
politely with retries, either over plain HTTP or through headless Chrome,
and the configured fields are extracted with CSS selectors.`,
		SilenceUsage: true,

		// Runs before every subcommand: environment, config, logger, services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config; missing files are ignored")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func closeApp(appInstance App) {
	logger := appInstance.Logger()
	if err := appInstance.Close(); err != nil {
		logger.Warn("error closing application services", zap.Error(err))
	}
	_ = logger.Sync()
}

// run executes the CLI with args and closes the services afterwards, whether
// or not the command succeeded.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &rootOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	defer func() {
		if opts.app != nil {
			closeApp(opts.app)
		}
	}()
	return cmd.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
