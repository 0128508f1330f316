// Package cmd defines the CLI commands for the rfpscanner executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/app"
	"github.com/JakeFAU/rfp-scanner/internal/config"
	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/logging"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the service container. Tests swap
// in a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Config() config.Config
	Handler() http.Handler
	RunWorkers(ctx context.Context)
	Scan(ctx context.Context, req crawler.ScanRequest) (crawler.ScanResult, error)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "rfpscanner",
		Short: "Scans public procurement portals for relevant solicitations.",
		Long: `rfpscanner renders government procurement listing pages in a stealth
headless browser, classifies every listed solicitation with a language model,
optionally analyzes the linked documents, and stores the relevant ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the RFP_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// closeApp releases the services and flushes the logger. Subcommands defer
// it so it also runs when RunE fails.
func closeApp(appInstance App) {
	logger := appInstance.Logger()
	if err := appInstance.Close(context.Background()); err != nil {
		logger.Warn("close application failed", zap.Error(err))
	}
	_ = logger.Sync()
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
