// Package cmd defines and implements the CLI commands for the chartcollector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/config"
	"github.com/JakeFAU/webtoon-chart-collector/internal/logging"
	"github.com/JakeFAU/webtoon-chart-collector/internal/pipeline"
	"github.com/JakeFAU/webtoon-chart-collector/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Collect(ctx context.Context, req pipeline.Request) pipeline.Report
	Serve(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command. The returned closer
// releases the application built for the subcommand, if any; cobra skips
// post-run hooks when a command fails, so callers must invoke it.
func newRootCmd() (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile     string
		appInstance App
	)
	cmd := &cobra.Command{
		Use:   "chartcollector",
		Short: "Collects the daily webtoon chart into the warehouse.",
		Long: `chartcollector acquires the weekday webtoon listings, ranks them for each
requested sort key, and merges profiles and chart entries into the warehouse.
Re-running for the same date adds nothing new.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			appInstance, err = newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newServeCmd())

	closer := func(ctx context.Context) error {
		if appInstance == nil {
			return nil
		}
		err := appInstance.Close(ctx)
		appInstance = nil
		return err
	}
	return cmd, closer
}

// execute runs the CLI with args and always releases the application.
func execute(ctx context.Context, args []string, stdout io.Writer) error {
	root, closeApp := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = fmt.Errorf("close application: %w", cerr)
	}
	return err
}

// resolveApp retrieves the application set up by the root command.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
