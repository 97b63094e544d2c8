// Command scriptfilter runs a script filter over JSON records, from files,
// stdin or a NATS JetStream consumer, and runs script self-tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

var version = "dev"

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "scriptfilter",
		Short:        "Run JavaScript filters over JSON records",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newTestCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// newLogger builds the production JSON logger on stderr, at debug level
// when verbose
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// adjustMaxProcs matches GOMAXPROCS to the container CPU quota, which the
// worker count and the shared runtime pool size default to
func adjustMaxProcs(logger *zap.Logger) func() {
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS from CPU quota", zap.Error(err))
		return func() {}
	}
	return undo
}

// setupSentry initialises error reporting when a DSN is configured and
// returns the handler the pipeline calls with fatal host errors
func setupSentry(cfg appConfig, logger *zap.Logger) (func(error), func()) {
	if cfg.SentryDSN == "" {
		return nil, func() {}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Tracing.Environment,
		Release:     "scriptfilter@" + version,
	})
	if err != nil {
		logger.Warn("failed to initialise sentry, continuing without it", zap.Error(err))
		return nil, func() {}
	}

	report := func(err error) {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("filter_id", cfg.Filter.ID)
			scope.SetLevel(sentry.LevelFatal)
			sentry.CaptureException(err)
		})
	}
	flush := func() {
		sentry.Flush(2 * time.Second)
	}
	return report, flush
}
