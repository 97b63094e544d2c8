package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	natsconn "github.com/wehubfusion/scriptfilter/internal/nats"
	"github.com/wehubfusion/scriptfilter/internal/tracing"
	"github.com/wehubfusion/scriptfilter/pkg/filter"
	"github.com/wehubfusion/scriptfilter/pkg/pipeline"
	"github.com/wehubfusion/scriptfilter/pkg/scriptstore"
	"go.uber.org/zap"
)

func newTestCommand(root *rootOptions) *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "test script.js [script.js...]",
		Short: "Load file scripts and run their self-tests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(root.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var scriptParams map[string]interface{}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &scriptParams); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}

			return runSelfTests(cmd.Context(), cmd.OutOrStdout(), args, scriptParams, logger)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "script parameters as a JSON object")
	return cmd
}

// runSelfTests loads every script, reporting one line per script. It fails
// when any script does not load.
func runSelfTests(ctx context.Context, out io.Writer, paths []string, params map[string]interface{}, logger *zap.Logger) error {
	failed := 0
	for _, path := range paths {
		f, err := filter.New(filter.Config{Path: path, ScriptParams: params}, filter.WithLogger(logger))
		if err == nil {
			err = f.Load(ctx)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}

		fmt.Fprintf(out, "ok   %s (%s, %d self-tests)\n", path, f.Concurrency(), len(f.SelfTests()))
		for _, name := range f.SelfTests() {
			fmt.Fprintf(out, "     - %s\n", name)
		}
		f.Close()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(paths))
	}
	return nil
}

func newRunCommand(root *rootOptions) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Filter JSON lines from a file or stdin to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				file, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer file.Close()
				in = file
			}

			return withFilter(cmd.Context(), root, func(ctx context.Context, app *app) (*pipeline.Runner, error) {
				return app.newRunner(
					pipeline.NewLineSource(in, app.logger),
					pipeline.NewLineSink(cmd.OutOrStdout()),
				)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON lines input file, - for stdin")
	return cmd
}

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Filter records from a NATS JetStream consumer to an output subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFilter(cmd.Context(), root, func(ctx context.Context, app *app) (*pipeline.Runner, error) {
				conn, err := natsconn.Connect(ctx, &app.cfg.NATS, app.logger)
				if err != nil {
					return nil, err
				}
				app.closers = append(app.closers, func() error { return natsconn.Close(conn) })

				js, err := conn.JetStream()
				if err != nil {
					return nil, fmt.Errorf("failed to get JetStream context: %w", err)
				}
				source, err := pipeline.NewJetStreamSource(js, app.cfg.JetStream, app.logger)
				if err != nil {
					return nil, err
				}
				app.closers = append(app.closers, source.Close)

				sink, err := pipeline.NewJetStreamSink(js, app.cfg.JetStream.OutputSubject)
				if err != nil {
					return nil, err
				}
				return app.newRunner(source, sink)
			})
		},
	}
}

// app holds what a pipeline command has set up
type app struct {
	cfg     appConfig
	logger  *zap.Logger
	filter  *filter.Filter
	onFatal func(error)
	closers []func() error
}

func (a *app) newRunner(source pipeline.Source, sink pipeline.Sink) (*pipeline.Runner, error) {
	return pipeline.NewRunner(a.filter, source, sink, a.cfg.Workers,
		pipeline.WithLogger(a.logger),
		pipeline.WithFatalHandler(a.onFatal))
}

// withFilter loads config, logging, tracing, error reporting and the filter,
// builds a runner with build and runs it until its source is exhausted or
// the command is interrupted.
func withFilter(ctx context.Context, root *rootOptions, build func(context.Context, *app) (*pipeline.Runner, error)) error {
	logger, err := newLogger(root.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer adjustMaxProcs(logger)()

	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("failed to set up tracing, continuing without it", zap.Error(err))
	} else {
		defer tracing.Shutdown(shutdownTracing, logger)
	}

	onFatal, flush := setupSentry(cfg, logger)
	defer flush()

	if scriptstore.IsReference(cfg.Filter.Path) {
		store, err := scriptstore.New(cfg.ScriptStore.ConnectionString, cfg.ScriptStore.Container, cfg.ScriptStore.CacheDir, logger)
		if err != nil {
			return fmt.Errorf("failed to create script store: %w", err)
		}
		if cfg.Filter.Path, err = store.Resolve(ctx, cfg.Filter.Path); err != nil {
			return err
		}
	}

	f, err := filter.New(cfg.Filter, filter.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := f.Load(ctx); err != nil {
		return err
	}
	defer f.Close()

	a := &app{cfg: cfg, logger: logger, filter: f, onFatal: onFatal}
	defer func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				logger.Warn("error during shutdown", zap.Error(err))
			}
		}
	}()

	runner, err := build(ctx, a)
	if err != nil {
		return err
	}

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted, shutting down")
		return nil
	}
	return err
}
