package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daviddao/coordkit/pkg/config"
	"github.com/daviddao/coordkit/pkg/journal"
	"github.com/daviddao/coordkit/pkg/logging"
	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
)

// app holds shared state for one subcommand invocation.
type app struct {
	cfg      *config.Config
	opts     *globalOptions
	logger   *zap.Logger
	journal  journal.JournalInterface
	run      *model.Run        // nil for read-only commands
	recorder *journal.Recorder // nil for read-only commands
	registry *prometheus.Registry
	out      io.Writer
}

// newApp loads configuration, builds the logger and opens the journal. When
// command is non-empty it also starts a journal run and a recorder for it.
func newApp(cmd *cobra.Command, opts *globalOptions, command string) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("journal") {
		cfg.Journal = opts.journal
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, err
	}

	store, err := journal.New(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal %q: %w", cfg.Journal, err)
	}

	a := &app{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		journal:  store,
		registry: metrics.NewRegistry(),
		out:      cmd.OutOrStdout(),
	}
	if command == "" {
		return a, nil
	}

	ctx := cmd.Context()
	a.run, err = store.StartRun(ctx, command)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.recorder, err = journal.NewRecorder(ctx, store, a.run.ID,
		journal.WithBuffer(cfg.JournalBuffer),
		journal.WithRecorderLogger(logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Debug("run started",
		zap.String("run", a.run.ID),
		zap.String("command", command),
		zap.String("journal", journalName(cfg.Journal)))
	return a, nil
}

// observe feeds the journal recorder. It is the model.Observer handed to
// every component.
func (a *app) observe(e model.Event) {
	if a.recorder != nil {
		a.recorder.Observe(e)
	}
}

// Close flushes the recorder and releases the journal.
func (a *app) Close() {
	if a.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.recorder.Close(ctx); err != nil {
			a.logger.Warn("journal flush incomplete", zap.Error(err))
		}
		cancel()
		a.logger.Debug("run finished",
			zap.String("run", a.run.ID),
			zap.Int64("events", a.recorder.Recorded()),
			zap.Int64("failed", a.recorder.Failed()))
	}
	a.journal.Close()
	_ = a.logger.Sync()
}

// report writes a command's result. In JSON mode v is printed, wrapped with
// the metrics snapshot when --metrics is set. Otherwise text renders it.
func (a *app) report(v any, text func(w io.Writer)) error {
	var lines []string
	if a.opts.metrics {
		var err error
		if lines, err = metrics.Snapshot(a.registry); err != nil {
			return err
		}
	}

	if a.opts.jsonOut {
		if a.opts.metrics {
			return printJSON(a.out, map[string]any{"result": v, "metrics": lines})
		}
		return printJSON(a.out, v)
	}
	text(a.out)
	if a.recorder != nil {
		fmt.Fprintf(a.out, "run %s (%s journal)\n", a.run.ID, journalName(a.cfg.Journal))
	}
	if len(lines) > 0 {
		fmt.Fprintln(a.out, "metrics:")
		for _, l := range lines {
			fmt.Fprintln(a.out, "  "+l)
		}
	}
	return nil
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func journalName(path string) string {
	if path == "" || path == journal.MemoryPath {
		return "in-memory"
	}
	return path
}

// The helpers below let a flag override the loaded configuration only when
// the user actually set it.

func intFlag(cmd *cobra.Command, name string, fallback int) int {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetInt(name)
		return v
	}
	return fallback
}

func int64Flag(cmd *cobra.Command, name string, fallback int64) int64 {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetInt64(name)
		return v
	}
	return fallback
}

func uint64Flag(cmd *cobra.Command, name string, fallback uint64) uint64 {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetUint64(name)
		return v
	}
	return fallback
}

func float64Flag(cmd *cobra.Command, name string, fallback float64) float64 {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetFloat64(name)
		return v
	}
	return fallback
}

func durationFlag(cmd *cobra.Command, name string, fallback time.Duration) time.Duration {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetDuration(name)
		return v
	}
	return fallback
}
