package main

import (
	"amrcore/internal/blob"
	"amrcore/internal/config"
	"amrcore/internal/core"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// app holds the components opened for one command invocation.
type app struct {
	cfg      config.Config
	svc      *core.Service
	registry *prometheus.Registry
	logger   core.Logger
	closeDB  func() error
	trace    *os.File
}

func (a *app) open(ctx context.Context, cfgFile, traceFile string, logs io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := core.NewLogger(logs, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	store, closeDB, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		_ = closeDB()
		return fmt.Errorf("open artifact store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		_ = closeDB()
		return err
	}
	gauges, err := core.NewTrainingGauges(registry)
	if err != nil {
		_ = closeDB()
		return err
	}

	expvarMetrics := core.NewExpvarMetricsRecorder("")
	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetrics(core.MultiMetricsRecorder{metrics, expvarMetrics}),
		core.WithTrainingObserver(gauges),
	}
	var trace *os.File
	if traceFile != "" {
		if trace, err = os.OpenFile(traceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			_ = closeDB()
			return fmt.Errorf("open trace file: %w", err)
		}
		opts = append(opts, core.WithTracer(core.NewJSONTracer(trace)))
	}

	svc, err := core.NewService(store, blobs, cfg, opts...)
	if err == nil {
		if err = svc.Bootstrap(ctx); err != nil {
			_ = svc.Close(ctx)
		}
	}
	if err != nil {
		_ = closeDB()
		if trace != nil {
			_ = trace.Close()
		}
		return err
	}
	logger.Debug("opened", "storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver, "expvar", expvarMetrics.Name())
	a.cfg, a.svc, a.registry, a.logger, a.closeDB, a.trace = cfg, svc, registry, logger, closeDB, trace
	return nil
}

func (a *app) close(ctx context.Context) error {
	if a.svc == nil {
		return nil
	}
	err := errors.Join(a.svc.Close(ctx), a.closeDB())
	if a.trace != nil {
		err = errors.Join(err, a.trace.Close())
	}
	a.svc = nil
	return err
}

// newRootCmd builds the command tree over a. The caller closes a after
// Execute returns.
func newRootCmd(a *app) *cobra.Command {
	var cfgFile, traceFile string
	root := &cobra.Command{
		Use:   "amrctl",
		Short: "Manage antimicrobial recommendation data and models",
		Long: `amrctl ingests lab report batches, retrains the per-drug classifiers
and answers recommendation queries.

Settings come from an optional YAML file and AMRCORE_* environment variables,
for example AMRCORE_STORAGE_DRIVER=sqlite or AMRCORE_BLOB_DRIVER=s3.

Only one process may write to a shared database at a time. While serve is
running it is the single writer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context(), cfgFile, traceFile, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&traceFile, "trace", "", "append operation spans as JSON lines to this file")
	root.AddCommand(
		newUploadCmd(a),
		newRetrainCmd(a),
		newPredictCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newDeleteFileCmd(a),
		newGCCmd(a),
		newServeCmd(a),
	)
	return root
}
