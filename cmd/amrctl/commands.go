package main

import (
	"amrcore/internal/jobs"
	"amrcore/internal/predict"
	"amrcore/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func parseClass(raw string) (domain.InstrumentClass, error) {
	class, ok := domain.ParseInstrumentClass(raw)
	if !ok {
		return "", fmt.Errorf("--class must be GN or GP, got %q", raw)
	}
	return class, nil
}

func classFlag(cmd *cobra.Command, target *string, required bool) {
	cmd.Flags().StringVar(target, "class", "", "instrument class (GN or GP)")
	if required {
		_ = cmd.MarkFlagRequired("class")
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "upload <csv>",
		Short: "Validate and ingest a report batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls, err := parseClass(class)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			queued, err := a.svc.SubmitUpload(ctx, filepath.Base(args[0]), cls, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "upload %d queued (%s)\n", queued.ID, humanize.Bytes(uint64(len(payload))))
			done, err := a.svc.AwaitUpload(ctx, queued.ID)
			if err != nil {
				return err
			}
			printUpload(out, done)
			if done.Status != domain.UploadSuccess {
				return fmt.Errorf("upload %d failed", done.ID)
			}
			return nil
		},
	}
	classFlag(cmd, &class, true)
	return cmd
}

func printUpload(out io.Writer, log domain.UploadLog) {
	fmt.Fprintf(out, "upload %d %s: %s %s rows in %s\n", log.ID, log.Status, log.Filename,
		humanize.Comma(int64(log.RowCount)), log.Duration.Round(time.Millisecond))
	for _, r := range log.Results {
		label := string(r.Type)
		if r.Stage != "" {
			label += ":" + r.Stage
		}
		fmt.Fprintf(out, "  [%s] %s\n", label, r.Detail)
	}
}

func newRetrainCmd(a *app) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Retrain the classifiers of a class and wait for the run",
		Long: `retrain assembles the active reports of a class and fits one classifier
per answer drug. The run lives in this process, so the command waits for it;
an interrupt cancels the run and leaves the deployed models untouched.

State is reloaded from storage before the running and pending-upload checks,
but saves are last-writer-wins: run writers one at a time, or let serve be
the only writer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cls, err := parseClass(class)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			outcome, log, err := a.svc.RequestRetraining(ctx, cls)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "retraining %s: %s\n", cls, outcome)
			if outcome != jobs.OutcomeAccepted {
				return nil
			}

			type result struct {
				log domain.RetrainingLog
				err error
			}
			done := make(chan result, 1)
			go func() {
				final, err := a.svc.AwaitRetraining(context.WithoutCancel(ctx), log.ID)
				done <- result{final, err}
			}()
			var r result
			select {
			case r = <-done:
			case <-ctx.Done():
				fmt.Fprintf(out, "cancelling retraining %d\n", log.ID)
				if err := a.svc.CancelRetraining(context.WithoutCancel(ctx), log.ID); err != nil && !errors.Is(err, jobs.ErrNotRunning) {
					return err
				}
				r = <-done
			}
			if r.err != nil {
				return r.err
			}
			printRetraining(out, r.log)
			if r.log.Status == domain.RetrainingFailed {
				return fmt.Errorf("retraining %d failed: %s", r.log.ID, r.log.Error)
			}
			return nil
		},
	}
	classFlag(cmd, &class, true)
	return cmd
}

func printRetraining(out io.Writer, log domain.RetrainingLog) {
	fmt.Fprintf(out, "retraining %d %s after %s (%s files)", log.ID, log.Status,
		log.Duration.Round(time.Millisecond), humanize.Comma(int64(len(log.FileIDs))))
	if log.ModelGroupID != nil {
		fmt.Fprintf(out, ", model group %d", *log.ModelGroupID)
	}
	if log.Error != "" {
		fmt.Fprintf(out, ": %s", log.Error)
	}
	fmt.Fprintln(out)
}

func newPredictCmd(a *app) *cobra.Command {
	var (
		class  string
		fields predict.Fields
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Recommend antimicrobials for one report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			got, err := a.svc.Predict(cmd.Context(), fields, class)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(got)
			}
			if !got.Predictable {
				fmt.Fprintf(out, "%s %s\n", got.Reason, got.Detail)
				return nil
			}
			if len(got.Answers) == 0 {
				fmt.Fprintln(out, "no antimicrobial recommended")
				return nil
			}
			for i, answer := range got.Answers {
				fmt.Fprintf(out, "%s %s %s%%\n", humanize.Ordinal(i+1), predict.DisplayName(answer.Drug), answer.Percent.String())
			}
			return nil
		},
	}
	classFlag(cmd, &class, true)
	cmd.Flags().StringVar(&fields.Species, "species", "", "animal species")
	cmd.Flags().StringVar(&fields.Genus, "genus", "", "bacteria genus")
	cmd.Flags().StringVar(&fields.SampleSite, "sample", "", "submitted sample site")
	cmd.Flags().StringToStringVar(&fields.SIR, "sir", nil, "susceptibility results, e.g. oxacillin=S,cefovecin=R")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the prediction as JSON")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show model group versions and classifier history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cls, err := parseClass(class)
			if err != nil {
				return err
			}
			status, err := a.svc.ModelGroupStatus(cmd.Context(), cls)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(status.Versions) == 0 {
				fmt.Fprintf(out, "%s: no model groups\n", cls)
				return nil
			}
			fmt.Fprintf(out, "%s: latest version %d\n", cls, status.LatestVersion)
			for _, v := range status.Versions {
				fmt.Fprintf(out, "  version %d  f1 %.3f  accuracy %.3f  %s files  %s\n", v.Version, v.Metrics.F1,
					v.Metrics.Accuracy, humanize.Comma(int64(len(v.FileIDs))), humanize.Time(v.CreatedAt))
			}
			for _, drug := range status.Drugs {
				fmt.Fprintf(out, "  %s\n", drug.Drug)
				for _, c := range drug.History {
					marker := " "
					if c.Deployed {
						marker = "*"
					}
					fmt.Fprintf(out, "   %s v%d %-6s f1 %.3f\n", marker, c.Version, c.Performance, c.Metrics.F1)
				}
			}
			return nil
		},
	}
	classFlag(cmd, &class, true)
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List upload and retraining logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cls domain.InstrumentClass
			if class != "" {
				var err error
				if cls, err = parseClass(class); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			uploads, err := a.svc.ListUploads(ctx, cls)
			if err != nil {
				return err
			}
			retrains, err := a.svc.ListRetrainings(ctx, cls)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "uploads (%s)\n", humanize.Comma(int64(len(uploads))))
			for _, u := range uploads {
				fmt.Fprintf(out, "  %d %s %s %s %s rows %s\n", u.ID, u.Class, u.Status, u.Filename,
					humanize.Comma(int64(u.RowCount)), humanize.Time(u.StartedAt))
			}
			fmt.Fprintf(out, "retrainings (%s)\n", humanize.Comma(int64(len(retrains))))
			for _, r := range retrains {
				fmt.Fprintf(out, "  %d %s %s %s %s\n", r.ID, r.Class, r.Status, r.Duration.Round(time.Second), humanize.Time(r.StartedAt))
			}
			return nil
		},
	}
	classFlag(cmd, &class, false)
	return cmd
}

func newDeleteFileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-file <id>",
		Short: "Delete an ingested file, or deactivate it when models were trained on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("file id: %w", err)
			}
			hard, err := a.svc.DeleteFile(cmd.Context(), id)
			if err != nil {
				return err
			}
			if hard {
				fmt.Fprintf(cmd.OutOrStdout(), "file %d deleted\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "file %d deactivated (referenced by model groups)\n", id)
			}
			return nil
		},
	}
}

func newGCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete model artifacts no classifier references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := a.svc.CollectOrphans(cmd.Context())
			if err != nil {
				return err
			}
			for _, key := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s orphan artifacts removed\n", humanize.Comma(int64(len(removed))))
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled retraining and expose metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.RetrainCron != "" {
				scheduler, err := jobs.NewScheduler(a.cfg.RetrainCron, a.svc.Retrains(), a.logger)
				if err != nil {
					return err
				}
				scheduler.Start()
				defer func() { _ = scheduler.Stop(context.WithoutCancel(ctx)) }()
				a.logger.Info("retraining scheduled", "cron", a.cfg.RetrainCron)
			}
			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
				mux.Handle("/debug/vars", expvar.Handler())
				server := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", "error", err)
					}
				}()
				defer func() {
					shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdown)
				}()
				a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
			}
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
}
