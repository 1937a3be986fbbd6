// Package core wires the persistence, artifact, training and prediction
// components into the Service facade used by the CLI.
package core

import (
	"amrcore/internal/blob"
	"amrcore/internal/config"
	"amrcore/internal/jobs"
	"amrcore/internal/lookup"
	"amrcore/internal/predict"
	"amrcore/internal/training"
	"amrcore/internal/upload"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetrainingActive is returned by operations that cannot overlap a retrain.
var ErrRetrainingActive = errors.New("a retraining is in progress")

const uploadPollInterval = 50 * time.Millisecond

// Option configures a Service.
type Option func(*Service)

// WithLogger routes service and worker logs to l.
func WithLogger(l Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics observes every operation through m.
func WithMetrics(m MetricsRecorder) Option { return func(s *Service) { s.metrics = m } }

// WithTracer wraps every operation in a span from t.
func WithTracer(t Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithTrainingObserver receives every fitted classifier's evaluation.
func WithTrainingObserver(o training.Observer) Option {
	return func(s *Service) { s.observer = o }
}

// Service exposes the upload, retraining and prediction operations.
type Service struct {
	store    PersistentStore
	blobs    blob.Store
	logger   Logger
	metrics  MetricsRecorder
	tracer   Tracer
	observer training.Observer

	orchestrator *training.Orchestrator
	predictor    *predict.Predictor
	uploads      *jobs.UploadWorker
	retrains     *jobs.RetrainWorker
}

// NewService builds the components from cfg over store and blobs. Call
// Bootstrap before use and Close when done.
func NewService(store PersistentStore, blobs blob.Store, cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		store:   store,
		blobs:   blobs,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}

	catalog, err := training.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	trainingOpts := []training.Option{
		training.WithCatalog(catalog),
		training.WithBinningMinCount(cfg.BinningMinCount),
		training.WithThreshold(cfg.Threshold),
		training.WithLogger(s.logger),
	}
	if s.observer != nil {
		trainingOpts = append(trainingOpts, training.WithObserver(s.observer))
	}
	s.orchestrator = training.NewOrchestrator(store, blobs, trainingOpts...)
	s.predictor = predict.NewPredictor(store, blobs, cfg.Threshold)

	split := upload.SplitConfig{
		CaseTestFraction: cfg.Split.CaseTestFraction,
		CaseSeed:         cfg.Split.CaseSeed,
		DrugTestFraction: cfg.Split.DrugTestFraction,
		DrugSeed:         cfg.Split.DrugSeed,
	}
	s.uploads = jobs.NewUploadWorker(store, blobs,
		upload.NewValidator(cfg.UploadMinRows),
		upload.NewTransformer(store, split),
		jobs.WithUploadLogger(s.logger),
	)
	s.retrains = jobs.NewRetrainWorker(store, s.orchestrator,
		jobs.WithRetrainLogger(s.logger),
		jobs.WithRetrainTimeout(cfg.RetrainTimeout),
		jobs.WithRetrainHook(s.reloadPredictor),
	)
	return s, nil
}

func (s *Service) reloadPredictor(ctx context.Context, class domain.InstrumentClass, group domain.ModelGroup) {
	snap, err := s.predictor.Load(ctx, class)
	if err != nil {
		s.logger.Error("reload predictor", "class", class, "model_group_id", group.ID, "error", err)
		return
	}
	s.logger.Info("predictor reloaded", "class", class, "model_group_id", snap.GroupID, "drugs", len(snap.Drugs()))
}

// Store returns the underlying persistent store.
func (s *Service) Store() PersistentStore { return s.store }

// Retrains exposes the retrain worker for the scheduler.
func (s *Service) Retrains() *jobs.RetrainWorker { return s.retrains }

func (s *Service) run(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, operation)
	started := time.Now()
	err := fn(ctx)
	s.metrics.Observe(ctx, operation, err == nil, time.Since(started))
	span.End(err)
	if err != nil {
		s.logger.Warn("operation failed", "operation", operation, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", operation, "elapsed", time.Since(started).String())
	}
	return err
}

// Bootstrap seeds the species vocabulary, fails work interrupted by a
// previous process and starts the upload worker.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.run(ctx, "bootstrap", func(ctx context.Context) error {
		var added int
		if _, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			added, err = lookup.Seed(tx, lookup.DefaultSpecies)
			return err
		}); err != nil {
			return err
		}
		uploads, err := s.uploads.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("fail interrupted uploads: %w", err)
		}
		retrains, err := s.retrains.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("fail interrupted retraining: %w", err)
		}
		s.uploads.Start()
		s.logger.Info("bootstrapped", "species_added", added, "interrupted_uploads", uploads, "interrupted_retrains", retrains)
		return nil
	})
}

// Close stops the workers, cancelling any running retrain.
func (s *Service) Close(ctx context.Context) error {
	uerr := s.uploads.Stop(ctx)
	rerr := s.retrains.Stop(ctx)
	return errors.Join(uerr, rerr)
}

// SubmitUpload stages a CSV batch and queues it for validation and ingestion.
func (s *Service) SubmitUpload(ctx context.Context, filename string, class domain.InstrumentClass, payload []byte) (domain.UploadLog, error) {
	var log domain.UploadLog
	err := s.run(ctx, "submit_upload", func(ctx context.Context) error {
		var err error
		log, err = s.uploads.Submit(ctx, filename, class, payload)
		return err
	})
	return log, err
}

// AwaitUpload polls until the upload log leaves pending.
func (s *Service) AwaitUpload(ctx context.Context, logID int64) (domain.UploadLog, error) {
	var log domain.UploadLog
	poll := func() error {
		var found bool
		if err := s.store.View(ctx, func(view TransactionView) error {
			log, found = view.FindUploadLog(logID)
			return nil
		}); err != nil {
			return backoff.Permanent(err)
		}
		if !found {
			return backoff.Permanent(domain.ErrNotFound{Entity: domain.EntityUploadLog, ID: logID})
		}
		if log.Status == domain.UploadPending {
			return errors.New("upload pending")
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(uploadPollInterval), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return log, ctxErr
		}
		return log, err
	}
	return log, nil
}

// RequestRetraining starts a retrain of class when there is new data.
func (s *Service) RequestRetraining(ctx context.Context, class domain.InstrumentClass) (jobs.RetrainOutcome, domain.RetrainingLog, error) {
	var (
		outcome jobs.RetrainOutcome
		log     domain.RetrainingLog
	)
	err := s.run(ctx, "request_retraining", func(ctx context.Context) error {
		var err error
		outcome, log, err = s.retrains.Request(ctx, class)
		return err
	})
	return outcome, log, err
}

// AwaitRetraining waits for every retrain started by this process and returns
// the final state of logID.
func (s *Service) AwaitRetraining(ctx context.Context, logID int64) (domain.RetrainingLog, error) {
	if err := s.retrains.Wait(ctx); err != nil {
		return domain.RetrainingLog{}, err
	}
	var (
		log   domain.RetrainingLog
		found bool
	)
	if err := s.store.View(ctx, func(view TransactionView) error {
		log, found = view.FindRetrainingLog(logID)
		return nil
	}); err != nil {
		return log, err
	}
	if !found {
		return log, domain.ErrNotFound{Entity: domain.EntityRetrainingLog, ID: logID}
	}
	return log, nil
}

// CancelRetraining asks a running retrain to stop.
func (s *Service) CancelRetraining(ctx context.Context, logID int64) error {
	return s.run(ctx, "cancel_retraining", func(ctx context.Context) error {
		return s.retrains.Cancel(ctx, logID)
	})
}

// Predict recommends antimicrobials for one report.
func (s *Service) Predict(ctx context.Context, fields predict.Fields, class string) (predict.Prediction, error) {
	var out predict.Prediction
	err := s.run(ctx, "predict", func(ctx context.Context) error {
		var err error
		out, err = s.predictor.Predict(ctx, fields, class)
		return err
	})
	return out, err
}

// VersionStatus summarizes one model group.
type VersionStatus struct {
	ModelGroupID int64          `json:"model_group_id"`
	Version      int            `json:"version"`
	Metrics      domain.Metrics `json:"test_by_case"`
	FileIDs      []int64        `json:"file_ids"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ClassifierStatus is one classifier in a drug's history.
type ClassifierStatus struct {
	ClassifierID int64              `json:"classifier_id"`
	Version      int                `json:"version"`
	Performance  domain.Performance `json:"performance"`
	Metrics      domain.Metrics     `json:"metrics"`
	Deployed     bool               `json:"deployed"`
}

// DrugStatus is the classifier history of one answer drug, oldest first.
type DrugStatus struct {
	Drug    string             `json:"drug"`
	History []ClassifierStatus `json:"history"`
}

// Status describes the model groups of one class.
type Status struct {
	Class         domain.InstrumentClass `json:"class"`
	LatestVersion int                    `json:"latest_version"`
	Versions      []VersionStatus        `json:"versions"`
	Drugs         []DrugStatus           `json:"drugs"`
}

// ModelGroupStatus reports every published version of class and the
// per-drug classifier history.
func (s *Service) ModelGroupStatus(ctx context.Context, class domain.InstrumentClass) (Status, error) {
	status := Status{Class: class}
	err := s.run(ctx, "model_group_status", func(ctx context.Context) error {
		if _, ok := domain.ParseInstrumentClass(string(class)); !ok {
			return fmt.Errorf("unknown instrument class %q", class)
		}
		return s.store.View(ctx, func(view TransactionView) error {
			groups := view.ListModelGroups(class)
			sort.Slice(groups, func(i, j int) bool { return groups[i].Version < groups[j].Version })
			deployed, _ := view.DeployedModelGroup(class)
			history := make(map[int64][]ClassifierStatus)
			for _, g := range groups {
				if g.Deployed() {
					continue
				}
				status.Versions = append(status.Versions, VersionStatus{
					ModelGroupID: g.ID,
					Version:      g.Version,
					Metrics:      g.Metrics,
					FileIDs:      append([]int64(nil), g.FileIDs...),
					CreatedAt:    g.CreatedAt,
				})
				if g.Version > status.LatestVersion {
					status.LatestVersion = g.Version
				}
				for drugID, classifierID := range g.Classifiers {
					c, ok := view.FindClassifier(classifierID)
					if !ok {
						continue
					}
					history[drugID] = append(history[drugID], ClassifierStatus{
						ClassifierID: c.ID,
						Version:      g.Version,
						Performance:  c.Performance,
						Metrics:      c.Metrics,
						Deployed:     deployed.Classifiers[drugID] == c.ID,
					})
				}
			}
			for drugID, entries := range history {
				name := fmt.Sprintf("antimicrobial %d", drugID)
				if entry, ok := view.FindLookup(drugID); ok {
					name = entry.Name
				}
				status.Drugs = append(status.Drugs, DrugStatus{Drug: name, History: entries})
			}
			sort.Slice(status.Drugs, func(i, j int) bool { return status.Drugs[i].Drug < status.Drugs[j].Drug })
			return nil
		})
	})
	return status, err
}

// DeleteFile removes a file. Files no model group was trained on are deleted
// with their reports and staged CSV and hard is true; otherwise the file is
// only deactivated so published groups keep their provenance.
func (s *Service) DeleteFile(ctx context.Context, fileID int64) (bool, error) {
	var (
		hard    bool
		blobKey string
	)
	err := s.run(ctx, "delete_file", func(ctx context.Context) error {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			view := tx.Snapshot()
			file, ok := view.FindFile(fileID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityFile, ID: fileID}
			}
			for _, g := range view.ListModelGroups(file.Class) {
				for _, id := range g.FileIDs {
					if id == fileID {
						_, err := tx.UpdateFile(fileID, func(f *domain.File) error {
							f.Active = false
							return nil
						})
						return err
					}
				}
			}
			hard, blobKey = true, file.BlobKey
			return tx.DeleteFile(fileID)
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if hard && blobKey != "" {
		if _, derr := s.blobs.Delete(context.WithoutCancel(ctx), blobKey); derr != nil {
			s.logger.Warn("delete staged upload", "file_id", fileID, "key", blobKey, "error", derr)
		}
	}
	s.logger.Info("file deleted", "file_id", fileID, "hard", hard)
	return hard, nil
}

// ListUploads returns the upload logs of class ("" for all), newest first.
func (s *Service) ListUploads(ctx context.Context, class domain.InstrumentClass) ([]domain.UploadLog, error) {
	var logs []domain.UploadLog
	err := s.store.View(ctx, func(view TransactionView) error {
		logs = view.ListUploadLogs(class)
		return nil
	})
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID > logs[j].ID })
	return logs, err
}

// ListRetrainings returns the retraining logs of class ("" for all), newest first.
func (s *Service) ListRetrainings(ctx context.Context, class domain.InstrumentClass) ([]domain.RetrainingLog, error) {
	var logs []domain.RetrainingLog
	err := s.store.View(ctx, func(view TransactionView) error {
		logs = view.ListRetrainingLogs(class)
		return nil
	})
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID > logs[j].ID })
	return logs, err
}

// CollectOrphans deletes model artifacts no classifier references. It refuses
// to run while any retrain is in progress.
func (s *Service) CollectOrphans(ctx context.Context) ([]string, error) {
	var removed []string
	err := s.run(ctx, "collect_orphans", func(ctx context.Context) error {
		if err := s.store.View(ctx, func(view TransactionView) error {
			for _, l := range view.ListRetrainingLogs("") {
				if !l.Status.Terminal() {
					return fmt.Errorf("retraining %d is %s: %w", l.ID, l.Status, ErrRetrainingActive)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		var err error
		removed, err = s.orchestrator.CollectOrphans(ctx)
		return err
	})
	return removed, err
}
