// Package jobs runs uploads and retraining in the background and schedules
// periodic retraining.
package jobs

import (
	"amrcore/internal/blob"
	"amrcore/internal/upload"
	"amrcore/pkg/domain"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging surface used by the workers.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Upload result stages that are not validation gates.
const (
	StageFormat    = "format"
	StageIngestion = "ingestion"
)

const (
	csvContentType    = "text/csv"
	defaultQueueDepth = 32
	interruptedDetail = "interrupted before completion"
)

// ErrQueueFull is returned when the upload queue cannot take another batch.
var ErrQueueFull = errors.New("upload queue full")

// UploadWorker validates and ingests staged batches one at a time.
type UploadWorker struct {
	store       domain.PersistentStore
	blobs       blob.Store
	validator   *upload.Validator
	transformer *upload.Transformer
	logger      Logger
	notify      func(domain.UploadLog)

	queue chan uploadTask
	mu    sync.RWMutex
	jobs  map[int64]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type uploadTask struct {
	logID int64
	key   string
	class domain.InstrumentClass
	name  string
}

// UploadOption configures an UploadWorker.
type UploadOption func(*UploadWorker)

// WithUploadLogger routes worker logs to l.
func WithUploadLogger(l Logger) UploadOption { return func(w *UploadWorker) { w.logger = l } }

// WithUploadNotifier registers fn to receive every finished upload log.
func WithUploadNotifier(fn func(domain.UploadLog)) UploadOption {
	return func(w *UploadWorker) { w.notify = fn }
}

// NewUploadWorker constructs an upload worker.
func NewUploadWorker(store domain.PersistentStore, blobs blob.Store, validator *upload.Validator, transformer *upload.Transformer, opts ...UploadOption) *UploadWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &UploadWorker{
		store:       store,
		blobs:       blobs,
		validator:   validator,
		transformer: transformer,
		logger:      noopLogger{},
		queue:       make(chan uploadTask, defaultQueueDepth),
		jobs:        make(map[int64]string),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued uploads.
func (w *UploadWorker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the current batch.
func (w *UploadWorker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *UploadWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Submit stages payload in the artifact store, records a pending upload log
// and queues the batch.
func (w *UploadWorker) Submit(ctx context.Context, filename string, class domain.InstrumentClass, payload []byte) (domain.UploadLog, error) {
	if _, ok := domain.ParseInstrumentClass(string(class)); !ok {
		return domain.UploadLog{}, fmt.Errorf("unknown instrument class %q", class)
	}
	key := blob.UploadKey(uuid.NewString())
	if _, err := w.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: csvContentType,
		Metadata:    map[string]string{"filename": filename, "class": string(class)},
	}); err != nil {
		return domain.UploadLog{}, fmt.Errorf("stage upload: %w", err)
	}

	if err := refresh(ctx, w.store); err != nil {
		w.discardStaged(key)
		return domain.UploadLog{}, err
	}
	var log domain.UploadLog
	if _, err := w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateUploadLog(domain.UploadLog{
			Filename:  filename,
			Class:     class,
			StartedAt: time.Now().UTC(),
			Status:    domain.UploadPending,
		})
		log = created
		return err
	}); err != nil {
		w.discardStaged(key)
		return domain.UploadLog{}, fmt.Errorf("create upload log: %w", err)
	}

	w.mu.Lock()
	w.jobs[log.ID] = key
	w.mu.Unlock()

	select {
	case w.queue <- uploadTask{logID: log.ID, key: key, class: class, name: filename}:
	default:
		w.finish(log.ID, domain.UploadFailed, 0, nil, []domain.UploadResult{{
			Type: domain.UploadResultFailure, Stage: StageIngestion, Detail: ErrQueueFull.Error(),
		}})
		w.discardStaged(key)
		return domain.UploadLog{}, ErrQueueFull
	}
	w.logger.Info("upload queued", "upload_id", log.ID, "filename", filename, "class", class, "bytes", len(payload))
	return log, nil
}

// Pending reports whether the upload log is still being processed by this worker.
func (w *UploadWorker) Pending(logID int64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.jobs[logID]
	return ok
}

func (w *UploadWorker) process(task uploadTask) {
	data, err := blob.ReadAll(w.ctx, w.blobs, task.key)
	if err != nil {
		w.reject(task, StageIngestion, []string{err.Error()})
		return
	}
	batch, err := upload.ReadBatch(bytes.NewReader(data))
	if err != nil {
		w.reject(task, StageFormat, []string{err.Error()})
		return
	}

	if err := refresh(w.ctx, w.store); err != nil {
		w.reject(task, StageIngestion, []string{err.Error()})
		return
	}
	var outcome upload.Outcome
	if err := w.store.View(w.ctx, func(view domain.TransactionView) error {
		var err error
		outcome, err = w.validator.Validate(w.ctx, batch, task.class, view)
		return err
	}); err != nil {
		w.reject(task, StageIngestion, []string{err.Error()})
		return
	}
	if outcome.Kind == upload.Rejected {
		w.reject(task, outcome.Stage, outcome.Messages)
		return
	}

	var file domain.File
	if _, err := w.store.RunInTransaction(w.ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateFile(domain.File{
			Name:       task.name,
			UploadedAt: time.Now().UTC(),
			Active:     true,
			Class:      task.class,
			RowCount:   batch.Len(),
			BlobKey:    task.key,
		})
		file = created
		return err
	}); err != nil {
		w.reject(task, StageIngestion, []string{err.Error()})
		return
	}
	rows, err := w.transformer.TransformAndPersist(w.ctx, batch, file.ID)
	if err != nil {
		if _, derr := w.store.RunInTransaction(context.WithoutCancel(w.ctx), func(tx domain.Transaction) error {
			return tx.DeleteFile(file.ID)
		}); derr != nil {
			w.logger.Error("remove file after failed ingestion", "file_id", file.ID, "error", derr)
		}
		w.reject(task, StageIngestion, []string{err.Error()})
		return
	}

	results := make([]domain.UploadResult, 0, len(outcome.Messages)+1)
	for _, msg := range outcome.Messages {
		results = append(results, domain.UploadResult{Type: domain.UploadResultWarning, Detail: msg})
	}
	results = append(results, domain.UploadResult{
		Type:   domain.UploadResultSuccess,
		Detail: fmt.Sprintf("Imported %d reports into file %d.", rows, file.ID),
	})
	w.finish(task.logID, domain.UploadSuccess, rows, &file.ID, results)
	w.logger.Info("upload ingested", "upload_id", task.logID, "file_id", file.ID, "rows", rows, "warnings", len(outcome.Messages))
}

func (w *UploadWorker) reject(task uploadTask, stage string, messages []string) {
	results := make([]domain.UploadResult, 0, len(messages))
	for _, msg := range messages {
		results = append(results, domain.UploadResult{Type: domain.UploadResultFailure, Stage: stage, Detail: msg})
	}
	w.finish(task.logID, domain.UploadFailed, 0, nil, results)
	w.discardStaged(task.key)
	w.logger.Warn("upload rejected", "upload_id", task.logID, "stage", stage, "messages", len(messages))
}

func (w *UploadWorker) finish(logID int64, status domain.UploadStatus, rows int, fileID *int64, results []domain.UploadResult) {
	var updated domain.UploadLog
	_, err := w.store.RunInTransaction(context.WithoutCancel(w.ctx), func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateUploadLog(logID, func(l *domain.UploadLog) error {
			now := time.Now().UTC()
			l.Status = status
			l.FinishedAt = &now
			l.Duration = now.Sub(l.StartedAt)
			l.RowCount = rows
			l.FileID = fileID
			l.Results = results
			return nil
		})
		return err
	})
	w.mu.Lock()
	delete(w.jobs, logID)
	w.mu.Unlock()
	if err != nil {
		w.logger.Error("update upload log", "upload_id", logID, "error", err)
		return
	}
	if w.notify != nil {
		w.notify(updated)
	}
}

func (w *UploadWorker) discardStaged(key string) {
	if _, err := w.blobs.Delete(context.Background(), key); err != nil {
		w.logger.Warn("delete staged upload", "key", key, "error", err)
	}
}

// FailInterrupted marks upload logs left pending by a previous process as
// failed so they no longer block retraining.
func (w *UploadWorker) FailInterrupted(ctx context.Context) (int, error) {
	count := 0
	_, err := w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, l := range tx.Snapshot().ListUploadLogs("") {
			if l.Status != domain.UploadPending || w.Pending(l.ID) {
				continue
			}
			if _, err := tx.UpdateUploadLog(l.ID, func(u *domain.UploadLog) error {
				now := time.Now().UTC()
				u.Status = domain.UploadFailed
				u.FinishedAt = &now
				u.Duration = now.Sub(u.StartedAt)
				u.Results = append(u.Results, domain.UploadResult{Type: domain.UploadResultFailure, Stage: StageIngestion, Detail: interruptedDetail})
				return nil
			}); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
