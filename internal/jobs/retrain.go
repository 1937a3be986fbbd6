package jobs

import (
	"amrcore/internal/dataset"
	"amrcore/internal/training"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RetrainOutcome is the answer to a retraining request.
type RetrainOutcome string

const (
	OutcomeAccepted             RetrainOutcome = "accepted"
	OutcomeAlreadyRunning       RetrainOutcome = "already-running"
	OutcomeAlreadyPendingUpload RetrainOutcome = "already-pending-upload"
	OutcomeNoNewData            RetrainOutcome = "no-new-data"
)

// DefaultRetrainTimeout bounds one retraining run.
const DefaultRetrainTimeout = 2 * time.Hour

// ErrNotRunning is returned when cancelling a run that is not training.
var ErrNotRunning = errors.New("retraining is not running")

// Retrainer fits and publishes a model group from an assembled table.
type Retrainer interface {
	Retrain(ctx context.Context, class domain.InstrumentClass, table *dataset.Table, token *training.CancelToken) (domain.ModelGroup, error)
}

// Refresher is implemented by stores that can reload state written by other
// processes sharing the same database.
type Refresher interface {
	Refresh(ctx context.Context) error
}

func refresh(ctx context.Context, store domain.PersistentStore) error {
	if r, ok := store.(Refresher); ok {
		return r.Refresh(ctx)
	}
	return nil
}

// RetrainHook runs after a successful retrain.
type RetrainHook func(ctx context.Context, class domain.InstrumentClass, group domain.ModelGroup)

// RetrainOption configures a RetrainWorker.
type RetrainOption func(*RetrainWorker)

// WithRetrainLogger routes worker logs to l.
func WithRetrainLogger(l Logger) RetrainOption { return func(w *RetrainWorker) { w.logger = l } }

// WithRetrainTimeout bounds each run.
func WithRetrainTimeout(d time.Duration) RetrainOption {
	return func(w *RetrainWorker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithRetrainHook registers fn to run after every successful retrain.
func WithRetrainHook(fn RetrainHook) RetrainOption {
	return func(w *RetrainWorker) { w.hooks = append(w.hooks, fn) }
}

// WithRetrainNotifier registers fn to receive every finished retraining log.
func WithRetrainNotifier(fn func(domain.RetrainingLog)) RetrainOption {
	return func(w *RetrainWorker) { w.notify = fn }
}

// RetrainWorker runs at most one retraining per class.
type RetrainWorker struct {
	store     domain.PersistentStore
	retrainer Retrainer
	timeout   time.Duration
	logger    Logger
	hooks     []RetrainHook
	notify    func(domain.RetrainingLog)

	mu     sync.Mutex
	tokens map[int64]*training.CancelToken

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetrainWorker constructs a retrain worker.
func NewRetrainWorker(store domain.PersistentStore, retrainer Retrainer, opts ...RetrainOption) *RetrainWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &RetrainWorker{
		store:     store,
		retrainer: retrainer,
		timeout:   DefaultRetrainTimeout,
		logger:    noopLogger{},
		tokens:    make(map[int64]*training.CancelToken),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Request starts a retrain of class unless one is running, an upload of the
// class is pending, or the contributing files are unchanged since the latest
// model group.
func (w *RetrainWorker) Request(ctx context.Context, class domain.InstrumentClass) (RetrainOutcome, domain.RetrainingLog, error) {
	if _, ok := domain.ParseInstrumentClass(string(class)); !ok {
		return "", domain.RetrainingLog{}, fmt.Errorf("unknown instrument class %q", class)
	}
	var (
		outcome RetrainOutcome
		log     domain.RetrainingLog
		table   *dataset.Table
	)
	if err := refresh(ctx, w.store); err != nil {
		return "", domain.RetrainingLog{}, err
	}
	_, err := w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		for _, l := range view.ListRetrainingLogs(class) {
			if l.Status == domain.RetrainingTraining || l.Status == domain.RetrainingCanceling {
				outcome, log = OutcomeAlreadyRunning, l
				return nil
			}
		}
		for _, u := range view.ListUploadLogs(class) {
			if u.Status == domain.UploadPending {
				outcome = OutcomeAlreadyPendingUpload
				return nil
			}
		}
		assembled, err := dataset.Assemble(ctx, view, class)
		if err != nil {
			return err
		}
		fileIDs := assembled.FileIDs()
		if len(fileIDs) == 0 || sameFiles(fileIDs, latestFileIDs(view.ListModelGroups(class))) {
			outcome = OutcomeNoNewData
			return nil
		}
		created, err := tx.CreateRetrainingLog(domain.RetrainingLog{
			Class:     class,
			StartedAt: time.Now().UTC(),
			Status:    domain.RetrainingTraining,
			FileIDs:   fileIDs,
		})
		if err != nil {
			return err
		}
		outcome, log, table = OutcomeAccepted, created, assembled
		return nil
	})
	if err != nil {
		return "", domain.RetrainingLog{}, fmt.Errorf("request retraining: %w", err)
	}
	if outcome != OutcomeAccepted {
		w.logger.Info("retraining not started", "class", class, "outcome", outcome)
		return outcome, log, nil
	}

	token := training.NewCancelToken()
	w.mu.Lock()
	w.tokens[log.ID] = token
	w.mu.Unlock()
	w.wg.Add(1)
	go w.run(log, table, token)
	w.logger.Info("retraining accepted", "class", class, "log_id", log.ID, "files", len(log.FileIDs), "reports", len(table.Rows))
	return OutcomeAccepted, log, nil
}

func latestFileIDs(groups []domain.ModelGroup) []int64 {
	var latest *domain.ModelGroup
	for i := range groups {
		if latest == nil || groups[i].Version > latest.Version {
			latest = &groups[i]
		}
	}
	if latest == nil {
		return nil
	}
	return latest.FileIDs
}

func sameFiles(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]int64(nil), a...)
	y := append([]int64(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (w *RetrainWorker) run(log domain.RetrainingLog, table *dataset.Table, token *training.CancelToken) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.tokens, log.ID)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	group, err := w.retrainer.Retrain(ctx, log.Class, table, token)

	status := domain.RetrainingSuccess
	var message string
	switch {
	case err == nil:
	case errors.Is(err, training.ErrCancelled):
		status = domain.RetrainingCancelled
	default:
		status = domain.RetrainingFailed
		message = err.Error()
	}

	var updated domain.RetrainingLog
	_, uerr := w.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateRetrainingLog(log.ID, func(l *domain.RetrainingLog) error {
			now := time.Now().UTC()
			l.Status = status
			l.FinishedAt = &now
			l.Duration = now.Sub(l.StartedAt)
			l.Error = message
			if status == domain.RetrainingSuccess {
				id := group.ID
				l.ModelGroupID = &id
			}
			return nil
		})
		return err
	})
	if uerr != nil {
		w.logger.Error("update retraining log", "log_id", log.ID, "error", uerr)
		return
	}
	switch status {
	case domain.RetrainingSuccess:
		w.logger.Info("retraining succeeded", "class", log.Class, "log_id", log.ID, "version", group.Version, "elapsed", updated.Duration.String())
		for _, hook := range w.hooks {
			hook(context.WithoutCancel(ctx), log.Class, group)
		}
	case domain.RetrainingCancelled:
		w.logger.Info("retraining cancelled", "class", log.Class, "log_id", log.ID)
	default:
		w.logger.Error("retraining failed", "class", log.Class, "log_id", log.ID, "error", message)
	}
	if w.notify != nil {
		w.notify(updated)
	}
}

// Cancel moves a training run to canceling and signals its token. The run
// records the final cancelled status when it stops.
func (w *RetrainWorker) Cancel(ctx context.Context, logID int64) error {
	_, err := w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.Snapshot().FindRetrainingLog(logID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityRetrainingLog, ID: logID}
		}
		switch current.Status {
		case domain.RetrainingCanceling:
			return nil
		case domain.RetrainingTraining:
		default:
			return fmt.Errorf("retraining %d is %s: %w", logID, current.Status, ErrNotRunning)
		}
		_, err := tx.UpdateRetrainingLog(logID, func(l *domain.RetrainingLog) error {
			l.Status = domain.RetrainingCanceling
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	token, ok := w.tokens[logID]
	w.mu.Unlock()
	if ok {
		token.Cancel()
	}
	w.logger.Info("retraining cancel requested", "log_id", logID, "local", ok)
	return nil
}

// Running reports whether this worker is executing the run of logID.
func (w *RetrainWorker) Running(logID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tokens[logID]
	return ok
}

// Wait blocks until every run started by this worker has finished.
func (w *RetrainWorker) Wait(ctx context.Context) error {
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

// Stop cancels running retrains and waits for them to record their status.
func (w *RetrainWorker) Stop(ctx context.Context) error {
	w.cancel()
	return w.Wait(ctx)
}

// FailInterrupted marks runs left training or canceling by a previous
// process as failed.
func (w *RetrainWorker) FailInterrupted(ctx context.Context) (int, error) {
	count := 0
	_, err := w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, l := range tx.Snapshot().ListRetrainingLogs("") {
			if l.Status.Terminal() || w.Running(l.ID) {
				continue
			}
			if _, err := tx.UpdateRetrainingLog(l.ID, func(r *domain.RetrainingLog) error {
				now := time.Now().UTC()
				r.Status = domain.RetrainingFailed
				r.FinishedAt = &now
				r.Duration = now.Sub(r.StartedAt)
				r.Error = interruptedDetail
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
