package jobs

import (
	"amrcore/internal/blob"
	"amrcore/internal/dataset"
	memblob "amrcore/internal/infra/blob/memory"
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/lookup"
	"amrcore/internal/training"
	"amrcore/internal/upload"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 10 * time.Second

func batchCSV(rows int, symbol func(i int) string) string {
	header := []string{
		upload.ColumnHN, upload.ColumnSubmitted, upload.ColumnIssued, upload.ColumnSpecies,
		upload.ColumnGenus, upload.ColumnSampleSite, upload.ColumnClass,
		"S/I/R_oxacillin", "ans_amoxicillin",
	}
	var b strings.Builder
	b.WriteString(strings.Join(header, ",") + "\n")
	for i := 0; i < rows; i++ {
		species := "dog"
		if i%2 == 1 {
			species = "cat"
		}
		cells := []string{
			fmt.Sprintf("HN%04d", i), "2023-05-01", "2023-05-03", species,
			"Escherichia coli", "Urine", "GN", symbol(i), fmt.Sprint(i%3 == 0),
		}
		b.WriteString(strings.Join(cells, ",") + "\n")
	}
	return b.String()
}

func qualitative(i int) string {
	if i%2 == 0 {
		return "S"
	}
	return "R"
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(nil)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := lookup.Seed(tx, lookup.DefaultSpecies)
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

type uploadHarness struct {
	store  *memory.Store
	blobs  *memblob.Store
	worker *UploadWorker
	done   chan domain.UploadLog
}

func newUploadHarness(t *testing.T) uploadHarness {
	t.Helper()
	store := seededStore(t)
	blobs := memblob.New()
	done := make(chan domain.UploadLog, 4)
	worker := NewUploadWorker(store, blobs, upload.NewValidator(10), upload.NewTransformer(store, upload.DefaultSplitConfig()),
		WithUploadNotifier(func(l domain.UploadLog) { done <- l }))
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })
	return uploadHarness{store: store, blobs: blobs, worker: worker, done: done}
}

func (h uploadHarness) submit(t *testing.T, payload string) domain.UploadLog {
	t.Helper()
	queued, err := h.worker.Submit(context.Background(), "batch.csv", domain.ClassGN, []byte(payload))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued.Status != domain.UploadPending {
		t.Fatalf("expected pending log, got %s", queued.Status)
	}
	select {
	case finished := <-h.done:
		if finished.ID != queued.ID {
			t.Fatalf("expected log %d, got %d", queued.ID, finished.ID)
		}
		return finished
	case <-time.After(waitTimeout):
		t.Fatalf("upload did not finish")
	}
	return domain.UploadLog{}
}

func (h uploadHarness) staged(t *testing.T) int {
	t.Helper()
	infos, err := h.blobs.List(context.Background(), blob.UploadPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(infos)
}

func TestUploadWorkerIngestsBatch(t *testing.T) {
	h := newUploadHarness(t)
	log := h.submit(t, batchCSV(20, qualitative))
	if log.Status != domain.UploadSuccess || log.FileID == nil || log.RowCount != 20 || log.FinishedAt == nil {
		t.Fatalf("unexpected upload log %+v", log)
	}
	last := log.Results[len(log.Results)-1]
	if last.Type != domain.UploadResultSuccess {
		t.Fatalf("expected success result last, got %+v", log.Results)
	}
	for _, r := range log.Results[:len(log.Results)-1] {
		if r.Type != domain.UploadResultWarning {
			t.Fatalf("expected novelty warnings before success, got %+v", r)
		}
	}
	if err := h.store.View(context.Background(), func(view domain.TransactionView) error {
		f, ok := view.FindFile(*log.FileID)
		if !ok || !f.Active || f.Class != domain.ClassGN || !strings.HasPrefix(f.BlobKey, blob.UploadPrefix) {
			t.Fatalf("unexpected file %+v", f)
		}
		if n := len(view.ListReports(domain.ClassGN)); n != 20 {
			t.Fatalf("expected 20 reports, got %d", n)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if h.staged(t) != 1 {
		t.Fatalf("expected staged CSV kept for the file")
	}
	if h.worker.Pending(log.ID) {
		t.Fatalf("expected finished job to leave the job map")
	}
}

func TestUploadWorkerRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		stage   string
	}{
		{"too few rows", batchCSV(3, qualitative), upload.StageAmount},
		{"empty payload", "", StageFormat},
		{"ambiguous test type", batchCSV(20, func(i int) string {
			if i < 10 {
				return "+"
			}
			return "S"
		}), StageIngestion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newUploadHarness(t)
			log := h.submit(t, tc.payload)
			if log.Status != domain.UploadFailed || log.FileID != nil {
				t.Fatalf("expected failed log without file, got %+v", log)
			}
			if len(log.Results) == 0 || log.Results[0].Type != domain.UploadResultFailure || log.Results[0].Stage != tc.stage {
				t.Fatalf("expected failure at stage %s, got %+v", tc.stage, log.Results)
			}
			if h.staged(t) != 0 {
				t.Fatalf("expected staged CSV discarded")
			}
			if err := h.store.View(context.Background(), func(view domain.TransactionView) error {
				if len(view.ListFiles("")) != 0 || len(view.ListReports("")) != 0 {
					t.Fatalf("expected no files or reports after rejection")
				}
				return nil
			}); err != nil {
				t.Fatalf("view: %v", err)
			}
		})
	}
}

func TestUploadSubmitRejectsUnknownClass(t *testing.T) {
	h := newUploadHarness(t)
	if _, err := h.worker.Submit(context.Background(), "x.csv", "XX", []byte("a")); err == nil {
		t.Fatalf("expected class error")
	}
	if h.staged(t) != 0 {
		t.Fatalf("expected nothing staged")
	}
}

func TestUploadFailInterrupted(t *testing.T) {
	store := seededStore(t)
	worker := NewUploadWorker(store, memblob.New(), upload.NewValidator(1), upload.NewTransformer(store, upload.DefaultSplitConfig()))
	ctx := context.Background()
	var stale domain.UploadLog
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		stale, err = tx.CreateUploadLog(domain.UploadLog{Filename: "old.csv", Class: domain.ClassGP, StartedAt: time.Now().UTC(), Status: domain.UploadPending})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := worker.FailInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one interrupted upload, got %d (%v)", n, err)
	}
	_ = store.View(ctx, func(view domain.TransactionView) error {
		l, _ := view.FindUploadLog(stale.ID)
		if l.Status != domain.UploadFailed || l.FinishedAt == nil {
			t.Fatalf("expected failed log, got %+v", l)
		}
		return nil
	})
}

// fakeRetrainer blocks until released or cancelled and publishes a model
// group covering the table's files on success.
type fakeRetrainer struct {
	store   *memory.Store
	started chan struct{}
	release chan error
}

func newFakeRetrainer(store *memory.Store) *fakeRetrainer {
	return &fakeRetrainer{store: store, started: make(chan struct{}, 4), release: make(chan error, 4)}
}

func (f *fakeRetrainer) Retrain(ctx context.Context, class domain.InstrumentClass, table *dataset.Table, token *training.CancelToken) (domain.ModelGroup, error) {
	f.started <- struct{}{}
	for {
		select {
		case err := <-f.release:
			if err != nil {
				return domain.ModelGroup{}, err
			}
			var group domain.ModelGroup
			_, err = f.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				var err error
				group, err = tx.CreateModelGroup(domain.ModelGroup{Class: class, Version: 1, FileIDs: table.FileIDs()})
				return err
			})
			return group, err
		case <-ctx.Done():
			return domain.ModelGroup{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			if token.Cancelled() {
				return domain.ModelGroup{}, training.ErrCancelled
			}
		}
	}
}

type retrainHarness struct {
	store  *memory.Store
	fake   *fakeRetrainer
	worker *RetrainWorker
	done   chan domain.RetrainingLog

	mu    sync.Mutex
	hooks []domain.ModelGroup
}

func newRetrainHarness(t *testing.T, withData bool) *retrainHarness {
	t.Helper()
	store := seededStore(t)
	if withData {
		var fileID int64
		if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			f, err := tx.CreateFile(domain.File{Name: "b.csv", Class: domain.ClassGN, Active: true})
			fileID = f.ID
			return err
		}); err != nil {
			t.Fatalf("file: %v", err)
		}
		batch, err := upload.ReadBatch(strings.NewReader(batchCSV(20, qualitative)))
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if _, err := upload.NewTransformer(store, upload.DefaultSplitConfig()).TransformAndPersist(context.Background(), batch, fileID); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	h := &retrainHarness{store: store, fake: newFakeRetrainer(store), done: make(chan domain.RetrainingLog, 4)}
	h.worker = NewRetrainWorker(store, h.fake,
		WithRetrainTimeout(time.Minute),
		WithRetrainNotifier(func(l domain.RetrainingLog) { h.done <- l }),
		WithRetrainHook(func(_ context.Context, _ domain.InstrumentClass, g domain.ModelGroup) {
			h.mu.Lock()
			h.hooks = append(h.hooks, g)
			h.mu.Unlock()
		}))
	t.Cleanup(func() { _ = h.worker.Stop(context.Background()) })
	return h
}

func (h *retrainHarness) request(t *testing.T, want RetrainOutcome) domain.RetrainingLog {
	t.Helper()
	outcome, log, err := h.worker.Request(context.Background(), domain.ClassGN)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if outcome != want {
		t.Fatalf("expected outcome %s, got %s", want, outcome)
	}
	return log
}

func (h *retrainHarness) finished(t *testing.T) domain.RetrainingLog {
	t.Helper()
	select {
	case l := <-h.done:
		return l
	case <-time.After(waitTimeout):
		t.Fatalf("retraining did not finish")
	}
	return domain.RetrainingLog{}
}

func (h *retrainHarness) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-h.fake.started:
	case <-time.After(waitTimeout):
		t.Fatalf("retraining did not start")
	}
}

func TestRetrainRequestWithoutDataHasNothingToDo(t *testing.T) {
	h := newRetrainHarness(t, false)
	h.request(t, OutcomeNoNewData)
}

func TestRetrainLifecycle(t *testing.T) {
	h := newRetrainHarness(t, true)
	accepted := h.request(t, OutcomeAccepted)
	if accepted.Status != domain.RetrainingTraining || len(accepted.FileIDs) != 1 {
		t.Fatalf("unexpected accepted log %+v", accepted)
	}
	h.awaitStart(t)
	running := h.request(t, OutcomeAlreadyRunning)
	if running.ID != accepted.ID {
		t.Fatalf("expected running log %d, got %d", accepted.ID, running.ID)
	}

	h.fake.release <- nil
	done := h.finished(t)
	if done.Status != domain.RetrainingSuccess || done.ModelGroupID == nil || done.FinishedAt == nil {
		t.Fatalf("unexpected finished log %+v", done)
	}
	h.mu.Lock()
	hooks := len(h.hooks)
	h.mu.Unlock()
	if hooks != 1 {
		t.Fatalf("expected success hook once, got %d", hooks)
	}
	h.request(t, OutcomeNoNewData)

	if _, err := h.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateUploadLog(domain.UploadLog{Filename: "next.csv", Class: domain.ClassGN, Status: domain.UploadPending})
		return err
	}); err != nil {
		t.Fatalf("pending upload: %v", err)
	}
	h.request(t, OutcomeAlreadyPendingUpload)
}

type refreshingStore struct {
	*memory.Store
	shared *memory.Store
	calls  int
}

func (s *refreshingStore) Refresh(context.Context) error {
	s.calls++
	s.ImportState(s.shared.ExportState())
	return nil
}

func TestRetrainRequestRefreshesBeforeGuards(t *testing.T) {
	h := newRetrainHarness(t, true)
	ctx := context.Background()
	shared := memory.NewStore(nil)
	shared.ImportState(h.store.ExportState())
	if _, err := shared.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateUploadLog(domain.UploadLog{Filename: "other.csv", Class: domain.ClassGN, Status: domain.UploadPending})
		return err
	}); err != nil {
		t.Fatalf("pending upload: %v", err)
	}
	store := &refreshingStore{Store: h.store, shared: shared}
	worker := NewRetrainWorker(store, h.fake)
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })

	outcome, _, err := worker.Request(ctx, domain.ClassGN)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if outcome != OutcomeAlreadyPendingUpload {
		t.Fatalf("expected %s after refresh, got %s", OutcomeAlreadyPendingUpload, outcome)
	}
	if store.calls != 1 {
		t.Fatalf("expected one refresh, got %d", store.calls)
	}
}

func TestRetrainCancel(t *testing.T) {
	h := newRetrainHarness(t, true)
	ctx := context.Background()
	log := h.request(t, OutcomeAccepted)
	h.awaitStart(t)
	if err := h.worker.Cancel(ctx, log.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	done := h.finished(t)
	if done.Status != domain.RetrainingCancelled || done.ModelGroupID != nil {
		t.Fatalf("expected cancelled log, got %+v", done)
	}
	if err := h.worker.Cancel(ctx, log.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	var notFound domain.ErrNotFound
	if err := h.worker.Cancel(ctx, 404); !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h.request(t, OutcomeAccepted)
}

func TestRetrainFailureIsRecorded(t *testing.T) {
	h := newRetrainHarness(t, true)
	h.request(t, OutcomeAccepted)
	h.awaitStart(t)
	h.fake.release <- &training.TrainingError{Drug: "amoxicillin", Err: errors.New("fit: boom")}
	done := h.finished(t)
	if done.Status != domain.RetrainingFailed || !strings.Contains(done.Error, "boom") {
		t.Fatalf("expected failed log, got %+v", done)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hooks) != 0 {
		t.Fatalf("expected no success hook on failure")
	}
}

func TestRetrainFailInterrupted(t *testing.T) {
	h := newRetrainHarness(t, false)
	ctx := context.Background()
	if _, err := h.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateRetrainingLog(domain.RetrainingLog{Class: domain.ClassGP, Status: domain.RetrainingCanceling, StartedAt: time.Now().UTC()})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := h.worker.FailInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one interrupted run, got %d (%v)", n, err)
	}
	_ = h.store.View(ctx, func(view domain.TransactionView) error {
		for _, l := range view.ListRetrainingLogs(domain.ClassGP) {
			if l.Status != domain.RetrainingFailed || l.Error == "" {
				t.Fatalf("expected failed log, got %+v", l)
			}
		}
		return nil
	})
}

type recordingRequester struct {
	mu      sync.Mutex
	classes []domain.InstrumentClass
}

func (r *recordingRequester) Request(_ context.Context, class domain.InstrumentClass) (RetrainOutcome, domain.RetrainingLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, class)
	if class == domain.ClassGP {
		return "", domain.RetrainingLog{}, errors.New("store offline")
	}
	return OutcomeNoNewData, domain.RetrainingLog{}, nil
}

func TestScheduler(t *testing.T) {
	if _, err := NewScheduler("", &recordingRequester{}, nil); err == nil {
		t.Fatalf("expected empty schedule error")
	}
	if _, err := NewScheduler("every tuesday", &recordingRequester{}, nil); err == nil {
		t.Fatalf("expected parse error")
	}
	req := &recordingRequester{}
	s, err := NewScheduler("@daily", req, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	got := s.Tick(context.Background())
	if len(got) != 1 || got[domain.ClassGN] != OutcomeNoNewData {
		t.Fatalf("unexpected tick outcomes %v", got)
	}
	if len(req.classes) != 2 {
		t.Fatalf("expected both classes requested, got %v", req.classes)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
