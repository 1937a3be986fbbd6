// Package training fits one classifier per answer drug, compares each with
// the deployed classifier and publishes the result as a new model group.
package training

import (
	"amrcore/internal/blob"
	"amrcore/internal/dataset"
	"amrcore/internal/ml"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// ErrCancelled is returned when a run stops on its cancellation token.
var ErrCancelled = errors.New("retraining cancelled")

// TrainingError aborts a run. Drug is empty for failures outside the
// per-drug loop.
type TrainingError struct {
	Drug string
	Err  error
}

func (e *TrainingError) Error() string {
	if e.Drug == "" {
		return fmt.Sprintf("training: %v", e.Err)
	}
	return fmt.Sprintf("training %s: %v", e.Drug, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// CancelToken is flipped by a cancel request and polled by a running retrain.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel requests cancellation.
func (t *CancelToken) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel was called. A nil token never cancels.
func (t *CancelToken) Cancelled() bool { return t != nil && t.cancelled.Load() }

// Logger is the logging surface used by retraining.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Observer receives the evaluation of every fitted classifier.
type Observer interface {
	ClassifierTrained(class domain.InstrumentClass, drug string, metrics domain.Metrics, performance domain.Performance)
}

// Artifact is the serialized form of one classifier.
type Artifact struct {
	Class   domain.InstrumentClass `json:"class"`
	Version int                    `json:"version"`
	Drug    string                 `json:"drug"`
	Schema  []string               `json:"schema"`
	Model   *ml.GBDT               `json:"model"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCatalog sets the per-drug model settings.
func WithCatalog(c *Catalog) Option { return func(o *Orchestrator) { o.catalog = c } }

// WithBinningMinCount sets the sample-site frequency below which values bin to other.
func WithBinningMinCount(n int) Option { return func(o *Orchestrator) { o.minCount = n } }

// WithThreshold sets the decision threshold used for evaluation.
func WithThreshold(t float64) Option { return func(o *Orchestrator) { o.threshold = t } }

// WithLogger routes run progress to l.
func WithLogger(l Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithObserver registers a per-classifier observer.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// WithPublishedHook calls fn once a run's model group is published, before
// the final cancellation check and promotion.
func WithPublishedHook(fn func(domain.ModelGroup)) Option {
	return func(o *Orchestrator) { o.published = fn }
}

// DefaultBinningMinCount is the sample-site frequency cutoff.
const DefaultBinningMinCount = 10

// OtherSampleSite replaces binned-out sample sites.
const OtherSampleSite = "other"

// Orchestrator runs retraining against a store and an artifact store.
type Orchestrator struct {
	store     domain.PersistentStore
	blobs     blob.Store
	catalog   *Catalog
	minCount  int
	threshold float64
	logger    Logger
	observer  Observer
	published func(domain.ModelGroup)
}

// NewOrchestrator returns an orchestrator with default settings overridden by opts.
func NewOrchestrator(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		blobs:     blobs,
		catalog:   DefaultCatalog(),
		minCount:  DefaultBinningMinCount,
		threshold: ml.Threshold,
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type trained struct {
	drug       string
	drugID     int64
	classifier domain.Classifier
	encoder    *ml.Encoder
	model      *ml.GBDT
}

type deployment struct {
	group    domain.ModelGroup
	previous map[int64]domain.Classifier
	version  int
}

// Retrain fits every answer drug of table, publishes the new model group and
// promotes improved drugs into the deployed group. It returns the published
// group, ErrCancelled when token fires, or a *TrainingError.
func (o *Orchestrator) Retrain(ctx context.Context, class domain.InstrumentClass, table *dataset.Table, token *CancelToken) (domain.ModelGroup, error) {
	if table == nil || table.Class != class {
		return domain.ModelGroup{}, &TrainingError{Err: fmt.Errorf("table does not belong to class %s", class)}
	}
	if len(table.Rows) == 0 {
		return domain.ModelGroup{}, &TrainingError{Err: errors.New("no reports in active files")}
	}
	started := time.Now()
	dep, err := o.deployment(ctx, class)
	if err != nil {
		return domain.ModelGroup{}, &TrainingError{Err: err}
	}
	features := newFeatureSet(table, o.minCount)
	o.logger.Info("retraining started", "class", class, "version", dep.version, "reports", len(table.Rows), "drugs", len(table.AnswerColumns))

	var (
		models []trained
		keys   []string
	)
	for _, drug := range table.AnswerColumns {
		if err := ctx.Err(); err != nil {
			o.discard(ctx, keys)
			return domain.ModelGroup{}, &TrainingError{Drug: drug, Err: err}
		}
		t, ok, err := o.trainDrug(ctx, class, dep, features, drug)
		if err != nil {
			o.discard(ctx, keys)
			return domain.ModelGroup{}, &TrainingError{Drug: drug, Err: err}
		}
		if ok {
			models = append(models, t)
			keys = append(keys, t.classifier.ArtifactKey)
		}
		if token.Cancelled() {
			o.discard(ctx, keys)
			return domain.ModelGroup{}, ErrCancelled
		}
	}
	if len(models) == 0 {
		return domain.ModelGroup{}, &TrainingError{Err: errors.New("no answer drug has training rows")}
	}

	caseMetrics, err := o.caseScore(features, models)
	if err != nil {
		o.discard(ctx, keys)
		return domain.ModelGroup{}, &TrainingError{Err: err}
	}
	group, err := o.publish(ctx, class, dep.version, table, features.vocabulary, caseMetrics, models)
	if err != nil {
		o.discard(ctx, keys)
		return domain.ModelGroup{}, &TrainingError{Err: err}
	}
	if o.published != nil {
		o.published(group)
	}
	if token.Cancelled() {
		if err := o.unpublish(ctx, group); err != nil {
			o.logger.Warn("remove cancelled model group", "class", class, "group_id", group.ID, "error", err)
		}
		o.discard(ctx, keys)
		return domain.ModelGroup{}, ErrCancelled
	}
	if err := o.promote(ctx, class, group, models); err != nil {
		return group, &TrainingError{Err: err}
	}
	o.logger.Info("retraining finished", "class", class, "version", group.Version, "classifiers", len(models),
		"case_f1", caseMetrics.F1, "elapsed", time.Since(started).String())
	return group, nil
}

func (o *Orchestrator) deployment(ctx context.Context, class domain.InstrumentClass) (deployment, error) {
	dep := deployment{previous: make(map[int64]domain.Classifier)}
	err := o.store.View(ctx, func(view domain.TransactionView) error {
		latest := 0
		for _, g := range view.ListModelGroups(class) {
			if g.Version > latest {
				latest = g.Version
			}
		}
		dep.version = latest + 1
		dep.group, _ = view.DeployedModelGroup(class)
		for drugID, classifierID := range dep.group.Classifiers {
			c, ok := view.FindClassifier(classifierID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityClassifier, ID: classifierID}
			}
			dep.previous[drugID] = c
		}
		return nil
	})
	return dep, err
}

func (o *Orchestrator) trainDrug(ctx context.Context, class domain.InstrumentClass, dep deployment, fs *featureSet, drug string) (trained, bool, error) {
	drugID, ok := fs.table.AnswerDrugID(drug)
	if !ok {
		return trained{}, false, errors.New("unknown answer drug")
	}
	trainRows, testRows := fs.table.DrugSplit(drug)
	if len(trainRows) == 0 {
		o.logger.Warn("skipping drug without training rows", "class", class, "drug", drug)
		return trained{}, false, nil
	}
	cfg, err := o.catalog.Config(class, drug)
	if err != nil {
		return trained{}, false, err
	}
	sampler, err := ml.NewOversampler(cfg.Oversampler, cfg.OversamplerSeed)
	if err != nil {
		return trained{}, false, err
	}

	trainRecords := fs.records(trainRows)
	encoder := ml.FitEncoder(trainRecords)
	X, y, err := sampler.Resample(encoder.EncodeAll(trainRecords), labels(trainRows, drug))
	if err != nil {
		return trained{}, false, fmt.Errorf("oversample: %w", err)
	}
	model := ml.NewGBDT(cfg.Params)
	if err := model.Fit(X, y); err != nil {
		return trained{}, false, fmt.Errorf("fit: %w", err)
	}

	testRecords := fs.records(testRows)
	truth := answers(testRows, drug)
	metrics, err := ml.Evaluate(truth, model.PredictProbaAll(encoder.EncodeAll(testRecords)), o.threshold)
	if err != nil {
		return trained{}, false, err
	}
	performance := domain.PerformanceBetter
	if prev, ok := dep.previous[drugID]; ok {
		current, err := o.loadArtifact(ctx, prev.ArtifactKey)
		if err != nil {
			return trained{}, false, fmt.Errorf("load deployed classifier: %w", err)
		}
		projected := ml.NewEncoder(prev.Schema).EncodeAll(testRecords)
		currentMetrics, err := ml.Evaluate(truth, current.Model.PredictProbaAll(projected), o.threshold)
		if err != nil {
			return trained{}, false, err
		}
		performance = compareF1(metrics.F1, currentMetrics.F1)
	}

	key := blob.ModelKey(class, dep.version, drug)
	artifact := Artifact{Class: class, Version: dep.version, Drug: drug, Schema: encoder.Columns(), Model: model}
	if err := o.putArtifact(ctx, key, artifact); err != nil {
		return trained{}, false, err
	}
	if o.observer != nil {
		o.observer.ClassifierTrained(class, drug, metrics, performance)
	}
	o.logger.Info("classifier trained", "class", class, "drug", drug, "train_rows", len(trainRows), "test_rows", len(testRows),
		"f1", metrics.F1, "performance", performance)
	return trained{
		drug:   drug,
		drugID: drugID,
		classifier: domain.Classifier{
			AntimicrobialID: drugID,
			Schema:          encoder.Columns(),
			ArtifactKey:     key,
			Performance:     performance,
			Metrics:         metrics,
		},
		encoder: encoder,
		model:   model,
	}, true, nil
}

func compareF1(candidate, current float64) domain.Performance {
	switch {
	case candidate > current:
		return domain.PerformanceBetter
	case candidate < current:
		return domain.PerformanceWorse
	default:
		return domain.PerformanceSame
	}
}

// putArtifact writes the artifact, replacing a leftover from an aborted run
// at the same key.
func (o *Orchestrator) putArtifact(ctx context.Context, key string, artifact Artifact) error {
	_, err := blob.PutJSON(ctx, o.blobs, key, artifact)
	if errors.Is(err, blob.ErrExists) {
		if _, err := o.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("replace %s: %w", key, err)
		}
		_, err = blob.PutJSON(ctx, o.blobs, key, artifact)
	}
	return err
}

func (o *Orchestrator) loadArtifact(ctx context.Context, key string) (Artifact, error) {
	return LoadArtifact(ctx, o.blobs, key)
}

// LoadArtifact reads one classifier artifact.
func LoadArtifact(ctx context.Context, store blob.Store, key string) (Artifact, error) {
	var artifact Artifact
	if err := blob.GetJSON(ctx, store, key, &artifact); err != nil {
		return Artifact{}, err
	}
	if artifact.Model == nil {
		return Artifact{}, fmt.Errorf("artifact %s has no model", key)
	}
	return artifact, nil
}

// caseScore scores the case-test reports over every trained drug at once.
func (o *Orchestrator) caseScore(fs *featureSet, models []trained) (domain.Metrics, error) {
	rows := fs.table.CaseTestRows()
	truth := make([][]bool, len(rows))
	predicted := make([][]bool, len(rows))
	for i, row := range rows {
		record := fs.record(row)
		truth[i] = make([]bool, len(models))
		predicted[i] = make([]bool, len(models))
		for j, m := range models {
			truth[i][j] = row.Answer(m.drug)
			predicted[i][j] = m.model.PredictProba(m.encoder.Encode(record)) >= o.threshold
		}
	}
	return ml.CaseScore(truth, predicted)
}

func (o *Orchestrator) publish(ctx context.Context, class domain.InstrumentClass, version int, table *dataset.Table,
	vocabulary []string, metrics domain.Metrics, models []trained) (domain.ModelGroup, error) {
	var group domain.ModelGroup
	_, err := o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, g := range tx.Snapshot().ListModelGroups(class) {
			if g.Version == version {
				return fmt.Errorf("model group version %d already exists for %s", version, class)
			}
		}
		classifiers := make(map[int64]int64, len(models))
		for i := range models {
			created, err := tx.CreateClassifier(models[i].classifier)
			if err != nil {
				return err
			}
			models[i].classifier = created
			classifiers[created.AntimicrobialID] = created.ID
		}
		created, err := tx.CreateModelGroup(domain.ModelGroup{
			Class:         class,
			Version:       version,
			Metrics:       metrics,
			Classifiers:   classifiers,
			FileIDs:       table.FileIDs(),
			SampleBinning: vocabulary,
		})
		if err != nil {
			return err
		}
		group = created
		return nil
	})
	if err != nil {
		return domain.ModelGroup{}, fmt.Errorf("publish model group: %w", err)
	}
	return group, nil
}

func (o *Orchestrator) unpublish(ctx context.Context, group domain.ModelGroup) error {
	_, err := o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.DeleteModelGroup(group.ID); err != nil {
			return err
		}
		for _, classifierID := range group.Classifiers {
			if err := tx.DeleteClassifier(classifierID); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// promote repoints the deployed group at every better classifier, or
// creates the deployed group from the published one on the first run.
func (o *Orchestrator) promote(ctx context.Context, class domain.InstrumentClass, group domain.ModelGroup, models []trained) error {
	_, err := o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		deployed, ok := tx.Snapshot().DeployedModelGroup(class)
		if !ok {
			classifiers := make(map[int64]int64, len(group.Classifiers))
			for drugID, classifierID := range group.Classifiers {
				classifiers[drugID] = classifierID
			}
			_, err := tx.CreateModelGroup(domain.ModelGroup{
				Class:         class,
				Version:       0,
				Metrics:       group.Metrics,
				Classifiers:   classifiers,
				FileIDs:       append([]int64(nil), group.FileIDs...),
				SampleBinning: append([]string(nil), group.SampleBinning...),
			})
			return err
		}
		_, err := tx.UpdateModelGroup(deployed.ID, func(g *domain.ModelGroup) error {
			if g.Classifiers == nil {
				g.Classifiers = make(map[int64]int64)
			}
			for _, m := range models {
				if m.classifier.Performance == domain.PerformanceBetter {
					g.Classifiers[m.drugID] = m.classifier.ID
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	return nil
}

// discard removes artifacts written by an aborted run.
func (o *Orchestrator) discard(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if _, err := blob.DeleteKeys(context.WithoutCancel(ctx), o.blobs, keys); err != nil {
		o.logger.Warn("discard artifacts", "keys", len(keys), "error", err)
	}
}

// CollectOrphans deletes artifacts under the model prefix that no classifier
// references and returns the removed keys. It must not run while a retrain
// is writing artifacts.
func (o *Orchestrator) CollectOrphans(ctx context.Context) ([]string, error) {
	referenced := make(map[string]struct{})
	if err := o.store.View(ctx, func(view domain.TransactionView) error {
		for _, c := range view.ListClassifiers() {
			referenced[c.ArtifactKey] = struct{}{}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	infos, err := o.blobs.List(ctx, blob.ModelPrefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var orphans []string
	for _, info := range infos {
		if _, ok := referenced[info.Key]; !ok {
			orphans = append(orphans, info.Key)
		}
	}
	sort.Strings(orphans)
	if _, err := blob.DeleteKeys(ctx, o.blobs, orphans); err != nil {
		return orphans, err
	}
	return orphans, nil
}

func labels(rows []dataset.Row, drug string) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if row.Answer(drug) {
			out[i] = 1
		}
	}
	return out
}

func answers(rows []dataset.Row, drug string) []bool {
	out := make([]bool, len(rows))
	for i, row := range rows {
		out[i] = row.Answer(drug)
	}
	return out
}
