package training

import (
	"amrcore/internal/blob"
	"amrcore/internal/dataset"
	memblob "amrcore/internal/infra/blob/memory"
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/lookup"
	"amrcore/internal/ml"
	"amrcore/internal/upload"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var trainingHeader = []string{
	upload.ColumnHN, upload.ColumnSubmitted, upload.ColumnIssued, upload.ColumnSpecies,
	upload.ColumnGenus, upload.ColumnSampleSite, upload.ColumnClass,
	"S/I/R_oxacillin", "ans_amoxicillin", "ans_doxycycline",
}

// trainingCSV encodes two learnable answers: amoxicillin follows the
// oxacillin result and doxycycline follows the genus.
func trainingCSV(rows int) string {
	var b strings.Builder
	b.WriteString(strings.Join(trainingHeader, ",") + "\n")
	for i := 0; i < rows; i++ {
		species, symbol := "dog", "S"
		if i%2 == 1 {
			species, symbol = "cat", "R"
		}
		genus := "Staphylococcus pseudintermedius"
		if i%3 == 0 {
			genus = "Streptococcus canis"
		}
		site := "Ear"
		if i%4 == 1 {
			site = "Skin"
		}
		if i == 5 {
			site = "Nasal swab"
		}
		cells := []string{
			fmt.Sprintf("HN%04d", i), "2023-03-01", "2023-03-04", species, genus, site, "GP",
			symbol, fmt.Sprint(i%2 == 0), fmt.Sprint(i%3 == 0),
		}
		b.WriteString(strings.Join(cells, ",") + "\n")
	}
	return b.String()
}

type fixture struct {
	store  *memory.Store
	blobs  *memblob.Store
	fileID int64
}

func newFixture(t *testing.T, rows int) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(nil)
	var fileID int64
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := lookup.Seed(tx, lookup.DefaultSpecies); err != nil {
			return err
		}
		f, err := tx.CreateFile(domain.File{Name: "reports.csv", Class: domain.ClassGP, Active: true, RowCount: rows})
		fileID = f.ID
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	batch, err := upload.ReadBatch(strings.NewReader(trainingCSV(rows)))
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if _, err := upload.NewTransformer(store, upload.DefaultSplitConfig()).TransformAndPersist(ctx, batch, fileID); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return fixture{store: store, blobs: memblob.New(), fileID: fileID}
}

func (f fixture) table(t *testing.T) *dataset.Table {
	t.Helper()
	table, err := dataset.NewAssembler(f.store).Build(context.Background(), domain.ClassGP)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return table
}

type recordingObserver struct {
	drugs []string
}

func (r *recordingObserver) ClassifierTrained(_ domain.InstrumentClass, drug string, _ domain.Metrics, _ domain.Performance) {
	r.drugs = append(r.drugs, drug)
}

func deployedPointers(t *testing.T, store *memory.Store) domain.ModelGroup {
	t.Helper()
	var group domain.ModelGroup
	if err := store.View(context.Background(), func(view domain.TransactionView) error {
		g, ok := view.DeployedModelGroup(domain.ClassGP)
		if !ok {
			return errors.New("no deployed group")
		}
		group = g
		return nil
	}); err != nil {
		t.Fatalf("deployed group: %v", err)
	}
	return group
}

func TestRetrainBootstrapsDeployedGroup(t *testing.T) {
	f := newFixture(t, 120)
	obs := &recordingObserver{}
	o := NewOrchestrator(f.store, f.blobs, WithObserver(obs))
	ctx := context.Background()

	group, err := o.Retrain(ctx, domain.ClassGP, f.table(t), NewCancelToken())
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if group.Version != 1 || len(group.Classifiers) != 2 {
		t.Fatalf("unexpected published group %+v", group)
	}
	if len(group.FileIDs) != 1 || group.FileIDs[0] != f.fileID {
		t.Fatalf("expected contributing file ids [%d], got %v", f.fileID, group.FileIDs)
	}
	if strings.Join(group.SampleBinning, ",") != "ear,other,skin" {
		t.Fatalf("expected rare sample site binned to other, got %v", group.SampleBinning)
	}
	if group.Metrics.F1 < 0.9 {
		t.Fatalf("expected learnable answers to score on test-by-case, got %+v", group.Metrics)
	}
	if strings.Join(obs.drugs, ",") != "amoxicillin,doxycycline" {
		t.Fatalf("expected observer per drug, got %v", obs.drugs)
	}

	deployed := deployedPointers(t, f.store)
	if deployed.ID == group.ID || len(deployed.Classifiers) != 2 {
		t.Fatalf("expected separate version-0 copy, got %+v", deployed)
	}
	for drugID, classifierID := range group.Classifiers {
		if deployed.Classifiers[drugID] != classifierID {
			t.Fatalf("expected deployed pointer for drug %d to be %d", drugID, classifierID)
		}
	}
	if err := f.store.View(ctx, func(view domain.TransactionView) error {
		for _, c := range view.ListClassifiers() {
			if c.Performance != domain.PerformanceBetter {
				t.Fatalf("expected bootstrap classifiers tagged better, got %s", c.Performance)
			}
			if len(c.Schema) == 0 || !strings.HasPrefix(c.ArtifactKey, "models/GP/version_1/") {
				t.Fatalf("unexpected classifier %+v", c)
			}
			artifact, err := LoadArtifact(ctx, f.blobs, c.ArtifactKey)
			if err != nil {
				return err
			}
			if artifact.Model.NumFeatures != len(c.Schema) {
				t.Fatalf("artifact width %d does not match schema %d", artifact.Model.NumFeatures, len(c.Schema))
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("inspect classifiers: %v", err)
	}
}

func TestRetrainPromotesOnlyBetterDrugs(t *testing.T) {
	f := newFixture(t, 120)
	o := NewOrchestrator(f.store, f.blobs)
	ctx := context.Background()
	first, err := o.Retrain(ctx, domain.ClassGP, f.table(t), nil)
	if err != nil {
		t.Fatalf("first retrain: %v", err)
	}

	// Replace the deployed amoxicillin model with one that never recommends.
	table := f.table(t)
	amoxID, _ := table.AnswerDrugID("amoxicillin")
	doxyID, _ := table.AnswerDrugID("doxycycline")
	key := blob.ModelKey(domain.ClassGP, 1, "amoxicillin")
	stale, err := LoadArtifact(ctx, f.blobs, key)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	stale.Model = &ml.GBDT{Params: ml.DefaultParams(), NumFeatures: len(stale.Schema), BaseMargin: -5}
	if _, err := f.blobs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := blob.PutJSON(ctx, f.blobs, key, stale); err != nil {
		t.Fatalf("put: %v", err)
	}

	second, err := o.Retrain(ctx, domain.ClassGP, table, NewCancelToken())
	if err != nil {
		t.Fatalf("second retrain: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	deployed := deployedPointers(t, f.store)
	if deployed.Classifiers[amoxID] != second.Classifiers[amoxID] {
		t.Fatalf("expected amoxicillin promoted to version 2")
	}
	if deployed.Classifiers[doxyID] != first.Classifiers[doxyID] {
		t.Fatalf("expected doxycycline to stay on version 1")
	}
	if err := f.store.View(ctx, func(view domain.TransactionView) error {
		amox, _ := view.FindClassifier(second.Classifiers[amoxID])
		doxy, _ := view.FindClassifier(second.Classifiers[doxyID])
		if amox.Performance != domain.PerformanceBetter || doxy.Performance != domain.PerformanceSame {
			t.Fatalf("unexpected performance tags %s %s", amox.Performance, doxy.Performance)
		}
		if len(view.ListModelGroups(domain.ClassGP)) != 3 {
			t.Fatalf("expected versions 0, 1 and 2")
		}
		return nil
	}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestRetrainCancelledLeavesNoTrace(t *testing.T) {
	f := newFixture(t, 120)
	o := NewOrchestrator(f.store, f.blobs)
	ctx := context.Background()
	token := NewCancelToken()
	token.Cancel()

	_, err := o.Retrain(ctx, domain.ClassGP, f.table(t), token)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	infos, err := f.blobs.List(ctx, blob.ModelPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected artifacts discarded, got %d", len(infos))
	}
	if err := f.store.View(ctx, func(view domain.TransactionView) error {
		if len(view.ListModelGroups(domain.ClassGP)) != 0 || len(view.ListClassifiers()) != 0 {
			t.Fatalf("expected no groups or classifiers after cancel")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRetrainCancelledAfterPublishUnpublishes(t *testing.T) {
	f := newFixture(t, 120)
	ctx := context.Background()
	if _, err := NewOrchestrator(f.store, f.blobs).Retrain(ctx, domain.ClassGP, f.table(t), nil); err != nil {
		t.Fatalf("first retrain: %v", err)
	}
	before := deployedPointers(t, f.store)
	artifacts, err := f.blobs.List(ctx, blob.ModelPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	token := NewCancelToken()
	var published domain.ModelGroup
	o := NewOrchestrator(f.store, f.blobs, WithPublishedHook(func(g domain.ModelGroup) {
		published = g
		token.Cancel()
	}))
	if _, err := o.Retrain(ctx, domain.ClassGP, f.table(t), token); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if published.Version != 2 {
		t.Fatalf("expected version 2 published before cancel, got %+v", published)
	}

	after := deployedPointers(t, f.store)
	if len(after.Classifiers) != len(before.Classifiers) {
		t.Fatalf("deployed pointers changed: %v -> %v", before.Classifiers, after.Classifiers)
	}
	for drugID, id := range before.Classifiers {
		if after.Classifiers[drugID] != id {
			t.Fatalf("deployed pointer for drug %d moved from %d to %d", drugID, id, after.Classifiers[drugID])
		}
	}
	if err := f.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindModelGroup(published.ID); ok {
			t.Fatalf("expected cancelled group %d removed", published.ID)
		}
		for _, id := range published.Classifiers {
			if _, ok := view.FindClassifier(id); ok {
				t.Fatalf("expected classifier %d of the cancelled group removed", id)
			}
		}
		if n := len(view.ListModelGroups(domain.ClassGP)); n != 2 {
			t.Fatalf("expected only versions 0 and 1, got %d groups", n)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	remaining, err := f.blobs.List(ctx, blob.ModelPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != len(artifacts) {
		t.Fatalf("expected cancelled artifacts discarded, had %d now %d", len(artifacts), len(remaining))
	}
}

func TestUnpublishRemovesGroupAndClassifiers(t *testing.T) {
	f := newFixture(t, 120)
	o := NewOrchestrator(f.store, f.blobs)
	ctx := context.Background()
	group, err := o.Retrain(ctx, domain.ClassGP, f.table(t), nil)
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	deployed := deployedPointers(t, f.store)
	if _, err := f.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteModelGroup(deployed.ID)
	}); err != nil {
		t.Fatalf("drop deployed: %v", err)
	}
	if err := o.unpublish(ctx, group); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if err := f.store.View(ctx, func(view domain.TransactionView) error {
		if len(view.ListClassifiers()) != 0 {
			t.Fatalf("expected classifiers removed")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRetrainFailures(t *testing.T) {
	f := newFixture(t, 120)
	ctx := context.Background()
	o := NewOrchestrator(f.store, f.blobs)
	var terr *TrainingError

	if _, err := o.Retrain(ctx, domain.ClassGN, f.table(t), nil); !errors.As(err, &terr) {
		t.Fatalf("expected TrainingError for a foreign table, got %v", err)
	}
	if _, err := o.Retrain(ctx, domain.ClassGP, &dataset.Table{Class: domain.ClassGP}, nil); !errors.As(err, &terr) {
		t.Fatalf("expected TrainingError for an empty table, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := o.Retrain(cancelled, domain.ClassGP, f.table(t), nil)
	if !errors.As(err, &terr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected TrainingError wrapping context.Canceled, got %v", err)
	}
}

func TestCollectOrphans(t *testing.T) {
	f := newFixture(t, 120)
	o := NewOrchestrator(f.store, f.blobs)
	ctx := context.Background()
	if _, err := o.Retrain(ctx, domain.ClassGP, f.table(t), nil); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	orphan := blob.ModelKey(domain.ClassGP, 7, "amoxicillin")
	if _, err := blob.PutJSON(ctx, f.blobs, orphan, map[string]string{"left": "over"}); err != nil {
		t.Fatalf("put orphan: %v", err)
	}
	removed, err := o.CollectOrphans(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(removed) != 1 || removed[0] != orphan {
		t.Fatalf("expected only the orphan removed, got %v", removed)
	}
	infos, err := f.blobs.List(ctx, blob.ModelPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected referenced artifacts kept, got %d", len(infos))
	}
}

func TestParseCatalogOverlaysDefaults(t *testing.T) {
	c, err := ParseCatalog([]byte(`
defaults:
  params:
    n_estimators: 50
drugs:
  gp:
    Doxycycline:
      params:
        max_depth: 3
      oversampler: ADASYN
      oversampler_seed: 7
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := c.Config(domain.ClassGP, "doxycycline")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Params.NEstimators != 50 || cfg.Params.MaxDepth != 3 || cfg.Params.LearningRate != 0.3 {
		t.Fatalf("expected overlay on defaults, got %+v", cfg.Params)
	}
	if cfg.Oversampler != ml.KindADASYN || cfg.OversamplerSeed != 7 {
		t.Fatalf("unexpected oversampler %q/%d", cfg.Oversampler, cfg.OversamplerSeed)
	}
	other, err := c.Config(domain.ClassGP, "amikacin")
	if err != nil || other.Params.NEstimators != 50 || other.Params.MaxDepth != 6 || other.Oversampler != ml.KindSMOTE {
		t.Fatalf("expected defaults for unlisted drug, got %+v (%v)", other, err)
	}
	if got := c.Drugs(domain.ClassGP); len(got) != 1 || got[0] != "doxycycline" {
		t.Fatalf("unexpected drugs %v", got)
	}
}

func TestParseCatalogRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"unknown class":       "drugs:\n  XX:\n    amikacin: {}\n",
		"unknown oversampler": "drugs:\n  GN:\n    amikacin:\n      oversampler: TOMEK\n",
		"bad params":          "defaults:\n  params:\n    subsample: 2\n",
		"malformed":           "drugs: [",
	}
	for name, doc := range cases {
		if _, err := ParseCatalog([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil || c.Defaults().Oversampler != ml.KindSMOTE {
		t.Fatalf("expected default catalog, got %+v (%v)", c, err)
	}
	c, err = LoadCatalog("../../configs/model_catalog.yaml")
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	cfg, err := c.Config(domain.ClassGN, "amikacin")
	if err != nil || cfg.Params.MaxDepth != 4 || cfg.Oversampler != ml.KindBorderlineSMOTE {
		t.Fatalf("unexpected amikacin config %+v (%v)", cfg, err)
	}
	if _, err := LoadCatalog("missing.yaml"); err == nil {
		t.Fatalf("expected missing file error")
	}
}
