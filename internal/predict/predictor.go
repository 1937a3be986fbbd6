// Package predict scores lab reports against the deployed classifiers of an
// instrument class. Each classifier keeps the one-hot schema and sample-site
// binning it was trained with; requests are encoded once against the union of
// all schemas and projected onto each classifier's own columns.
package predict

import (
	"amrcore/internal/blob"
	"amrcore/internal/dataset"
	"amrcore/internal/lookup"
	"amrcore/internal/ml"
	"amrcore/internal/training"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	// ReasonNotPredictable is returned for requests outside the supported classes.
	ReasonNotPredictable = "Not predictable."
	// DetailInvalidClass explains an unsupported instrument class.
	DetailInvalidClass = "vitek_id must have GN or GP only."
	// DetailNoModel explains a class that has not been trained yet.
	DetailNoModel = "no deployed model"
)

// ErrNoModel is returned when a class has no deployed model group.
var ErrNoModel = errors.New("no deployed model group")

const loadConcurrency = 4

// Fields are the raw report attributes of a prediction request. SIR maps a
// drug name, optionally prefixed with "S/I/R_", to its raw result.
type Fields struct {
	Species    string            `json:"species"`
	Genus      string            `json:"bact_genus"`
	SampleSite string            `json:"submitted_sample"`
	SIR        map[string]string `json:"sir"`
}

// Answer is one recommended antimicrobial.
type Answer struct {
	Drug        string          `json:"drug"`
	Probability float64         `json:"probability"`
	Percent     decimal.Decimal `json:"percent"`
}

// Prediction is the outcome of one request.
type Prediction struct {
	Predictable bool                   `json:"predictable"`
	Reason      string                 `json:"reason,omitempty"`
	Detail      string                 `json:"detail,omitempty"`
	Class       domain.InstrumentClass `json:"class,omitempty"`
	GroupID     int64                  `json:"model_group_id,omitempty"`
	Answers     []Answer               `json:"answers"`
}

type drugModel struct {
	drug         string
	drugID       int64
	classifierID int64
	schema       []string
	unionIndex   []int
	vocabulary   map[string]struct{}
	model        *ml.GBDT
}

// Snapshot is an immutable view of one class's deployed classifiers.
type Snapshot struct {
	Class    domain.InstrumentClass
	GroupID  int64
	LoadedAt time.Time

	species map[string]struct{}
	union   *ml.Encoder
	drugs   []drugModel
}

// Drugs lists the drugs the snapshot can score.
func (s *Snapshot) Drugs() []string {
	out := make([]string, len(s.drugs))
	for i, d := range s.drugs {
		out[i] = d.drug
	}
	return out
}

// UnionSchema returns the union of every classifier schema.
func (s *Snapshot) UnionSchema() []string { return s.union.Columns() }

// Predictor holds one swappable snapshot per class.
type Predictor struct {
	store     domain.PersistentStore
	blobs     blob.Store
	threshold float64
	norm      lookup.Normalizer
	snapshots map[domain.InstrumentClass]*atomic.Pointer[Snapshot]
}

// NewPredictor returns a predictor that loads snapshots lazily.
func NewPredictor(store domain.PersistentStore, blobs blob.Store, threshold float64) *Predictor {
	if threshold <= 0 || threshold >= 1 {
		threshold = ml.Threshold
	}
	p := &Predictor{
		store:     store,
		blobs:     blobs,
		threshold: threshold,
		snapshots: make(map[domain.InstrumentClass]*atomic.Pointer[Snapshot]),
	}
	for _, class := range domain.InstrumentClasses() {
		p.snapshots[class] = &atomic.Pointer[Snapshot]{}
	}
	return p
}

// Current returns the loaded snapshot of class, or nil.
func (p *Predictor) Current(class domain.InstrumentClass) *Snapshot {
	ptr, ok := p.snapshots[class]
	if !ok {
		return nil
	}
	return ptr.Load()
}

// Load builds a snapshot of the deployed group of class and swaps it in.
func (p *Predictor) Load(ctx context.Context, class domain.InstrumentClass) (*Snapshot, error) {
	ptr, ok := p.snapshots[class]
	if !ok {
		return nil, fmt.Errorf("unknown instrument class %q", class)
	}
	snap := &Snapshot{Class: class, species: make(map[string]struct{})}
	var keys []string
	err := p.store.View(ctx, func(view domain.TransactionView) error {
		group, ok := view.DeployedModelGroup(class)
		if !ok {
			return fmt.Errorf("%s: %w", class, ErrNoModel)
		}
		snap.GroupID = group.ID
		for _, entry := range view.ListLookups(domain.LookupSpecies, "") {
			snap.species[entry.Name] = struct{}{}
		}
		producers := view.ListModelGroups(class)
		for drugID, classifierID := range group.Classifiers {
			c, ok := view.FindClassifier(classifierID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityClassifier, ID: classifierID}
			}
			drug, ok := view.FindLookup(drugID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityLookup, ID: drugID}
			}
			snap.drugs = append(snap.drugs, drugModel{
				drug:         drug.Name,
				drugID:       drugID,
				classifierID: classifierID,
				schema:       c.Schema,
				vocabulary:   binningOf(producers, classifierID, group),
			})
			keys = append(keys, c.ArtifactKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i := range snap.drugs {
		g.Go(func() error {
			artifact, err := training.LoadArtifact(gctx, p.blobs, keys[i])
			if err != nil {
				return fmt.Errorf("load %s: %w", snap.drugs[i].drug, err)
			}
			snap.drugs[i].model = artifact.Model
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(snap.drugs, func(i, j int) bool { return snap.drugs[i].drug < snap.drugs[j].drug })
	seen := make(map[string]struct{})
	var columns []string
	for _, d := range snap.drugs {
		for _, c := range d.schema {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				columns = append(columns, c)
			}
		}
	}
	sort.Strings(columns)
	snap.union = ml.NewEncoder(columns)
	position := make(map[string]int, len(columns))
	for i, c := range columns {
		position[c] = i
	}
	for i := range snap.drugs {
		idx := make([]int, len(snap.drugs[i].schema))
		for j, c := range snap.drugs[i].schema {
			idx[j] = position[c]
		}
		snap.drugs[i].unionIndex = idx
	}
	snap.LoadedAt = time.Now()
	ptr.Store(snap)
	return snap, nil
}

// binningOf returns the sample-site vocabulary of the published group that
// produced classifierID, falling back to the deployed group's own.
func binningOf(groups []domain.ModelGroup, classifierID int64, deployed domain.ModelGroup) map[string]struct{} {
	binning := deployed.SampleBinning
	for _, g := range groups {
		if g.Deployed() {
			continue
		}
		if containsClassifier(g, classifierID) {
			binning = g.SampleBinning
			break
		}
	}
	out := make(map[string]struct{}, len(binning))
	for _, site := range binning {
		out[site] = struct{}{}
	}
	return out
}

func containsClassifier(g domain.ModelGroup, classifierID int64) bool {
	for _, id := range g.Classifiers {
		if id == classifierID {
			return true
		}
	}
	return false
}

// Predict scores fields against the deployed classifiers of rawClass. An
// unsupported class or a class without a deployed group is reported as not
// predictable rather than as an error.
func (p *Predictor) Predict(ctx context.Context, fields Fields, rawClass string) (Prediction, error) {
	class, ok := domain.ParseInstrumentClass(rawClass)
	if !ok {
		return Prediction{Predictable: false, Reason: ReasonNotPredictable, Detail: DetailInvalidClass}, nil
	}
	snap := p.Current(class)
	if snap == nil {
		var err error
		snap, err = p.Load(ctx, class)
		if errors.Is(err, ErrNoModel) {
			return Prediction{Predictable: false, Reason: ReasonNotPredictable, Detail: DetailNoModel, Class: class}, nil
		}
		if err != nil {
			return Prediction{}, err
		}
	}
	return p.score(snap, fields), nil
}

func (p *Predictor) score(snap *Snapshot, fields Fields) Prediction {
	species := p.norm.Species(fields.Species)
	if _, ok := snap.species[species]; !ok {
		species = lookup.OtherSpecies
	}
	genus := p.norm.Genus(fields.Genus)
	site := p.norm.SampleSite(fields.SampleSite)
	sir := make(map[string]string, len(fields.SIR))
	for drug, raw := range fields.SIR {
		name := p.norm.DrugName(strings.TrimPrefix(strings.TrimSpace(drug), dataset.FeatureSIRPrefix))
		if symbol := p.norm.SIRSymbol(raw); name != "" && symbol != "" {
			sir[name] = symbol
		}
	}

	out := Prediction{Predictable: true, Class: snap.Class, GroupID: snap.GroupID, Answers: []Answer{}}
	encoded := make(map[string][]float64, 2)
	for _, d := range snap.drugs {
		drugSite := site
		if _, ok := d.vocabulary[drugSite]; !ok {
			drugSite = training.OtherSampleSite
		}
		union, ok := encoded[drugSite]
		if !ok {
			union = snap.union.Encode(dataset.Features(species, genus, drugSite, sir, nil))
			encoded[drugSite] = union
		}
		x := make([]float64, len(d.unionIndex))
		for j, idx := range d.unionIndex {
			x[j] = union[idx]
		}
		prob := d.model.PredictProba(x)
		if prob < p.threshold {
			continue
		}
		out.Answers = append(out.Answers, Answer{Drug: DisplayName(d.drug), Probability: prob, Percent: Percent(prob)})
	}
	sort.SliceStable(out.Answers, func(i, j int) bool {
		return out.Answers[i].Probability > out.Answers[j].Probability
	})
	return out
}

// Percent converts a probability to a percentage rounded to two decimals.
func Percent(prob float64) decimal.Decimal {
	return decimal.NewFromFloat(prob).Shift(2).Round(2)
}

// DisplayName restores the slash in combination drug names.
func DisplayName(drug string) string { return strings.ReplaceAll(drug, "_", "/") }
