package upload

import (
	"amrcore/internal/dataset"
	"amrcore/internal/lookup"
	"amrcore/internal/ml"
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"sort"
	"strings"
)

// SplitConfig controls the case-level and per-drug partitions.
type SplitConfig struct {
	CaseTestFraction float64
	CaseSeed         int64
	DrugTestFraction float64
	DrugSeed         int64
}

// DefaultSplitConfig holds the standard holdout fractions.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{CaseTestFraction: 0.1, DrugTestFraction: 0.2}
}

// Transformer converts admitted batches into reports, facts and splits.
type Transformer struct {
	store domain.PersistentStore
	split SplitConfig
	norm  lookup.Normalizer
}

// NewTransformer returns a transformer writing to store.
func NewTransformer(store domain.PersistentStore, split SplitConfig) *Transformer {
	return &Transformer{store: store, split: split}
}

// TransformAndPersist ingests batch under fileID in a single transaction and
// returns the number of reports written. Any failure is an *IngestionError
// and leaves the store untouched.
func (t *Transformer) TransformAndPersist(ctx context.Context, batch *Batch, fileID int64) (int, error) {
	_, err := t.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return t.ingest(tx, batch, fileID)
	})
	if err != nil {
		return 0, &IngestionError{FileID: fileID, Err: err}
	}
	return batch.Len(), nil
}

func (t *Transformer) ingest(tx domain.Transaction, batch *Batch, fileID int64) error {
	file, ok := tx.Snapshot().FindFile(fileID)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityFile, ID: fileID}
	}
	class := file.Class
	resolver := lookup.NewResolver(tx)

	reports := make([]domain.Report, batch.Len())
	caseIDs := make([]int64, batch.Len())
	speciesStrata := make([]string, batch.Len())
	for i := range batch.Rows {
		species, err := resolver.Species(batch.Value(i, ColumnSpecies))
		if err != nil {
			return err
		}
		genus, err := resolver.Genus(batch.Value(i, ColumnGenus))
		if err != nil {
			return fmt.Errorf("row %d: %w", batch.RowNumber(i), err)
		}
		site, err := resolver.SampleSite(batch.Value(i, ColumnSampleSite))
		if err != nil {
			return fmt.Errorf("row %d: %w", batch.RowNumber(i), err)
		}
		submitted, err := dataset.ParseDate(batch.Value(i, ColumnSubmitted))
		if err != nil {
			return fmt.Errorf("row %d %s: %w", batch.RowNumber(i), ColumnSubmitted, err)
		}
		issued, err := dataset.ParseDate(batch.Value(i, ColumnIssued))
		if err != nil {
			return fmt.Errorf("row %d %s: %w", batch.RowNumber(i), ColumnIssued, err)
		}
		reports[i] = domain.Report{
			HN:           batch.Value(i, ColumnHN),
			SubmittedAt:  submitted,
			IssuedAt:     issued,
			SpeciesID:    species.ID,
			GenusID:      genus.ID,
			SampleSiteID: site.ID,
			Class:        class,
			FileID:       fileID,
		}
		caseIDs[i] = int64(i)
		speciesStrata[i] = species.Name
	}

	_, caseTest, err := ml.StratifiedSplit(caseIDs, speciesStrata, t.split.CaseTestFraction, t.split.CaseSeed)
	if err != nil {
		return fmt.Errorf("case split: %w", err)
	}
	held := make(map[int64]bool, len(caseTest))
	for _, i := range caseTest {
		held[i] = true
	}
	reportIDs := make([]int64, batch.Len())
	for i := range reports {
		reports[i].Partition = domain.PartitionTrain
		if held[int64(i)] {
			reports[i].Partition = domain.PartitionTest
		}
		created, err := tx.CreateReport(reports[i])
		if err != nil {
			return fmt.Errorf("row %d: %w", batch.RowNumber(i), err)
		}
		reportIDs[i] = created.ID
	}

	if err := t.fanOutSIR(tx, resolver, batch, class, reportIDs); err != nil {
		return err
	}
	if err := t.fanOutAnswers(tx, resolver, batch, class, reportIDs); err != nil {
		return err
	}
	return t.splitPerDrug(tx, class)
}

func (t *Transformer) fanOutSIR(tx domain.Transaction, resolver *lookup.Resolver, batch *Batch, class domain.InstrumentClass, reportIDs []int64) error {
	for _, column := range batch.Columns(SIRPrefix) {
		symbols := make([]string, batch.Len())
		qualitative, binary := 0, 0
		for i := range batch.Rows {
			symbol := t.norm.SIRSymbol(batch.Value(i, column))
			symbols[i] = symbol
			switch {
			case domain.SIRQualitative.Accepts(symbol):
				qualitative++
			case domain.SIRBinary.Accepts(symbol):
				binary++
			}
		}
		if qualitative+binary == 0 {
			continue
		}
		drug, err := resolver.SIRDrug(class, strings.TrimPrefix(column, SIRPrefix))
		if err != nil {
			return err
		}
		if drug.SIRType == "" {
			var inferred domain.SIRType
			switch {
			case qualitative > binary:
				inferred = domain.SIRQualitative
			case qualitative < binary:
				inferred = domain.SIRBinary
			default:
				return fmt.Errorf("column %q: cannot infer test type, %d S/I/R and %d +/- symbols", column, qualitative, binary)
			}
			if drug, err = tx.SetSIRType(drug.ID, inferred); err != nil {
				return err
			}
			resolver.Remember(drug)
		}
		for i, symbol := range symbols {
			if !drug.SIRType.Accepts(symbol) {
				continue
			}
			if err := tx.AddSIRFact(domain.SIRFact{ReportID: reportIDs[i], AntimicrobialID: drug.ID, Symbol: symbol}); err != nil {
				return err
			}
		}
	}
	return nil
}

// fanOutAnswers records an AnswerFact per positive cell. A drug column with no
// positive cell registers nothing.
func (t *Transformer) fanOutAnswers(tx domain.Transaction, resolver *lookup.Resolver, batch *Batch, class domain.InstrumentClass, reportIDs []int64) error {
	for _, column := range batch.Columns(AnswerPrefix) {
		var positive []int
		for i := range batch.Rows {
			ok, err := ParseAnswer(batch.Value(i, column))
			if err != nil {
				return fmt.Errorf("row %d %s: %w", batch.RowNumber(i), column, err)
			}
			if ok {
				positive = append(positive, i)
			}
		}
		if len(positive) == 0 {
			continue
		}
		drug, err := resolver.AnswerDrug(class, strings.TrimPrefix(column, AnswerPrefix))
		if err != nil {
			return err
		}
		for _, i := range positive {
			if err := tx.AddAnswerFact(domain.AnswerFact{ReportID: reportIDs[i], AntimicrobialID: drug.ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitPerDrug assigns every train report of class that has no split for a
// drug yet. A drug registered by this batch therefore also partitions the
// train reports of earlier batches, which count as absent for it.
func (t *Transformer) splitPerDrug(tx domain.Transaction, class domain.InstrumentClass) error {
	view := tx.Snapshot()
	var trainReports []int64
	for _, r := range view.ListReports(class) {
		if r.Partition == domain.PartitionTrain {
			trainReports = append(trainReports, r.ID)
		}
	}
	if len(trainReports) == 0 {
		return nil
	}
	answered := make(map[int64]map[int64]bool)
	for _, f := range view.ListAnswerFacts() {
		if answered[f.AntimicrobialID] == nil {
			answered[f.AntimicrobialID] = make(map[int64]bool)
		}
		answered[f.AntimicrobialID][f.ReportID] = true
	}
	drugs := view.ListLookups(domain.LookupAnswerDrug, class)
	sort.Slice(drugs, func(i, j int) bool { return drugs[i].ID < drugs[j].ID })
	for _, drug := range drugs {
		assigned := make(map[int64]bool)
		for _, a := range view.ListSplits(drug.ID) {
			assigned[a.ReportID] = true
		}
		var pending []int64
		var strata []string
		for _, id := range trainReports {
			if assigned[id] {
				continue
			}
			pending = append(pending, id)
			if answered[drug.ID][id] {
				strata = append(strata, "present")
			} else {
				strata = append(strata, "absent")
			}
		}
		if len(pending) == 0 {
			continue
		}
		train, test, err := ml.StratifiedSplit(pending, strata, t.split.DrugTestFraction, t.split.DrugSeed)
		if err != nil {
			return fmt.Errorf("split %s: %w", drug.Name, err)
		}
		for partition, ids := range map[domain.Partition][]int64{domain.PartitionTrain: train, domain.PartitionTest: test} {
			for _, id := range ids {
				if err := tx.AssignSplit(domain.SplitAssignment{ReportID: id, AntimicrobialID: drug.ID, Partition: partition}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
