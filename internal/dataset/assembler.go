package dataset

import (
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"sort"
)

// Assembler rebuilds tables from a persistent store.
type Assembler struct {
	store domain.PersistentStore
}

// NewAssembler returns an assembler reading from store.
func NewAssembler(store domain.PersistentStore) *Assembler {
	return &Assembler{store: store}
}

// Build assembles the table of class from a consistent store snapshot.
func (a *Assembler) Build(ctx context.Context, class domain.InstrumentClass) (*Table, error) {
	var table *Table
	err := a.store.View(ctx, func(view domain.TransactionView) error {
		var err error
		table, err = Assemble(ctx, view, class)
		return err
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// Assemble joins reports of active files with their facts. Every known
// answer and SIR drug of the class becomes a column.
func Assemble(ctx context.Context, view domain.TransactionView, class domain.InstrumentClass) (*Table, error) {
	if _, ok := domain.ParseInstrumentClass(string(class)); !ok {
		return nil, fmt.Errorf("assemble: invalid instrument class %q", class)
	}
	table := &Table{Class: class, answerIDs: make(map[string]int64)}

	answerNames := make(map[int64]string)
	for _, entry := range view.ListLookups(domain.LookupAnswerDrug, class) {
		answerNames[entry.ID] = entry.Name
		table.answerIDs[entry.Name] = entry.ID
		table.AnswerColumns = append(table.AnswerColumns, entry.Name)
	}
	sirNames := make(map[int64]string)
	for _, entry := range view.ListLookups(domain.LookupSIRDrug, class) {
		sirNames[entry.ID] = entry.Name
		table.SIRColumns = append(table.SIRColumns, entry.Name)
	}
	sort.Strings(table.AnswerColumns)
	sort.Strings(table.SIRColumns)

	name := func(id int64) (string, error) {
		entry, ok := view.FindLookup(id)
		if !ok {
			return "", domain.ErrNotFound{Entity: domain.EntityLookup, ID: id}
		}
		return entry.Name, nil
	}

	index := make(map[int64]int)
	for _, report := range view.ListReports(class) {
		file, ok := view.FindFile(report.FileID)
		if !ok || !file.Active {
			continue
		}
		species, err := name(report.SpeciesID)
		if err != nil {
			return nil, fmt.Errorf("report %d species: %w", report.ID, err)
		}
		genus, err := name(report.GenusID)
		if err != nil {
			return nil, fmt.Errorf("report %d genus: %w", report.ID, err)
		}
		site, err := name(report.SampleSiteID)
		if err != nil {
			return nil, fmt.Errorf("report %d sample site: %w", report.ID, err)
		}
		index[report.ID] = len(table.Rows)
		table.Rows = append(table.Rows, Row{
			ReportID:    report.ID,
			HN:          report.HN,
			SubmittedAt: NormalizeDate(report.SubmittedAt),
			IssuedAt:    NormalizeDate(report.IssuedAt),
			Species:     species,
			Genus:       genus,
			SampleSite:  site,
			FileID:      report.FileID,
			Partition:   report.Partition,
			Answers:     make(map[string]bool),
			SIR:         make(map[string]string),
			Splits:      make(map[string]domain.Partition),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, fact := range view.ListAnswerFacts() {
		i, ok := index[fact.ReportID]
		if !ok {
			continue
		}
		if drug, ok := answerNames[fact.AntimicrobialID]; ok {
			table.Rows[i].Answers[drug] = true
		}
	}
	for _, fact := range view.ListSIRFacts() {
		i, ok := index[fact.ReportID]
		if !ok {
			continue
		}
		if drug, ok := sirNames[fact.AntimicrobialID]; ok {
			table.Rows[i].SIR[drug] = fact.Symbol
		}
	}
	for _, split := range view.ListSplits(0) {
		i, ok := index[split.ReportID]
		if !ok {
			continue
		}
		if drug, ok := answerNames[split.AntimicrobialID]; ok {
			table.Rows[i].Splits[drug] = split.Partition
		}
	}
	return table, nil
}
