// Package dataset assembles the denormalized training table of one
// instrument class from the normalized report, answer and SIR facts.
package dataset

import (
	"amrcore/pkg/domain"
	"sort"
	"time"
)

// Row is one report with its answers and SIR panel pivoted into columns.
type Row struct {
	ReportID    int64
	HN          string
	SubmittedAt time.Time
	IssuedAt    time.Time
	Species     string
	Genus       string
	SampleSite  string
	FileID      int64
	Partition   domain.Partition
	// Answers holds true for every recommended drug; absent means false.
	Answers map[string]bool
	// SIR holds the symbol per tested drug; absent means blank.
	SIR map[string]string
	// Splits holds the per-drug partition for drugs the report was split on.
	Splits map[string]domain.Partition
}

// Answer reports whether drug was recommended for the row.
func (r Row) Answer(drug string) bool { return r.Answers[drug] }

// Symbol returns the SIR symbol for drug, or "" when untested.
func (r Row) Symbol(drug string) string { return r.SIR[drug] }

// Key returns the duplicate-detection fields of the row.
func (r Row) Key() KeyFields {
	return KeyFields{
		HN:          r.HN,
		SubmittedAt: r.SubmittedAt,
		Species:     r.Species,
		SampleSite:  r.SampleSite,
		Genus:       r.Genus,
		IssuedAt:    r.IssuedAt,
	}
}

// Table is the assembled dataset of one instrument class.
type Table struct {
	Class         domain.InstrumentClass
	Rows          []Row
	AnswerColumns []string
	SIRColumns    []string

	answerIDs map[string]int64
}

// AnswerDrugID returns the lookup id of an answer drug column.
func (t *Table) AnswerDrugID(drug string) (int64, bool) {
	id, ok := t.answerIDs[drug]
	return id, ok
}

// FileIDs returns the sorted ids of files contributing at least one row.
func (t *Table) FileIDs() []int64 {
	seen := make(map[int64]struct{})
	for _, row := range t.Rows {
		seen[row.FileID] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DuplicateKeys returns the duplicate key of every row.
func (t *Table) DuplicateKeys() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(t.Rows))
	for _, row := range t.Rows {
		out[DuplicateKey(row.Key())] = struct{}{}
	}
	return out
}

// CaseTestRows returns rows held out at the case level.
func (t *Table) CaseTestRows() []Row {
	out := make([]Row, 0)
	for _, row := range t.Rows {
		if row.Partition == domain.PartitionTest {
			out = append(out, row)
		}
	}
	return out
}

// DrugSplit returns the train and test rows of one drug's split.
func (t *Table) DrugSplit(drug string) (train, test []Row) {
	for _, row := range t.Rows {
		switch row.Splits[drug] {
		case domain.PartitionTrain:
			train = append(train, row)
		case domain.PartitionTest:
			test = append(test, row)
		}
	}
	return train, test
}

// BlankSIRColumns lists SIR columns with no symbol in any row.
func (t *Table) BlankSIRColumns() []string {
	filled := make(map[string]bool, len(t.SIRColumns))
	for _, row := range t.Rows {
		for drug, symbol := range row.SIR {
			if symbol != "" {
				filled[drug] = true
			}
		}
	}
	out := make([]string, 0)
	for _, drug := range t.SIRColumns {
		if !filled[drug] {
			out = append(out, drug)
		}
	}
	return out
}
