package upload

import (
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/lookup"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var testHeader = []string{
	ColumnHN, ColumnSubmitted, ColumnIssued, ColumnSpecies, ColumnGenus,
	ColumnSampleSite, ColumnClass, "S/I/R_oxacillin", "ans_amoxicillin",
}

func defaultRecord(i int) map[string]string {
	species := "dog"
	if i%2 == 1 {
		species = "cat"
	}
	symbol := "S"
	if i%2 == 1 {
		symbol = "R"
	}
	return map[string]string{
		ColumnHN:          fmt.Sprintf("HN%03d", i),
		ColumnSubmitted:   "2023-01-02",
		ColumnIssued:      "2023-01-05",
		ColumnSpecies:     species,
		ColumnGenus:       "Staphylococcus pseudintermedius",
		ColumnSampleSite:  "Ear (left)",
		ColumnClass:       "GP",
		"S/I/R_oxacillin": symbol,
		"ans_amoxicillin": fmt.Sprint(i%3 == 0),
	}
}

func buildCSV(header []string, rows int, mutate func(i int, rec map[string]string)) string {
	var b strings.Builder
	b.WriteString(strings.Join(header, ",") + "\n")
	for i := 0; i < rows; i++ {
		rec := defaultRecord(i)
		if mutate != nil {
			mutate(i, rec)
		}
		cells := make([]string, len(header))
		for j, col := range header {
			cells[j] = rec[col]
		}
		b.WriteString(strings.Join(cells, ",") + "\n")
	}
	return b.String()
}

func mustBatch(t *testing.T, csv string) *Batch {
	t.Helper()
	batch, err := ReadBatch(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	return batch
}

func newStore(t *testing.T) *memory.Store {
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

func validate(t *testing.T, store *memory.Store, v *Validator, batch *Batch) Outcome {
	t.Helper()
	var out Outcome
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		var err error
		out, err = v.Validate(context.Background(), batch, domain.ClassGP, view)
		return err
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return out
}

func ingest(t *testing.T, store *memory.Store, batch *Batch) (int64, error) {
	t.Helper()
	var fileID int64
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		f, err := tx.CreateFile(domain.File{Name: "batch.csv", Class: domain.ClassGP, Active: true, RowCount: batch.Len()})
		fileID = f.ID
		return err
	}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	_, err := NewTransformer(store, DefaultSplitConfig()).TransformAndPersist(context.Background(), batch, fileID)
	return fileID, err
}

func TestFormatRanges(t *testing.T) {
	cases := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{4}, "4"},
		{[]int{2, 3, 4, 5, 9, 11, 12}, "2-5, 9, 11-12"},
		{[]int{12, 2, 11, 3, 3}, "2-3, 11-12"},
	}
	for _, tc := range cases {
		if got := FormatRanges(tc.in); got != tc.want {
			t.Fatalf("FormatRanges(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReadBatchTrimsAndPads(t *testing.T) {
	batch := mustBatch(t, "\ufeffhn , species\n A1 ,dog\n\n,\nB2\n")
	if batch.Len() != 2 {
		t.Fatalf("expected blank records skipped, got %d rows", batch.Len())
	}
	if !batch.Has("hn") || batch.Value(0, "hn") != "A1" {
		t.Fatalf("expected trimmed header and cell, got %v %v", batch.Header, batch.Rows[0])
	}
	if batch.Value(1, "species") != "" || batch.Value(0, "missing") != "" {
		t.Fatalf("expected padded short row and empty absent column")
	}
	if _, err := ReadBatch(strings.NewReader("")); err == nil {
		t.Fatalf("expected missing header error")
	}
}

func TestAmountGateStopsEvaluation(t *testing.T) {
	store := newStore(t)
	batch := mustBatch(t, buildCSV([]string{"hn", "extra"}, 3, nil))
	out := validate(t, store, NewValidator(5), batch)
	if out.Kind != Rejected || out.Stage != StageAmount {
		t.Fatalf("expected amount rejection, got %+v", out)
	}
	if len(out.Messages) != 1 || !strings.Contains(out.Messages[0], "minimum 5 rows (got 3)") {
		t.Fatalf("unexpected messages %v", out.Messages)
	}
	var admission *AdmissionError
	if !errors.As(out.Err(), &admission) || admission.Stage != StageAmount {
		t.Fatalf("expected admission error, got %v", out.Err())
	}
}

func TestColumnGateReportsEverything(t *testing.T) {
	store := newStore(t)
	header := []string{ColumnHN, ColumnSubmitted, ColumnIssued, ColumnSpecies, ColumnGenus, ColumnSampleSite, "S/I/R_oxacillin", "note", "note"}
	out := validate(t, store, NewValidator(1), mustBatch(t, buildCSV(header, 2, nil)))
	if out.Stage != StageColumn {
		t.Fatalf("expected column rejection, got %+v", out)
	}
	joined := strings.Join(out.Messages, "\n")
	for _, want := range []string{`"note" appear more than once`, `include "vitek_id"`, `starting with "ans_"`, `Columns "note" not used.`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}
}

func TestValueGateCitesRanges(t *testing.T) {
	store := newStore(t)
	batch := mustBatch(t, buildCSV(testHeader, 8, func(i int, rec map[string]string) {
		switch i {
		case 0, 1:
			rec[ColumnHN] = ""
		case 2:
			rec[ColumnSubmitted] = "not-a-date"
		case 3:
			rec["ans_amoxicillin"] = "maybe"
		case 4, 5, 6:
			rec[ColumnClass] = "gn"
		case 7:
			rec[ColumnClass] = "gp"
		}
	}))
	out := validate(t, store, NewValidator(1), batch)
	if out.Stage != StageValue {
		t.Fatalf("expected value rejection, got %+v", out)
	}
	joined := strings.Join(out.Messages, "\n")
	for _, want := range []string{
		`"hn" has empty values at rows 2-3`,
		`"date_of_submission" has invalid dates at rows 4`,
		`"ans_amoxicillin" has non-boolean values at rows 5`,
		`"vitek_id" has values other than GP at rows 6-8`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}
}

func TestRowNumbersFollowSourceLines(t *testing.T) {
	store := newStore(t)
	lines := strings.Split(buildCSV(testHeader, 3, func(i int, rec map[string]string) {
		if i == 1 {
			rec[ColumnHN] = ""
		}
	}), "\n")
	blank := strings.Repeat(",", len(testHeader)-1)
	csv := strings.Join(append([]string{lines[0], lines[1], "", blank}, lines[2:]...), "\n")
	batch := mustBatch(t, csv)
	if batch.Len() != 3 {
		t.Fatalf("expected blank lines skipped, got %d rows", batch.Len())
	}
	if got := batch.RowNumber(1); got != 5 {
		t.Fatalf("expected second record on line 5, got %d", got)
	}
	out := validate(t, store, NewValidator(1), batch)
	joined := strings.Join(out.Messages, "\n")
	if out.Stage != StageValue || !strings.Contains(joined, `"hn" has empty values at rows 5`) {
		t.Fatalf("expected the empty hn cited on its source line, got %+v", out)
	}
}

func TestDuplicateGateInFileAndStored(t *testing.T) {
	store := newStore(t)
	v := NewValidator(1)
	dup := mustBatch(t, buildCSV(testHeader, 6, func(i int, rec map[string]string) {
		if i == 1 || i == 2 {
			rec[ColumnHN] = "HN000"
			rec[ColumnSpecies] = "DOG"
		}
	}))
	out := validate(t, store, v, dup)
	if out.Stage != StageDuplicate || !strings.Contains(out.Messages[0], "Rows 2-4 are duplicated within the file.") {
		t.Fatalf("unexpected outcome %+v", out)
	}

	first := mustBatch(t, buildCSV(testHeader, 20, nil))
	if _, err := ingest(t, store, first); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	again := mustBatch(t, buildCSV(testHeader, 22, func(i int, rec map[string]string) {
		if i >= 20 {
			rec[ColumnHN] = fmt.Sprintf("NEW%d", i)
		}
		if i == 0 {
			rec[ColumnSubmitted] = "2023/01/02"
			rec[ColumnSampleSite] = "EAR"
		}
	}))
	out = validate(t, store, v, again)
	if out.Stage != StageDuplicate || len(out.Messages) != 1 || !strings.Contains(out.Messages[0], "Rows 2-21 duplicate reports already stored.") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestNoveltyWarnings(t *testing.T) {
	store := newStore(t)
	if _, err := ingest(t, store, mustBatch(t, buildCSV(testHeader, 20, nil))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	header := append(append([]string(nil), testHeader...), "S/I/R_vancomycin", "ans_cefalexin", "ans_unused")
	batch := mustBatch(t, buildCSV(header, 10, func(i int, rec map[string]string) {
		rec[ColumnHN] = fmt.Sprintf("X%d", i)
		rec["S/I/R_vancomycin"] = "S"
		rec["ans_cefalexin"] = fmt.Sprint(i == 4)
		rec["ans_unused"] = "false"
		if i == 3 {
			rec[ColumnSampleSite] = "Nasal swab"
			rec[ColumnGenus] = "Pseudomonas aeruginosa"
		}
	}))
	out := validate(t, store, NewValidator(1), batch)
	if out.Kind != AcceptedWithWarnings {
		t.Fatalf("expected warnings, got %+v", out)
	}
	want := []string{
		`New bacteria genus: "pseudomonas".`,
		`New submitted sample: "nasal swab".`,
		`New S/I/R antimicrobials: "vancomycin".`,
		`New answer antimicrobials: "cefalexin".`,
	}
	if len(out.Messages) != len(want) {
		t.Fatalf("expected %v, got %v", want, out.Messages)
	}
	for i := range want {
		if out.Messages[i] != want[i] {
			t.Fatalf("expected %q, got %q", want[i], out.Messages[i])
		}
	}

	plain := mustBatch(t, buildCSV(testHeader, 10, func(i int, rec map[string]string) {
		rec[ColumnHN] = fmt.Sprintf("Y%d", i)
	}))
	if out := validate(t, store, NewValidator(1), plain); out.Kind != Accepted || out.Err() != nil {
		t.Fatalf("expected clean accept, got %+v", out)
	}
}

func TestTransformPersistsFactsAndSplits(t *testing.T) {
	store := newStore(t)
	batch := mustBatch(t, buildCSV(append(append([]string(nil), testHeader...), "S/I/R_esbl"), 40, func(i int, rec map[string]string) {
		rec["S/I/R_esbl"] = "NEG"
		if i == 0 {
			rec["S/I/R_esbl"] = "S"
		}
		if i == 1 {
			rec["S/I/R_oxacillin"] = "pos"
		}
	}))
	fileID, err := ingest(t, store, batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	err = store.View(context.Background(), func(view domain.TransactionView) error {
		reports := view.ListReports(domain.ClassGP)
		if len(reports) != 40 {
			t.Fatalf("expected 40 reports, got %d", len(reports))
		}
		var train []int64
		tests := 0
		for _, r := range reports {
			if r.FileID != fileID {
				t.Fatalf("report %d has wrong file", r.ID)
			}
			if r.Partition == domain.PartitionTest {
				tests++
			} else {
				train = append(train, r.ID)
			}
		}
		if tests != 4 {
			t.Fatalf("expected 4 case-test reports, got %d", tests)
		}
		oxa, _ := view.FindLookupByName(domain.LookupSIRDrug, domain.ClassGP, "oxacillin")
		esbl, _ := view.FindLookupByName(domain.LookupSIRDrug, domain.ClassGP, "esbl")
		if oxa.SIRType != domain.SIRQualitative || esbl.SIRType != domain.SIRBinary {
			t.Fatalf("unexpected inferred types %q %q", oxa.SIRType, esbl.SIRType)
		}
		counts := map[int64]int{}
		for _, f := range view.ListSIRFacts() {
			counts[f.AntimicrobialID]++
		}
		if counts[oxa.ID] != 39 || counts[esbl.ID] != 39 {
			t.Fatalf("expected wrong-family symbols dropped, got %v", counts)
		}
		amox, ok := view.FindLookupByName(domain.LookupAnswerDrug, domain.ClassGP, "amoxicillin")
		if !ok {
			t.Fatalf("expected answer drug registered")
		}
		if got := len(view.ListAnswerFacts()); got != 14 {
			t.Fatalf("expected 14 answer facts, got %d", got)
		}
		splits := view.ListSplits(amox.ID)
		if len(splits) != len(train) {
			t.Fatalf("expected per-drug split over %d train reports, got %d", len(train), len(splits))
		}
		covered := map[int64]bool{}
		for _, s := range splits {
			if covered[s.ReportID] {
				t.Fatalf("report %d split twice", s.ReportID)
			}
			covered[s.ReportID] = true
		}
		for _, id := range train {
			if !covered[id] {
				t.Fatalf("train report %d missing from drug split", id)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDrugRegisteredLaterSplitsEarlierBatches(t *testing.T) {
	store := newStore(t)
	header := append(append([]string(nil), testHeader...), "ans_cefalexin")
	first := mustBatch(t, buildCSV(header, 40, func(i int, rec map[string]string) {
		rec["ans_cefalexin"] = "false"
	}))
	if _, err := ingest(t, store, first); err != nil {
		t.Fatalf("ingest first: %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindLookupByName(domain.LookupAnswerDrug, domain.ClassGP, "cefalexin"); ok {
			t.Fatalf("expected cefalexin unregistered without a positive cell")
		}
		return nil
	})

	second := mustBatch(t, buildCSV(header, 40, func(i int, rec map[string]string) {
		rec[ColumnHN] = fmt.Sprintf("HX%03d", i)
		rec["ans_cefalexin"] = fmt.Sprint(i%4 == 0)
	}))
	firstFile := int64(1)
	if _, err := ingest(t, store, second); err != nil {
		t.Fatalf("ingest second: %v", err)
	}

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		train := map[int64]bool{}
		earlier := 0
		for _, r := range view.ListReports(domain.ClassGP) {
			if r.Partition == domain.PartitionTrain {
				train[r.ID] = true
				if r.FileID == firstFile {
					earlier++
				}
			}
		}
		if len(train) != 72 || earlier != 36 {
			t.Fatalf("expected 72 train reports (36 from the first batch), got %d (%d)", len(train), earlier)
		}
		for _, name := range []string{"cefalexin", "amoxicillin"} {
			drug, ok := view.FindLookupByName(domain.LookupAnswerDrug, domain.ClassGP, name)
			if !ok {
				t.Fatalf("expected %s registered", name)
			}
			covered := map[int64]bool{}
			for _, s := range view.ListSplits(drug.ID) {
				if !train[s.ReportID] || covered[s.ReportID] {
					t.Fatalf("%s: unexpected split row for report %d", name, s.ReportID)
				}
				covered[s.ReportID] = true
			}
			if len(covered) != len(train) {
				t.Fatalf("%s: split covers %d of %d train reports", name, len(covered), len(train))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestTransformTieRollsBack(t *testing.T) {
	store := newStore(t)
	batch := mustBatch(t, buildCSV(testHeader, 4, func(i int, rec map[string]string) {
		if i < 2 {
			rec["S/I/R_oxacillin"] = "+"
		} else {
			rec["S/I/R_oxacillin"] = "S"
		}
	}))
	fileID, err := ingest(t, store, batch)
	var ingestion *IngestionError
	if !errors.As(err, &ingestion) || ingestion.FileID != fileID {
		t.Fatalf("expected ingestion error, got %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if n := len(view.ListReports("")); n != 0 {
			t.Fatalf("expected rollback, found %d reports", n)
		}
		if n := len(view.ListLookups(domain.LookupGenus, "")); n != 0 {
			t.Fatalf("expected lookup registrations rolled back, found %d", n)
		}
		return nil
	})
}

func TestTransformUnknownFile(t *testing.T) {
	store := newStore(t)
	_, err := NewTransformer(store, DefaultSplitConfig()).TransformAndPersist(context.Background(), mustBatch(t, buildCSV(testHeader, 2, nil)), 99)
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
