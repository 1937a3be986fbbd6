package upload

import (
	"amrcore/internal/dataset"
	"amrcore/internal/lookup"
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// OutcomeKind classifies a validation result.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	AcceptedWithWarnings
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case AcceptedWithWarnings:
		return "accepted_with_warnings"
	default:
		return "rejected"
	}
}

// Outcome is the verdict of Validate. Stage is set only when rejected.
type Outcome struct {
	Kind     OutcomeKind
	Stage    string
	Messages []string
}

// Err returns an *AdmissionError for rejected outcomes and nil otherwise.
func (o Outcome) Err() error {
	if o.Kind != Rejected {
		return nil
	}
	return &AdmissionError{Stage: o.Stage, Messages: append([]string(nil), o.Messages...)}
}

// DefaultMinRows is the row threshold used when none is configured.
const DefaultMinRows = 300

// Validator runs the admission gates over a batch.
type Validator struct {
	minRows int
	norm    lookup.Normalizer
}

// NewValidator returns a validator requiring at least minRows rows.
func NewValidator(minRows int) *Validator {
	return &Validator{minRows: minRows}
}

// Validate evaluates the gates in order against view and stops at the first
// gate reporting any error. Novelty warnings are computed only for batches
// passing every gate.
func (v *Validator) Validate(ctx context.Context, batch *Batch, class domain.InstrumentClass, view domain.TransactionView) (Outcome, error) {
	gates := []struct {
		stage string
		check func() ([]string, error)
	}{
		{StageAmount, func() ([]string, error) { return v.checkAmount(batch), nil }},
		{StageColumn, func() ([]string, error) { return v.checkColumns(batch), nil }},
		{StageValue, func() ([]string, error) { return v.checkValues(batch, class), nil }},
		{StageDuplicate, func() ([]string, error) { return v.checkDuplicates(ctx, batch, class, view) }},
	}
	for _, gate := range gates {
		messages, err := gate.check()
		if err != nil {
			return Outcome{}, fmt.Errorf("%s gate: %w", gate.stage, err)
		}
		if len(messages) > 0 {
			return Outcome{Kind: Rejected, Stage: gate.stage, Messages: messages}, nil
		}
	}
	warnings := v.novelty(batch, class, view)
	if len(warnings) > 0 {
		return Outcome{Kind: AcceptedWithWarnings, Messages: warnings}, nil
	}
	return Outcome{Kind: Accepted}, nil
}

func (v *Validator) checkAmount(batch *Batch) []string {
	if batch.Len() < v.minRows {
		return []string{fmt.Sprintf("File must have minimum %d rows (got %d).", v.minRows, batch.Len())}
	}
	return nil
}

func (v *Validator) checkColumns(batch *Batch) []string {
	var messages []string
	counts := make(map[string]int, len(batch.Header))
	for _, name := range batch.Header {
		counts[name]++
	}
	var repeated []string
	for _, name := range batch.Header {
		if counts[name] > 1 {
			repeated = append(repeated, name)
			counts[name] = 1
		}
	}
	if len(repeated) > 0 {
		messages = append(messages, fmt.Sprintf("Columns %s appear more than once.", quoteList(repeated)))
	}

	var missing []string
	identity := make(map[string]bool, len(IdentityColumns))
	for _, name := range IdentityColumns {
		identity[name] = true
		if !batch.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		messages = append(messages, fmt.Sprintf("File columns must include %s.", quoteList(missing)))
	}
	for _, prefix := range []string{SIRPrefix, AnswerPrefix} {
		if len(batch.Columns(prefix)) == 0 {
			messages = append(messages, fmt.Sprintf("File must have at least one column starting with %q.", prefix))
		}
	}
	var unused []string
	listed := make(map[string]bool)
	for _, name := range batch.Header {
		if identity[name] || listed[name] || strings.HasPrefix(name, SIRPrefix) || strings.HasPrefix(name, AnswerPrefix) {
			continue
		}
		listed[name] = true
		unused = append(unused, name)
	}
	if len(unused) > 0 {
		messages = append(messages, fmt.Sprintf("Columns %s not used.", quoteList(unused)))
	}
	return messages
}

func (v *Validator) checkValues(batch *Batch, class domain.InstrumentClass) []string {
	var messages []string
	report := func(column, problem string, rows []int) {
		if len(rows) > 0 {
			messages = append(messages, fmt.Sprintf("Column %q has %s at rows %s.", column, problem, FormatRanges(rows)))
		}
	}
	for _, column := range IdentityColumns {
		var blank []int
		for i := range batch.Rows {
			if batch.Value(i, column) == "" {
				blank = append(blank, batch.RowNumber(i))
			}
		}
		report(column, "empty values", blank)
	}
	for _, column := range []string{ColumnSubmitted, ColumnIssued} {
		var invalid []int
		for i := range batch.Rows {
			raw := batch.Value(i, column)
			if raw == "" {
				continue
			}
			if _, err := dataset.ParseDate(raw); err != nil {
				invalid = append(invalid, batch.RowNumber(i))
			}
		}
		report(column, "invalid dates", invalid)
	}
	for _, column := range batch.Columns(AnswerPrefix) {
		var blank, invalid []int
		for i := range batch.Rows {
			raw := batch.Value(i, column)
			if raw == "" {
				blank = append(blank, batch.RowNumber(i))
				continue
			}
			if _, err := ParseAnswer(raw); err != nil {
				invalid = append(invalid, batch.RowNumber(i))
			}
		}
		report(column, "empty values", blank)
		report(column, "non-boolean values", invalid)
	}
	var mismatched []int
	for i := range batch.Rows {
		raw := batch.Value(i, ColumnClass)
		if raw == "" {
			continue
		}
		if parsed, ok := domain.ParseInstrumentClass(raw); !ok || parsed != class {
			mismatched = append(mismatched, batch.RowNumber(i))
		}
	}
	report(ColumnClass, fmt.Sprintf("values other than %s", class), mismatched)
	return messages
}

// ParseAnswer reads a boolean-like answer cell.
func ParseAnswer(raw string) (bool, error) {
	return cast.ToBoolE(strings.ToLower(strings.TrimSpace(raw)))
}

func (v *Validator) rowKey(batch *Batch, i int, view domain.TransactionView) (uint64, error) {
	submitted, err := dataset.ParseDate(batch.Value(i, ColumnSubmitted))
	if err != nil {
		return 0, err
	}
	issued, err := dataset.ParseDate(batch.Value(i, ColumnIssued))
	if err != nil {
		return 0, err
	}
	species := v.norm.Species(batch.Value(i, ColumnSpecies))
	if _, ok := view.FindLookupByName(domain.LookupSpecies, "", species); !ok {
		species = lookup.OtherSpecies
	}
	return dataset.DuplicateKey(dataset.KeyFields{
		HN:          batch.Value(i, ColumnHN),
		SubmittedAt: submitted,
		Species:     species,
		SampleSite:  v.norm.SampleSite(batch.Value(i, ColumnSampleSite)),
		Genus:       v.norm.Genus(batch.Value(i, ColumnGenus)),
		IssuedAt:    issued,
	}), nil
}

func (v *Validator) checkDuplicates(ctx context.Context, batch *Batch, class domain.InstrumentClass, view domain.TransactionView) ([]string, error) {
	existing, err := dataset.Assemble(ctx, view, class)
	if err != nil {
		return nil, err
	}
	stored := existing.DuplicateKeys()
	byKey := make(map[uint64][]int)
	var inStore []int
	for i := range batch.Rows {
		key, err := v.rowKey(batch, i, view)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", batch.RowNumber(i), err)
		}
		byKey[key] = append(byKey[key], batch.RowNumber(i))
		if _, ok := stored[key]; ok {
			inStore = append(inStore, batch.RowNumber(i))
		}
	}
	var inFile []int
	for _, rows := range byKey {
		if len(rows) > 1 {
			inFile = append(inFile, rows...)
		}
	}
	var messages []string
	if len(inFile) > 0 {
		messages = append(messages, fmt.Sprintf("Rows %s are duplicated within the file.", FormatRanges(inFile)))
	}
	if len(inStore) > 0 {
		messages = append(messages, fmt.Sprintf("Rows %s duplicate reports already stored.", FormatRanges(inStore)))
	}
	return messages, nil
}

func (v *Validator) novelty(batch *Batch, class domain.InstrumentClass, view domain.TransactionView) []string {
	collect := func(kind domain.LookupKind, lookupClass domain.InstrumentClass, values []string) []string {
		seen := make(map[string]bool)
		var out []string
		for _, value := range values {
			if value == "" || seen[value] {
				continue
			}
			seen[value] = true
			if _, ok := view.FindLookupByName(kind, lookupClass, value); !ok {
				out = append(out, value)
			}
		}
		sort.Strings(out)
		return out
	}
	genera := make([]string, batch.Len())
	sites := make([]string, batch.Len())
	for i := range batch.Rows {
		genera[i] = v.norm.Genus(batch.Value(i, ColumnGenus))
		sites[i] = v.norm.SampleSite(batch.Value(i, ColumnSampleSite))
	}
	var sirDrugs []string
	for _, column := range batch.Columns(SIRPrefix) {
		sirDrugs = append(sirDrugs, v.norm.DrugName(strings.TrimPrefix(column, SIRPrefix)))
	}
	var answerDrugs []string
	for _, column := range batch.Columns(AnswerPrefix) {
		for i := range batch.Rows {
			if ok, _ := ParseAnswer(batch.Value(i, column)); ok {
				answerDrugs = append(answerDrugs, v.norm.DrugName(strings.TrimPrefix(column, AnswerPrefix)))
				break
			}
		}
	}

	var warnings []string
	warn := func(label string, values []string) {
		if len(values) > 0 {
			warnings = append(warnings, fmt.Sprintf("New %s: %s.", label, quoteList(values)))
		}
	}
	warn("bacteria genus", collect(domain.LookupGenus, "", genera))
	warn("submitted sample", collect(domain.LookupSampleSite, "", sites))
	warn("S/I/R antimicrobials", collect(domain.LookupSIRDrug, class, sirDrugs))
	warn("answer antimicrobials", collect(domain.LookupAnswerDrug, class, answerDrugs))
	return warnings
}
