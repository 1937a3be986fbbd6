// Package upload validates raw report batches and ingests admitted ones.
package upload

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Identity columns every batch must carry.
const (
	ColumnHN         = "hn"
	ColumnSubmitted  = "date_of_submission"
	ColumnIssued     = "report_issued_date"
	ColumnSpecies    = "species"
	ColumnGenus      = "bacteria_genus"
	ColumnSampleSite = "submitted_sample"
	ColumnClass      = "vitek_id"
)

// Column prefixes of the wide SIR and answer panels.
const (
	SIRPrefix    = "S/I/R_"
	AnswerPrefix = "ans_"
)

// IdentityColumns lists the fixed identity columns in report order.
var IdentityColumns = []string{
	ColumnHN, ColumnSubmitted, ColumnIssued, ColumnSpecies,
	ColumnGenus, ColumnSampleSite, ColumnClass,
}

// FirstDataRow is the row number of the first record; the header is row 1.
const FirstDataRow = 2

// Batch is a parsed CSV upload. Cells are trimmed and rows are padded to the
// header width.
type Batch struct {
	Header []string
	Rows   [][]string
	index  map[string]int
	lines  []int
}

// ReadBatch parses a CSV stream with a header line.
func ReadBatch(r io.Reader) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read batch: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("read batch header: %w", err)
	}
	b := &Batch{index: make(map[string]int, len(header))}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		b.Header = append(b.Header, name)
		if _, dup := b.index[name]; !dup {
			b.index[name] = i
		}
	}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch: %w", err)
		}
		if blankRecord(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		row := make([]string, len(b.Header))
		for i := range row {
			if i < len(record) {
				row[i] = strings.TrimSpace(record[i])
			}
		}
		b.Rows = append(b.Rows, row)
		b.lines = append(b.lines, line)
	}
	return b, nil
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// Len returns the number of data rows.
func (b *Batch) Len() int { return len(b.Rows) }

// Has reports whether the header names column.
func (b *Batch) Has(column string) bool {
	_, ok := b.index[column]
	return ok
}

// Value returns the cell of row i in column, or "" when the column is absent.
func (b *Batch) Value(i int, column string) string {
	c, ok := b.index[column]
	if !ok {
		return ""
	}
	return b.Rows[i][c]
}

// Columns returns header names starting with prefix, in header order.
func (b *Batch) Columns(prefix string) []string {
	out := make([]string, 0)
	for _, name := range b.Header {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// RowNumber returns the source line of row i, so skipped blank records do not
// shift the numbers cited to the user. Batches built without ReadBatch count
// from FirstDataRow.
func (b *Batch) RowNumber(i int) int {
	if i < len(b.lines) {
		return b.lines[i]
	}
	return i + FirstDataRow
}
