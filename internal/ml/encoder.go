// Package ml holds the learning primitives used by retraining and
// prediction: one-hot encoding with schema projection, gradient-boosted
// trees, minority oversamplers, splits and metrics.
package ml

import (
	"sort"
)

// Record is one categorical feature row keyed by column. Blank values
// contribute no indicator column.
type Record map[string]string

// DummyName returns the indicator column name for a column value.
func DummyName(column, value string) string { return column + "_" + value }

// Dummies returns the indicator columns set by r.
func Dummies(r Record) map[string]float64 {
	out := make(map[string]float64, len(r))
	for column, value := range r {
		if value == "" {
			continue
		}
		out[DummyName(column, value)] = 1
	}
	return out
}

type dummy struct{ column, value string }

// Encoder maps records onto a fixed indicator schema.
type Encoder struct {
	columns []string
	index   map[string]int
}

// NewEncoder returns an encoder over an existing schema.
func NewEncoder(columns []string) *Encoder {
	e := &Encoder{columns: append([]string(nil), columns...), index: make(map[string]int, len(columns))}
	for i, c := range e.columns {
		e.index[c] = i
	}
	return e
}

// FitEncoder derives the schema from every value present in records, ordered
// by column and then value.
func FitEncoder(records []Record) *Encoder {
	seen := make(map[dummy]struct{})
	for _, r := range records {
		for column, value := range r {
			if value != "" {
				seen[dummy{column, value}] = struct{}{}
			}
		}
	}
	pairs := make([]dummy, 0, len(seen))
	for d := range seen {
		pairs = append(pairs, d)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].column != pairs[j].column {
			return pairs[i].column < pairs[j].column
		}
		return pairs[i].value < pairs[j].value
	})
	columns := make([]string, len(pairs))
	for i, d := range pairs {
		columns[i] = DummyName(d.column, d.value)
	}
	return NewEncoder(columns)
}

// Columns returns a copy of the schema.
func (e *Encoder) Columns() []string { return append([]string(nil), e.columns...) }

// Len returns the schema width.
func (e *Encoder) Len() int { return len(e.columns) }

// Encode projects r onto the schema.
func (e *Encoder) Encode(r Record) []float64 {
	out := make([]float64, len(e.columns))
	for column, value := range r {
		if value == "" {
			continue
		}
		if i, ok := e.index[DummyName(column, value)]; ok {
			out[i] = 1
		}
	}
	return out
}

// EncodeAll encodes every record.
func (e *Encoder) EncodeAll(records []Record) [][]float64 {
	out := make([][]float64, len(records))
	for i, r := range records {
		out[i] = e.Encode(r)
	}
	return out
}

// Project aligns source onto target: absent columns are 0 and columns not in
// target are dropped.
func Project(target []string, source map[string]float64) []float64 {
	out := make([]float64, len(target))
	for i, column := range target {
		out[i] = source[column]
	}
	return out
}

// ProjectMatrix aligns each row of a matrix with columns sourceColumns onto target.
func ProjectMatrix(target, sourceColumns []string, rows [][]float64) [][]float64 {
	position := make(map[string]int, len(sourceColumns))
	for i, c := range sourceColumns {
		position[c] = i
	}
	mapping := make([]int, len(target))
	for i, c := range target {
		if j, ok := position[c]; ok {
			mapping[i] = j
		} else {
			mapping[i] = -1
		}
	}
	out := make([][]float64, len(rows))
	for r, row := range rows {
		projected := make([]float64, len(target))
		for i, j := range mapping {
			if j >= 0 {
				projected[i] = row[j]
			}
		}
		out[r] = projected
	}
	return out
}

// BinRare replaces values occurring fewer than minCount times with other and
// returns the binned values plus the sorted vocabulary after binning.
func BinRare(values []string, minCount int, other string) ([]string, []string) {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}
	binned := make([]string, len(values))
	vocab := make(map[string]struct{})
	for i, v := range values {
		if counts[v] < minCount {
			v = other
		}
		binned[i] = v
		vocab[v] = struct{}{}
	}
	out := make([]string, 0, len(vocab))
	for v := range vocab {
		out = append(out, v)
	}
	sort.Strings(out)
	return binned, out
}
