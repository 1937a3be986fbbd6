package training

import (
	"amrcore/internal/dataset"
	"amrcore/internal/ml"
)

// featureSet freezes the sample-site binning and SIR columns of one run.
type featureSet struct {
	table      *dataset.Table
	binned     map[int64]string
	vocabulary []string
	sirColumns []string
}

func newFeatureSet(table *dataset.Table, minCount int) *featureSet {
	sites := make([]string, len(table.Rows))
	for i, row := range table.Rows {
		sites[i] = row.SampleSite
	}
	binned, vocabulary := ml.BinRare(sites, minCount, OtherSampleSite)
	fs := &featureSet{
		table:      table,
		binned:     make(map[int64]string, len(table.Rows)),
		vocabulary: vocabulary,
	}
	for i, row := range table.Rows {
		fs.binned[row.ReportID] = binned[i]
	}
	blank := make(map[string]struct{})
	for _, drug := range table.BlankSIRColumns() {
		blank[drug] = struct{}{}
	}
	fs.sirColumns = make([]string, 0, len(table.SIRColumns))
	for _, drug := range table.SIRColumns {
		if _, ok := blank[drug]; !ok {
			fs.sirColumns = append(fs.sirColumns, drug)
		}
	}
	return fs
}

func (fs *featureSet) record(row dataset.Row) ml.Record {
	return dataset.Features(row.Species, row.Genus, fs.binned[row.ReportID], row.SIR, fs.sirColumns)
}

func (fs *featureSet) records(rows []dataset.Row) []ml.Record {
	out := make([]ml.Record, len(rows))
	for i, row := range rows {
		out[i] = fs.record(row)
	}
	return out
}
