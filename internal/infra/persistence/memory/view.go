package memory

import (
	"amrcore/pkg/domain"
	"sort"
)

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func classMatches(filter, class domain.InstrumentClass) bool {
	return filter == "" || filter == class
}

func (v transactionView) FindLookup(id int64) (LookupEntry, bool) {
	entry, ok := v.state.lookups[id]
	return entry, ok
}

func (v transactionView) FindLookupByName(kind domain.LookupKind, class domain.InstrumentClass, name string) (LookupEntry, bool) {
	id, ok := v.state.lookupIndex[newLookupKey(kind, class, name)]
	if !ok {
		return LookupEntry{}, false
	}
	return v.state.lookups[id], true
}

// ListLookups returns entries of the kind ordered by id. Class filters only class-scoped kinds.
func (v transactionView) ListLookups(kind domain.LookupKind, class domain.InstrumentClass) []LookupEntry {
	out := make([]LookupEntry, 0)
	for _, entry := range v.state.lookups {
		if entry.Kind != kind {
			continue
		}
		if kind.ClassScoped() && !classMatches(class, entry.Class) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindFile(id int64) (File, bool) {
	f, ok := v.state.files[id]
	return f, ok
}

func (v transactionView) ListFiles(class domain.InstrumentClass) []File {
	out := make([]File, 0, len(v.state.files))
	for _, f := range v.state.files {
		if classMatches(class, f.Class) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListReports(class domain.InstrumentClass) []Report {
	out := make([]Report, 0, len(v.state.reports))
	for _, r := range v.state.reports {
		if classMatches(class, r.Class) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindReport(id int64) (Report, bool) {
	r, ok := v.state.reports[id]
	return r, ok
}

func (v transactionView) ListAnswerFacts() []AnswerFact {
	out := make([]AnswerFact, 0, len(v.state.answers))
	for _, f := range v.state.answers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportID != out[j].ReportID {
			return out[i].ReportID < out[j].ReportID
		}
		return out[i].AntimicrobialID < out[j].AntimicrobialID
	})
	return out
}

func (v transactionView) ListSIRFacts() []SIRFact {
	out := make([]SIRFact, 0, len(v.state.sirs))
	for _, f := range v.state.sirs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportID != out[j].ReportID {
			return out[i].ReportID < out[j].ReportID
		}
		return out[i].AntimicrobialID < out[j].AntimicrobialID
	})
	return out
}

// ListSplits returns split assignments for one drug, or for every drug when antimicrobialID is 0.
func (v transactionView) ListSplits(antimicrobialID int64) []SplitAssignment {
	out := make([]SplitAssignment, 0)
	for k, a := range v.state.splits {
		if antimicrobialID == 0 || k.drug == antimicrobialID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AntimicrobialID != out[j].AntimicrobialID {
			return out[i].AntimicrobialID < out[j].AntimicrobialID
		}
		return out[i].ReportID < out[j].ReportID
	})
	return out
}

func (v transactionView) FindClassifier(id int64) (Classifier, bool) {
	c, ok := v.state.classifiers[id]
	if !ok {
		return Classifier{}, false
	}
	return cloneClassifier(c), true
}

func (v transactionView) ListClassifiers() []Classifier {
	out := make([]Classifier, 0, len(v.state.classifiers))
	for _, c := range v.state.classifiers {
		out = append(out, cloneClassifier(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindModelGroup(id int64) (ModelGroup, bool) {
	g, ok := v.state.groups[id]
	if !ok {
		return ModelGroup{}, false
	}
	return cloneModelGroup(g), true
}

// ListModelGroups returns groups ordered by version, then id.
func (v transactionView) ListModelGroups(class domain.InstrumentClass) []ModelGroup {
	out := make([]ModelGroup, 0, len(v.state.groups))
	for _, g := range v.state.groups {
		if classMatches(class, g.Class) {
			out = append(out, cloneModelGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) DeployedModelGroup(class domain.InstrumentClass) (ModelGroup, bool) {
	for _, g := range v.ListModelGroups(class) {
		if g.Deployed() {
			return g, true
		}
	}
	return ModelGroup{}, false
}

func (v transactionView) ListRetrainingLogs(class domain.InstrumentClass) []RetrainingLog {
	out := make([]RetrainingLog, 0, len(v.state.retrainings))
	for _, l := range v.state.retrainings {
		if classMatches(class, l.Class) {
			out = append(out, cloneRetrainingLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindRetrainingLog(id int64) (RetrainingLog, bool) {
	l, ok := v.state.retrainings[id]
	if !ok {
		return RetrainingLog{}, false
	}
	return cloneRetrainingLog(l), true
}

func (v transactionView) ListUploadLogs(class domain.InstrumentClass) []UploadLog {
	out := make([]UploadLog, 0, len(v.state.uploads))
	for _, l := range v.state.uploads {
		if classMatches(class, l.Class) {
			out = append(out, cloneUploadLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindUploadLog(id int64) (UploadLog, bool) {
	l, ok := v.state.uploads[id]
	if !ok {
		return UploadLog{}, false
	}
	return cloneUploadLog(l), true
}
