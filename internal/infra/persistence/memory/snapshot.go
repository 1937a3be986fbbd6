package memory

import (
	"amrcore/pkg/domain"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot captures a point-in-time clone of the store state. Durable
// backends persist it bucket by bucket.
type Snapshot struct {
	Sequences      map[domain.EntityType]int64 `json:"sequences"`
	Lookups        []LookupEntry               `json:"lookups"`
	Files          []File                      `json:"files"`
	Reports        []Report                    `json:"reports"`
	AnswerFacts    []AnswerFact                `json:"answer_facts"`
	SIRFacts       []SIRFact                   `json:"sir_facts"`
	Splits         []SplitAssignment           `json:"splits"`
	Classifiers    []Classifier                `json:"classifiers"`
	ModelGroups    []ModelGroup                `json:"model_groups"`
	RetrainingLogs []RetrainingLog             `json:"retraining_logs"`
	UploadLogs     []UploadLog                 `json:"upload_logs"`
}

// Persistence bucket names, one per snapshot field.
const (
	BucketSequences      = "sequences"
	BucketLookups        = "lookups"
	BucketFiles          = "files"
	BucketReports        = "reports"
	BucketAnswerFacts    = "answer_facts"
	BucketSIRFacts       = "sir_facts"
	BucketSplits         = "splits"
	BucketClassifiers    = "classifiers"
	BucketModelGroups    = "model_groups"
	BucketRetrainingLogs = "retraining_logs"
	BucketUploadLogs     = "upload_logs"
)

// Buckets lists every persistence bucket in a stable order.
var Buckets = []string{
	BucketSequences,
	BucketLookups,
	BucketFiles,
	BucketReports,
	BucketAnswerFacts,
	BucketSIRFacts,
	BucketSplits,
	BucketClassifiers,
	BucketModelGroups,
	BucketRetrainingLogs,
	BucketUploadLogs,
}

var entityBuckets = map[domain.EntityType]string{
	domain.EntityLookup:        BucketLookups,
	domain.EntityFile:          BucketFiles,
	domain.EntityReport:        BucketReports,
	domain.EntityAnswerFact:    BucketAnswerFacts,
	domain.EntitySIRFact:       BucketSIRFacts,
	domain.EntitySplit:         BucketSplits,
	domain.EntityClassifier:    BucketClassifiers,
	domain.EntityModelGroup:    BucketModelGroups,
	domain.EntityRetrainingLog: BucketRetrainingLogs,
	domain.EntityUploadLog:     BucketUploadLogs,
}

// touchedBuckets maps changes to the buckets they dirty. The sequence bucket
// is included whenever anything changed.
func touchedBuckets(changes []Change) []string {
	if len(changes) == 0 {
		return nil
	}
	seen := map[string]struct{}{BucketSequences: {}}
	for _, change := range changes {
		if bucket, ok := entityBuckets[change.Entity]; ok {
			seen[bucket] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for _, bucket := range Buckets {
		if _, ok := seen[bucket]; ok {
			out = append(out, bucket)
		}
	}
	return out
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	state := stateFromSnapshot(snapshot)
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func snapshotFromState(state memoryState) Snapshot {
	view := transactionView{state: &state}
	snap := Snapshot{
		Sequences:   make(map[domain.EntityType]int64, len(state.sequences)),
		Files:       view.ListFiles(""),
		Reports:     view.ListReports(""),
		AnswerFacts: view.ListAnswerFacts(),
		SIRFacts:    view.ListSIRFacts(),
		Splits:      view.ListSplits(0),
		Classifiers: view.ListClassifiers(),
		ModelGroups: make([]ModelGroup, 0, len(state.groups)),
		// logs are listed across every class
		RetrainingLogs: view.ListRetrainingLogs(""),
		UploadLogs:     view.ListUploadLogs(""),
	}
	for k, v := range state.sequences {
		snap.Sequences[k] = v
	}
	snap.Lookups = make([]LookupEntry, 0, len(state.lookups))
	for _, entry := range state.lookups {
		snap.Lookups = append(snap.Lookups, entry)
	}
	sort.Slice(snap.Lookups, func(i, j int) bool { return snap.Lookups[i].ID < snap.Lookups[j].ID })
	for _, g := range state.groups {
		snap.ModelGroups = append(snap.ModelGroups, cloneModelGroup(g))
	}
	sort.Slice(snap.ModelGroups, func(i, j int) bool { return snap.ModelGroups[i].ID < snap.ModelGroups[j].ID })
	return snap
}

func stateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range snap.Sequences {
		state.sequences[k] = v
	}
	bump := func(entity domain.EntityType, id int64) {
		if id > state.sequences[entity] {
			state.sequences[entity] = id
		}
	}
	for _, entry := range snap.Lookups {
		state.lookups[entry.ID] = entry
		state.lookupIndex[newLookupKey(entry.Kind, entry.Class, entry.Name)] = entry.ID
		bump(domain.EntityLookup, entry.ID)
	}
	for _, f := range snap.Files {
		state.files[f.ID] = f
		bump(domain.EntityFile, f.ID)
	}
	for _, r := range snap.Reports {
		state.reports[r.ID] = r
		bump(domain.EntityReport, r.ID)
	}
	for _, f := range snap.AnswerFacts {
		state.answers[factKey{f.ReportID, f.AntimicrobialID}] = f
	}
	for _, f := range snap.SIRFacts {
		state.sirs[factKey{f.ReportID, f.AntimicrobialID}] = f
	}
	for _, a := range snap.Splits {
		state.splits[factKey{a.ReportID, a.AntimicrobialID}] = a
	}
	for _, c := range snap.Classifiers {
		state.classifiers[c.ID] = cloneClassifier(c)
		bump(domain.EntityClassifier, c.ID)
	}
	for _, g := range snap.ModelGroups {
		g = cloneModelGroup(g)
		if g.Classifiers == nil {
			g.Classifiers = make(map[int64]int64)
		}
		state.groups[g.ID] = g
		bump(domain.EntityModelGroup, g.ID)
	}
	for _, l := range snap.RetrainingLogs {
		state.retrainings[l.ID] = cloneRetrainingLog(l)
		bump(domain.EntityRetrainingLog, l.ID)
	}
	for _, l := range snap.UploadLogs {
		state.uploads[l.ID] = cloneUploadLog(l)
		bump(domain.EntityUploadLog, l.ID)
	}
	return state
}

func (snap *Snapshot) target(bucket string) (any, error) {
	switch bucket {
	case BucketSequences:
		return &snap.Sequences, nil
	case BucketLookups:
		return &snap.Lookups, nil
	case BucketFiles:
		return &snap.Files, nil
	case BucketReports:
		return &snap.Reports, nil
	case BucketAnswerFacts:
		return &snap.AnswerFacts, nil
	case BucketSIRFacts:
		return &snap.SIRFacts, nil
	case BucketSplits:
		return &snap.Splits, nil
	case BucketClassifiers:
		return &snap.Classifiers, nil
	case BucketModelGroups:
		return &snap.ModelGroups, nil
	case BucketRetrainingLogs:
		return &snap.RetrainingLogs, nil
	case BucketUploadLogs:
		return &snap.UploadLogs, nil
	default:
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
}

// EncodeBucket serializes one snapshot bucket as JSON.
func (snap Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, err := snap.target(bucket)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}

// DecodeBucket fills one snapshot bucket from its JSON payload. Unknown
// buckets are ignored so older databases keep loading.
func (snap *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	target, err := snap.target(bucket)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
