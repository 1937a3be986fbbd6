// Package memory provides an in-memory implementation of the amrcore
// persistence store used for tests, ephemeral environments, and as the
// transactional core of the durable backends.
package memory

import (
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// LookupEntry aliases domain.LookupEntry.
	LookupEntry = domain.LookupEntry
	// File aliases domain.File.
	File = domain.File
	// Report aliases domain.Report.
	Report = domain.Report
	// AnswerFact aliases domain.AnswerFact.
	AnswerFact = domain.AnswerFact
	// SIRFact aliases domain.SIRFact.
	SIRFact = domain.SIRFact
	// SplitAssignment aliases domain.SplitAssignment.
	SplitAssignment = domain.SplitAssignment
	// Classifier aliases domain.Classifier.
	Classifier = domain.Classifier
	// ModelGroup aliases domain.ModelGroup.
	ModelGroup = domain.ModelGroup
	// RetrainingLog aliases domain.RetrainingLog.
	RetrainingLog = domain.RetrainingLog
	// UploadLog aliases domain.UploadLog.
	UploadLog = domain.UploadLog
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type factKey struct {
	report int64
	drug   int64
}

type lookupKey struct {
	kind  domain.LookupKind
	class domain.InstrumentClass
	name  string
}

func newLookupKey(kind domain.LookupKind, class domain.InstrumentClass, name string) lookupKey {
	if !kind.ClassScoped() {
		class = ""
	}
	return lookupKey{kind: kind, class: class, name: strings.ToLower(strings.TrimSpace(name))}
}

type memoryState struct {
	sequences   map[domain.EntityType]int64
	lookups     map[int64]LookupEntry
	lookupIndex map[lookupKey]int64
	files       map[int64]File
	reports     map[int64]Report
	answers     map[factKey]AnswerFact
	sirs        map[factKey]SIRFact
	splits      map[factKey]SplitAssignment
	classifiers map[int64]Classifier
	groups      map[int64]ModelGroup
	retrainings map[int64]RetrainingLog
	uploads     map[int64]UploadLog
}

func newMemoryState() memoryState {
	return memoryState{
		sequences:   make(map[domain.EntityType]int64),
		lookups:     make(map[int64]LookupEntry),
		lookupIndex: make(map[lookupKey]int64),
		files:       make(map[int64]File),
		reports:     make(map[int64]Report),
		answers:     make(map[factKey]AnswerFact),
		sirs:        make(map[factKey]SIRFact),
		splits:      make(map[factKey]SplitAssignment),
		classifiers: make(map[int64]Classifier),
		groups:      make(map[int64]ModelGroup),
		retrainings: make(map[int64]RetrainingLog),
		uploads:     make(map[int64]UploadLog),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	for k, v := range s.lookups {
		out.lookups[k] = v
	}
	for k, v := range s.lookupIndex {
		out.lookupIndex[k] = v
	}
	for k, v := range s.files {
		out.files[k] = v
	}
	for k, v := range s.reports {
		out.reports[k] = v
	}
	for k, v := range s.answers {
		out.answers[k] = v
	}
	for k, v := range s.sirs {
		out.sirs[k] = v
	}
	for k, v := range s.splits {
		out.splits[k] = v
	}
	for k, v := range s.classifiers {
		out.classifiers[k] = cloneClassifier(v)
	}
	for k, v := range s.groups {
		out.groups[k] = cloneModelGroup(v)
	}
	for k, v := range s.retrainings {
		out.retrainings[k] = cloneRetrainingLog(v)
	}
	for k, v := range s.uploads {
		out.uploads[k] = cloneUploadLog(v)
	}
	return out
}

func (s *memoryState) next(entity domain.EntityType) int64 {
	s.sequences[entity]++
	return s.sequences[entity]
}

func cloneClassifier(c Classifier) Classifier {
	c.Schema = append([]string(nil), c.Schema...)
	return c
}

func cloneModelGroup(g ModelGroup) ModelGroup {
	if g.Classifiers != nil {
		m := make(map[int64]int64, len(g.Classifiers))
		for k, v := range g.Classifiers {
			m[k] = v
		}
		g.Classifiers = m
	}
	g.FileIDs = append([]int64(nil), g.FileIDs...)
	g.SampleBinning = append([]string(nil), g.SampleBinning...)
	return g
}

func cloneRetrainingLog(l RetrainingLog) RetrainingLog {
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		l.FinishedAt = &t
	}
	if l.ModelGroupID != nil {
		id := *l.ModelGroupID
		l.ModelGroupID = &id
	}
	l.FileIDs = append([]int64(nil), l.FileIDs...)
	return l
}

func cloneUploadLog(l UploadLog) UploadLog {
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		l.FinishedAt = &t
	}
	if l.FileID != nil {
		id := *l.FileID
		l.FileID = &id
	}
	l.Results = append([]domain.UploadResult(nil), l.Results...)
	return l
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the clock, mainly for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	res, _, err := s.RunTracked(ctx, fn)
	return res, err
}

// RunTracked behaves like RunInTransaction and additionally reports the
// persistence buckets touched by the committed changes.
func (s *Store) RunTracked(ctx context.Context, fn func(tx Transaction) error) (Result, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, nil, err
	}

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, nil, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, nil, err
		}
		result = res
		if res.HasBlocking() {
			return res, nil, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, touchedBuckets(tx.changes), nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) ResolveOrRegister(kind domain.LookupKind, class domain.InstrumentClass, name string) (LookupEntry, bool, error) {
	key := newLookupKey(kind, class, name)
	if key.name == "" {
		return LookupEntry{}, false, fmt.Errorf("%s lookup name required", kind)
	}
	if kind.ClassScoped() {
		if _, ok := domain.ParseInstrumentClass(string(class)); !ok {
			return LookupEntry{}, false, fmt.Errorf("%s lookup %q requires an instrument class", kind, key.name)
		}
	}
	if id, ok := tx.state.lookupIndex[key]; ok {
		return tx.state.lookups[id], false, nil
	}
	entry := LookupEntry{Kind: kind, Class: key.class, Name: key.name}
	entry.ID = tx.state.next(domain.EntityLookup)
	entry.CreatedAt = tx.now
	entry.UpdatedAt = tx.now
	tx.state.lookups[entry.ID] = entry
	tx.state.lookupIndex[key] = entry.ID
	tx.recordChange(Change{Entity: domain.EntityLookup, Action: domain.ActionCreate, After: entry})
	return entry, true, nil
}

func (tx *transaction) SetSIRType(id int64, sirType domain.SIRType) (LookupEntry, error) {
	current, ok := tx.state.lookups[id]
	if !ok {
		return LookupEntry{}, domain.ErrNotFound{Entity: domain.EntityLookup, ID: id}
	}
	if current.Kind != domain.LookupSIRDrug {
		return LookupEntry{}, fmt.Errorf("lookup %d is a %s, not a sir drug", id, current.Kind)
	}
	if sirType != domain.SIRQualitative && sirType != domain.SIRBinary {
		return LookupEntry{}, fmt.Errorf("unknown sir type %q", sirType)
	}
	before := current
	current.SIRType = sirType
	current.UpdatedAt = tx.now
	tx.state.lookups[id] = current
	tx.recordChange(Change{Entity: domain.EntityLookup, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (tx *transaction) CreateFile(f File) (File, error) {
	if _, ok := domain.ParseInstrumentClass(string(f.Class)); !ok {
		return File{}, fmt.Errorf("file %q has invalid instrument class %q", f.Name, f.Class)
	}
	f.ID = tx.state.next(domain.EntityFile)
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	if f.UploadedAt.IsZero() {
		f.UploadedAt = tx.now
	}
	tx.state.files[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFile, Action: domain.ActionCreate, After: f})
	return f, nil
}

func (tx *transaction) UpdateFile(id int64, mutator func(*File) error) (File, error) {
	current, ok := tx.state.files[id]
	if !ok {
		return File{}, domain.ErrNotFound{Entity: domain.EntityFile, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return File{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.files[id] = current
	tx.recordChange(Change{Entity: domain.EntityFile, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (tx *transaction) DeleteFile(id int64) error {
	current, ok := tx.state.files[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityFile, ID: id}
	}
	removed := make(map[int64]struct{})
	for rid, report := range tx.state.reports {
		if report.FileID == id {
			removed[rid] = struct{}{}
			delete(tx.state.reports, rid)
		}
	}
	if len(removed) > 0 {
		for k := range tx.state.answers {
			if _, gone := removed[k.report]; gone {
				delete(tx.state.answers, k)
			}
		}
		for k := range tx.state.sirs {
			if _, gone := removed[k.report]; gone {
				delete(tx.state.sirs, k)
			}
		}
		for k := range tx.state.splits {
			if _, gone := removed[k.report]; gone {
				delete(tx.state.splits, k)
			}
		}
		for _, entity := range []domain.EntityType{domain.EntityReport, domain.EntityAnswerFact, domain.EntitySIRFact, domain.EntitySplit} {
			tx.recordChange(Change{Entity: entity, Action: domain.ActionDelete, Before: len(removed)})
		}
	}
	delete(tx.state.files, id)
	tx.recordChange(Change{Entity: domain.EntityFile, Action: domain.ActionDelete, Before: current})
	return nil
}

func (tx *transaction) CreateReport(r Report) (Report, error) {
	if _, ok := domain.ParseInstrumentClass(string(r.Class)); !ok {
		return Report{}, fmt.Errorf("report %q has invalid instrument class %q", r.HN, r.Class)
	}
	if r.Partition != domain.PartitionTrain && r.Partition != domain.PartitionTest {
		return Report{}, fmt.Errorf("report %q has invalid partition %q", r.HN, r.Partition)
	}
	r.ID = tx.state.next(domain.EntityReport)
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.reports[r.ID] = r
	tx.recordChange(Change{Entity: domain.EntityReport, Action: domain.ActionCreate, After: r})
	return r, nil
}

func (tx *transaction) requireReportAndDrug(reportID, drugID int64, kind domain.LookupKind) error {
	if _, ok := tx.state.reports[reportID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityReport, ID: reportID}
	}
	drug, ok := tx.state.lookups[drugID]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityLookup, ID: drugID}
	}
	if drug.Kind != kind {
		return fmt.Errorf("lookup %d is a %s, expected %s", drugID, drug.Kind, kind)
	}
	return nil
}

func (tx *transaction) AddAnswerFact(f AnswerFact) error {
	if err := tx.requireReportAndDrug(f.ReportID, f.AntimicrobialID, domain.LookupAnswerDrug); err != nil {
		return err
	}
	tx.state.answers[factKey{f.ReportID, f.AntimicrobialID}] = f
	tx.recordChange(Change{Entity: domain.EntityAnswerFact, Action: domain.ActionCreate, After: f})
	return nil
}

func (tx *transaction) AddSIRFact(f SIRFact) error {
	if err := tx.requireReportAndDrug(f.ReportID, f.AntimicrobialID, domain.LookupSIRDrug); err != nil {
		return err
	}
	if !domain.SIRQualitative.Accepts(f.Symbol) && !domain.SIRBinary.Accepts(f.Symbol) {
		return fmt.Errorf("invalid sir symbol %q for report %d", f.Symbol, f.ReportID)
	}
	tx.state.sirs[factKey{f.ReportID, f.AntimicrobialID}] = f
	tx.recordChange(Change{Entity: domain.EntitySIRFact, Action: domain.ActionCreate, After: f})
	return nil
}

func (tx *transaction) AssignSplit(a SplitAssignment) error {
	if err := tx.requireReportAndDrug(a.ReportID, a.AntimicrobialID, domain.LookupAnswerDrug); err != nil {
		return err
	}
	if a.Partition != domain.PartitionTrain && a.Partition != domain.PartitionTest {
		return fmt.Errorf("invalid split partition %q", a.Partition)
	}
	tx.state.splits[factKey{a.ReportID, a.AntimicrobialID}] = a
	tx.recordChange(Change{Entity: domain.EntitySplit, Action: domain.ActionCreate, After: a})
	return nil
}

func (tx *transaction) CreateClassifier(c Classifier) (Classifier, error) {
	if len(c.Schema) == 0 {
		return Classifier{}, fmt.Errorf("classifier for antimicrobial %d has empty schema", c.AntimicrobialID)
	}
	c = cloneClassifier(c)
	c.ID = tx.state.next(domain.EntityClassifier)
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.classifiers[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityClassifier, Action: domain.ActionCreate, After: cloneClassifier(c)})
	return cloneClassifier(c), nil
}

func (tx *transaction) DeleteClassifier(id int64) error {
	current, ok := tx.state.classifiers[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityClassifier, ID: id}
	}
	delete(tx.state.classifiers, id)
	tx.recordChange(Change{Entity: domain.EntityClassifier, Action: domain.ActionDelete, Before: current})
	return nil
}

func (tx *transaction) CreateModelGroup(g ModelGroup) (ModelGroup, error) {
	if _, ok := domain.ParseInstrumentClass(string(g.Class)); !ok {
		return ModelGroup{}, fmt.Errorf("model group has invalid instrument class %q", g.Class)
	}
	g = cloneModelGroup(g)
	if g.Classifiers == nil {
		g.Classifiers = make(map[int64]int64)
	}
	g.ID = tx.state.next(domain.EntityModelGroup)
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.groups[g.ID] = g
	tx.recordChange(Change{Entity: domain.EntityModelGroup, Action: domain.ActionCreate, After: cloneModelGroup(g)})
	return cloneModelGroup(g), nil
}

func (tx *transaction) UpdateModelGroup(id int64, mutator func(*ModelGroup) error) (ModelGroup, error) {
	current, ok := tx.state.groups[id]
	if !ok {
		return ModelGroup{}, domain.ErrNotFound{Entity: domain.EntityModelGroup, ID: id}
	}
	before := cloneModelGroup(current)
	if err := mutator(&current); err != nil {
		return ModelGroup{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.groups[id] = cloneModelGroup(current)
	tx.recordChange(Change{Entity: domain.EntityModelGroup, Action: domain.ActionUpdate, Before: before, After: cloneModelGroup(current)})
	return cloneModelGroup(current), nil
}

func (tx *transaction) DeleteModelGroup(id int64) error {
	current, ok := tx.state.groups[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityModelGroup, ID: id}
	}
	delete(tx.state.groups, id)
	tx.recordChange(Change{Entity: domain.EntityModelGroup, Action: domain.ActionDelete, Before: current})
	return nil
}

func (tx *transaction) CreateRetrainingLog(l RetrainingLog) (RetrainingLog, error) {
	if _, ok := domain.ParseInstrumentClass(string(l.Class)); !ok {
		return RetrainingLog{}, fmt.Errorf("retraining log has invalid instrument class %q", l.Class)
	}
	l = cloneRetrainingLog(l)
	l.ID = tx.state.next(domain.EntityRetrainingLog)
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	if l.StartedAt.IsZero() {
		l.StartedAt = tx.now
	}
	tx.state.retrainings[l.ID] = l
	tx.recordChange(Change{Entity: domain.EntityRetrainingLog, Action: domain.ActionCreate, After: cloneRetrainingLog(l)})
	return cloneRetrainingLog(l), nil
}

func (tx *transaction) UpdateRetrainingLog(id int64, mutator func(*RetrainingLog) error) (RetrainingLog, error) {
	current, ok := tx.state.retrainings[id]
	if !ok {
		return RetrainingLog{}, domain.ErrNotFound{Entity: domain.EntityRetrainingLog, ID: id}
	}
	before := cloneRetrainingLog(current)
	if err := mutator(&current); err != nil {
		return RetrainingLog{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.retrainings[id] = cloneRetrainingLog(current)
	tx.recordChange(Change{Entity: domain.EntityRetrainingLog, Action: domain.ActionUpdate, Before: before, After: cloneRetrainingLog(current)})
	return cloneRetrainingLog(current), nil
}

func (tx *transaction) CreateUploadLog(l UploadLog) (UploadLog, error) {
	if _, ok := domain.ParseInstrumentClass(string(l.Class)); !ok {
		return UploadLog{}, fmt.Errorf("upload log has invalid instrument class %q", l.Class)
	}
	l = cloneUploadLog(l)
	l.ID = tx.state.next(domain.EntityUploadLog)
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	if l.StartedAt.IsZero() {
		l.StartedAt = tx.now
	}
	tx.state.uploads[l.ID] = l
	tx.recordChange(Change{Entity: domain.EntityUploadLog, Action: domain.ActionCreate, After: cloneUploadLog(l)})
	return cloneUploadLog(l), nil
}

func (tx *transaction) UpdateUploadLog(id int64, mutator func(*UploadLog) error) (UploadLog, error) {
	current, ok := tx.state.uploads[id]
	if !ok {
		return UploadLog{}, domain.ErrNotFound{Entity: domain.EntityUploadLog, ID: id}
	}
	before := cloneUploadLog(current)
	if err := mutator(&current); err != nil {
		return UploadLog{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.uploads[id] = cloneUploadLog(current)
	tx.recordChange(Change{Entity: domain.EntityUploadLog, Action: domain.ActionUpdate, Before: before, After: cloneUploadLog(current)})
	return cloneUploadLog(current), nil
}
