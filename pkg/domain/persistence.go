package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView

	// ResolveOrRegister returns the lookup entry for (kind, class, name),
	// inserting it first when absent. created reports whether an insert happened.
	ResolveOrRegister(kind LookupKind, class InstrumentClass, name string) (entry LookupEntry, created bool, err error)
	SetSIRType(id int64, sirType SIRType) (LookupEntry, error)

	CreateFile(File) (File, error)
	UpdateFile(id int64, mutator func(*File) error) (File, error)
	// DeleteFile removes the file together with its reports, facts, and split assignments.
	DeleteFile(id int64) error

	CreateReport(Report) (Report, error)
	AddAnswerFact(AnswerFact) error
	AddSIRFact(SIRFact) error
	AssignSplit(SplitAssignment) error

	CreateClassifier(Classifier) (Classifier, error)
	DeleteClassifier(id int64) error

	CreateModelGroup(ModelGroup) (ModelGroup, error)
	UpdateModelGroup(id int64, mutator func(*ModelGroup) error) (ModelGroup, error)
	DeleteModelGroup(id int64) error

	CreateRetrainingLog(RetrainingLog) (RetrainingLog, error)
	UpdateRetrainingLog(id int64, mutator func(*RetrainingLog) error) (RetrainingLog, error)

	CreateUploadLog(UploadLog) (UploadLog, error)
	UpdateUploadLog(id int64, mutator func(*UploadLog) error) (UploadLog, error)
}

// TransactionView provides read-only access to snapshot data. An empty class
// argument matches every instrument class.
type TransactionView interface {
	RuleView
	ListLookups(kind LookupKind, class InstrumentClass) []LookupEntry
	FindLookupByName(kind LookupKind, class InstrumentClass, name string) (LookupEntry, bool)
	ListFiles(class InstrumentClass) []File
	ListReports(class InstrumentClass) []Report
	FindReport(id int64) (Report, bool)
	ListAnswerFacts() []AnswerFact
	ListSIRFacts() []SIRFact
	ListSplits(antimicrobialID int64) []SplitAssignment
	ListClassifiers() []Classifier
	DeployedModelGroup(class InstrumentClass) (ModelGroup, bool)
	ListRetrainingLogs(class InstrumentClass) []RetrainingLog
	FindRetrainingLog(id int64) (RetrainingLog, bool)
	ListUploadLogs(class InstrumentClass) []UploadLog
	FindUploadLog(id int64) (UploadLog, bool)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
