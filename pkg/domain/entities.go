// Package domain defines the persistent entities, value types, and rule
// evaluation primitives shared by the amrcore components.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// InstrumentClass identifies one of the two fixed lab test card panels.
type InstrumentClass string

const (
	// ClassGN is the gram-negative card panel.
	ClassGN InstrumentClass = "GN"
	// ClassGP is the gram-positive card panel.
	ClassGP InstrumentClass = "GP"
)

// InstrumentClasses lists every supported instrument class in a stable order.
func InstrumentClasses() []InstrumentClass {
	return []InstrumentClass{ClassGN, ClassGP}
}

// ParseInstrumentClass normalizes raw input into a supported class.
func ParseInstrumentClass(raw string) (InstrumentClass, bool) {
	switch InstrumentClass(strings.ToUpper(strings.TrimSpace(raw))) {
	case ClassGN:
		return ClassGN, true
	case ClassGP:
		return ClassGP, true
	default:
		return "", false
	}
}

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	EntityLookup        EntityType = "lookup"
	EntityFile          EntityType = "file"
	EntityReport        EntityType = "report"
	EntityAnswerFact    EntityType = "answer_fact"
	EntitySIRFact       EntityType = "sir_fact"
	EntitySplit         EntityType = "split_assignment"
	EntityClassifier    EntityType = "classifier"
	EntityModelGroup    EntityType = "model_group"
	EntityRetrainingLog EntityType = "retraining_log"
	EntityUploadLog     EntityType = "upload_log"
)

// Partition tags a report (or a report/drug pair) as training or held-out data.
type Partition string

const (
	PartitionTrain Partition = "train"
	PartitionTest  Partition = "test"
)

// Performance compares a new classifier against the deployed one for the same drug.
type Performance string

const (
	PerformanceBetter Performance = "better"
	PerformanceWorse  Performance = "worse"
	PerformanceSame   Performance = "same"
)

// LookupKind names a categorical vocabulary held by the lookup store.
type LookupKind string

const (
	LookupSpecies    LookupKind = "species"
	LookupGenus      LookupKind = "genus"
	LookupSampleSite LookupKind = "sample_site"
	// LookupAnswerDrug covers antimicrobials that appear as recommendation answers.
	LookupAnswerDrug LookupKind = "answer_drug"
	// LookupSIRDrug covers antimicrobials that appear as susceptibility tests.
	LookupSIRDrug LookupKind = "sir_drug"
)

// ClassScoped reports whether entries of the kind belong to one instrument class.
func (k LookupKind) ClassScoped() bool {
	return k == LookupAnswerDrug || k == LookupSIRDrug
}

// SIRType is the symbol family used by a susceptibility test.
type SIRType string

const (
	// SIRQualitative tests report S, I or R.
	SIRQualitative SIRType = "qualitative"
	// SIRBinary tests report + or -.
	SIRBinary SIRType = "binary"
)

// Accepts reports whether the symbol belongs to the test type's family.
func (t SIRType) Accepts(symbol string) bool {
	switch t {
	case SIRQualitative:
		return symbol == "S" || symbol == "I" || symbol == "R"
	case SIRBinary:
		return symbol == "+" || symbol == "-"
	default:
		return false
	}
}

// RetrainingStatus enumerates retraining log states.
type RetrainingStatus string

const (
	RetrainingTraining  RetrainingStatus = "training"
	RetrainingSuccess   RetrainingStatus = "success"
	RetrainingCanceling RetrainingStatus = "canceling"
	RetrainingCancelled RetrainingStatus = "cancelled"
	RetrainingFailed    RetrainingStatus = "fail"
)

// Terminal reports whether no further transitions are expected.
func (s RetrainingStatus) Terminal() bool {
	return s == RetrainingSuccess || s == RetrainingCancelled || s == RetrainingFailed
}

// UploadStatus enumerates upload log states.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadSuccess UploadStatus = "success"
	UploadFailed  UploadStatus = "fail"
)

// UploadResultType classifies an upload result detail line.
type UploadResultType string

const (
	UploadResultWarning UploadResultType = "warning"
	UploadResultSuccess UploadResultType = "success"
	UploadResultFailure UploadResultType = "failure"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for identified records.
type Base struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metrics holds binary classification scores.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// LookupEntry maps a categorical string to a stable identifier.
type LookupEntry struct {
	Base
	Kind    LookupKind      `json:"kind"`
	Class   InstrumentClass `json:"class,omitempty"`
	Name    string          `json:"name"`
	SIRType SIRType         `json:"sir_type,omitempty"`
}

// File is one ingested batch.
type File struct {
	Base
	Name       string          `json:"name"`
	UploadedAt time.Time       `json:"uploaded_at"`
	Active     bool            `json:"active"`
	Class      InstrumentClass `json:"class"`
	RowCount   int             `json:"row_count"`
	BlobKey    string          `json:"blob_key,omitempty"`
}

// Report is one lab submission.
type Report struct {
	Base
	HN           string          `json:"hn"`
	SubmittedAt  time.Time       `json:"date_of_submission"`
	IssuedAt     time.Time       `json:"report_issued_date"`
	SpeciesID    int64           `json:"species_id"`
	GenusID      int64           `json:"bacteria_genus_id"`
	SampleSiteID int64           `json:"submitted_sample_id"`
	Class        InstrumentClass `json:"class"`
	FileID       int64           `json:"file_id"`
	Partition    Partition       `json:"partition"`
}

// AnswerFact records that a drug was recommended for a report.
type AnswerFact struct {
	ReportID        int64 `json:"report_id"`
	AntimicrobialID int64 `json:"antimicrobial_id"`
}

// SIRFact records a susceptibility result for one drug on one report.
type SIRFact struct {
	ReportID        int64  `json:"report_id"`
	AntimicrobialID int64  `json:"antimicrobial_id"`
	Symbol          string `json:"symbol"`
}

// SplitAssignment places a report in the train or test side of one drug's split.
type SplitAssignment struct {
	ReportID        int64     `json:"report_id"`
	AntimicrobialID int64     `json:"antimicrobial_id"`
	Partition       Partition `json:"partition"`
}

// Classifier is one fitted model for one drug.
type Classifier struct {
	Base
	AntimicrobialID int64       `json:"antimicrobial_id"`
	Schema          []string    `json:"schema"`
	ArtifactKey     string      `json:"artifact_key"`
	Performance     Performance `json:"performance"`
	Metrics         Metrics     `json:"metrics"`
}

// ModelGroup is a versioned bundle of per-drug classifiers for one class.
// Version 0 is the deployed bundle.
type ModelGroup struct {
	Base
	Class   InstrumentClass `json:"class"`
	Version int             `json:"version"`
	Metrics Metrics         `json:"metrics"`
	// Classifiers maps antimicrobial id to classifier id.
	Classifiers   map[int64]int64 `json:"classifiers"`
	FileIDs       []int64         `json:"file_ids"`
	SampleBinning []string        `json:"sample_binning"`
}

// Deployed reports whether the group is the version-0 bundle.
func (g ModelGroup) Deployed() bool { return g.Version == 0 }

// RetrainingLog tracks one retraining request.
type RetrainingLog struct {
	Base
	Class        InstrumentClass  `json:"class"`
	StartedAt    time.Time        `json:"start_date"`
	FinishedAt   *time.Time       `json:"finish_date,omitempty"`
	Duration     time.Duration    `json:"time"`
	Status       RetrainingStatus `json:"status"`
	ModelGroupID *int64           `json:"model_group_id,omitempty"`
	FileIDs      []int64          `json:"file_ids"`
	Error        string           `json:"error,omitempty"`
}

// UploadResult is one detail line attached to an upload log.
type UploadResult struct {
	Type   UploadResultType `json:"type"`
	Stage  string           `json:"stage,omitempty"`
	Detail string           `json:"detail"`
}

// UploadLog tracks one submitted batch.
type UploadLog struct {
	Base
	Filename   string          `json:"filename"`
	Class      InstrumentClass `json:"class"`
	StartedAt  time.Time       `json:"start_date"`
	FinishedAt *time.Time      `json:"finish_date,omitempty"`
	Duration   time.Duration   `json:"time"`
	RowCount   int             `json:"amount_row"`
	Status     UploadStatus    `json:"status"`
	FileID     *int64          `json:"file_id,omitempty"`
	Results    []UploadResult  `json:"results,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID int64
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rule %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}
