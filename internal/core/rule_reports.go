package core

import (
	"amrcore/pkg/domain"
	"context"
	"fmt"
)

// SIRTypeWriteOnceRule blocks changing the test type of a SIR drug once set.
func SIRTypeWriteOnceRule() domain.Rule {
	return sirTypeWriteOnceRule{}
}

type sirTypeWriteOnceRule struct{}

func (sirTypeWriteOnceRule) Name() string { return "sir_type_write_once" }

func (r sirTypeWriteOnceRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityLookup || change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := change.Before.(domain.LookupEntry)
		if !ok || before.SIRType == "" {
			continue
		}
		after, ok := change.After.(domain.LookupEntry)
		if !ok || after.SIRType == before.SIRType {
			continue
		}
		res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityLookup, before.ID,
			fmt.Sprintf("sir drug %q is %s and cannot become %s", before.Name, before.SIRType, after.SIRType)))
	}
	return res, nil
}

// ReportFileReferenceRule requires created reports to belong to an existing file.
func ReportFileReferenceRule() domain.Rule {
	return reportFileReferenceRule{}
}

type reportFileReferenceRule struct{}

func (reportFileReferenceRule) Name() string { return "report_file_reference" }

func (r reportFileReferenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	missing := make(map[int64]bool)
	for _, change := range changes {
		if change.Entity != domain.EntityReport || change.Action != domain.ActionCreate {
			continue
		}
		report, ok := change.After.(domain.Report)
		if !ok {
			continue
		}
		gone, checked := missing[report.FileID]
		if !checked {
			_, exists := view.FindFile(report.FileID)
			gone = !exists
			missing[report.FileID] = gone
		}
		if gone {
			res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityReport, report.ID,
				fmt.Sprintf("report %q references missing file %d", report.HN, report.FileID)))
		}
	}
	return res, nil
}
