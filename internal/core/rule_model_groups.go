package core

import (
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"sort"
)

// DeployedGroupUniqueRule allows at most one model group per class and
// version, which keeps a single deployed (version 0) group per class.
func DeployedGroupUniqueRule() domain.Rule {
	return deployedGroupUniqueRule{}
}

type deployedGroupUniqueRule struct{}

func (deployedGroupUniqueRule) Name() string { return "deployed_group_unique" }

func (r deployedGroupUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !touches(changes, domain.EntityModelGroup) {
		return res, nil
	}
	type slot struct {
		class   domain.InstrumentClass
		version int
	}
	seen := make(map[slot]int64)
	groups := view.ListModelGroups("")
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	for _, g := range groups {
		key := slot{g.Class, g.Version}
		if first, dup := seen[key]; dup {
			res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityModelGroup, g.ID,
				fmt.Sprintf("model group %d duplicates %s version %d held by group %d", g.ID, g.Class, g.Version, first)))
			continue
		}
		seen[key] = g.ID
	}
	return res, nil
}

// PublishedGroupFrozenRule rejects updates to a published (non-zero version)
// model group. Deleting one is allowed so an aborted run can unpublish.
func PublishedGroupFrozenRule() domain.Rule {
	return publishedGroupFrozenRule{}
}

type publishedGroupFrozenRule struct{}

func (publishedGroupFrozenRule) Name() string { return "published_group_frozen" }

func (r publishedGroupFrozenRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityModelGroup || change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := change.Before.(domain.ModelGroup)
		if !ok {
			continue
		}
		after, _ := change.After.(domain.ModelGroup)
		if before.Version != 0 || after.Version != 0 {
			res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityModelGroup, before.ID,
				fmt.Sprintf("model group %d (%s version %d) is published and cannot change", before.ID, before.Class, before.Version)))
		}
	}
	return res, nil
}

// ModelGroupReferencesRule requires every classifier and file a model group
// points at to exist, which also blocks deleting a classifier still in use.
func ModelGroupReferencesRule() domain.Rule {
	return modelGroupReferencesRule{}
}

type modelGroupReferencesRule struct{}

func (modelGroupReferencesRule) Name() string { return "model_group_references" }

func (r modelGroupReferencesRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !touches(changes, domain.EntityModelGroup, domain.EntityClassifier, domain.EntityFile) {
		return res, nil
	}
	for _, g := range view.ListModelGroups("") {
		drugIDs := make([]int64, 0, len(g.Classifiers))
		for drugID := range g.Classifiers {
			drugIDs = append(drugIDs, drugID)
		}
		sort.Slice(drugIDs, func(i, j int) bool { return drugIDs[i] < drugIDs[j] })
		for _, drugID := range drugIDs {
			classifierID := g.Classifiers[drugID]
			c, ok := view.FindClassifier(classifierID)
			if !ok {
				res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityModelGroup, g.ID,
					fmt.Sprintf("model group %d references missing classifier %d", g.ID, classifierID)))
				continue
			}
			if c.AntimicrobialID != drugID {
				res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityModelGroup, g.ID,
					fmt.Sprintf("model group %d maps antimicrobial %d to classifier %d of antimicrobial %d", g.ID, drugID, c.ID, c.AntimicrobialID)))
			}
		}
		for _, fileID := range g.FileIDs {
			if _, ok := view.FindFile(fileID); !ok {
				res.Violations = append(res.Violations, blockingViolation(r.Name(), domain.EntityModelGroup, g.ID,
					fmt.Sprintf("model group %d references missing file %d", g.ID, fileID)))
			}
		}
	}
	return res, nil
}
