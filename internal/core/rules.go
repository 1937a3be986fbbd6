package core

import "amrcore/pkg/domain"

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(DeployedGroupUniqueRule())
	engine.Register(PublishedGroupFrozenRule())
	engine.Register(ModelGroupReferencesRule())
	engine.Register(SIRTypeWriteOnceRule())
	engine.Register(ReportFileReferenceRule())
	return engine
}

func blockingViolation(rule string, entity EntityType, id int64, message string) Violation {
	return Violation{
		Rule:     rule,
		Severity: SeverityBlock,
		Message:  message,
		Entity:   entity,
		EntityID: id,
	}
}

func touches(changes []Change, entities ...EntityType) bool {
	for _, change := range changes {
		for _, entity := range entities {
			if change.Entity == entity {
				return true
			}
		}
	}
	return false
}
