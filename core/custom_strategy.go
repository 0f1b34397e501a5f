package core

import "context"

const CustomPropertyNote = "note"

// CustomStrategy backs benefits fulfilled outside the engine. It only records
// the grant lifecycle and never calls upstream.
type CustomStrategy struct{}

func (CustomStrategy) Kind() BenefitKind {
	return BenefitKindCustom
}

func (CustomStrategy) Grant(_ context.Context, _ Benefit, _ Customer, prior GrantProperties, _ StrategyCall) (GrantProperties, error) {
	return prior.Clone(), nil
}

func (CustomStrategy) Cycle(_ context.Context, _ Benefit, _ Customer, prior GrantProperties, _ StrategyCall) (GrantProperties, error) {
	return prior.Clone(), nil
}

func (CustomStrategy) Revoke(_ context.Context, _ Benefit, _ Customer, prior GrantProperties, _ StrategyCall) (GrantProperties, error) {
	return prior.Clone(), nil
}

func (CustomStrategy) RequiresUpdate(context.Context, Benefit, BenefitProperties) (bool, error) {
	return false, nil
}

func (CustomStrategy) ValidateProperties(_ context.Context, _ Actor, raw map[string]any) (BenefitProperties, error) {
	if value, ok := raw[CustomPropertyNote]; ok && value != nil {
		if _, isString := value.(string); !isString {
			return nil, ValidationError(CustomPropertyNote, "note must be a string")
		}
	}
	return BenefitProperties(copyAnyMap(raw)), nil
}
