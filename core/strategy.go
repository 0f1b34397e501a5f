package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StrategyRegistry maps a benefit kind to the strategy implementing it.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[BenefitKind]BenefitStrategy
}

func NewStrategyRegistry(strategies ...BenefitStrategy) (*StrategyRegistry, error) {
	registry := &StrategyRegistry{strategies: make(map[BenefitKind]BenefitStrategy)}
	for _, strategy := range strategies {
		if err := registry.Register(strategy); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *StrategyRegistry) Register(strategy BenefitStrategy) error {
	if strategy == nil {
		return fmt.Errorf("core: strategy is nil")
	}
	kind := BenefitKind(strings.TrimSpace(string(strategy.Kind())))
	if kind == "" {
		return fmt.Errorf("core: strategy kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[kind]; exists {
		return fmt.Errorf("core: strategy already registered: %s", kind)
	}
	r.strategies[kind] = strategy
	return nil
}

func (r *StrategyRegistry) Get(kind BenefitKind) (BenefitStrategy, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	strategy, ok := r.strategies[BenefitKind(strings.TrimSpace(string(kind)))]
	r.mu.RUnlock()
	return strategy, ok
}

// Resolve is Get with an UnsupportedBenefitKind error for unknown kinds.
func (r *StrategyRegistry) Resolve(kind BenefitKind) (BenefitStrategy, error) {
	strategy, ok := r.Get(kind)
	if !ok {
		return nil, UnsupportedBenefitKindError(kind)
	}
	return strategy, nil
}

func (r *StrategyRegistry) Kinds() []BenefitKind {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	kinds := make([]BenefitKind, 0, len(r.strategies))
	for kind := range r.strategies {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// DefaultStrategies builds the closed set of benefit strategies.
func DefaultStrategies(cfg Config, emitter UsageEventEmitter, meters MeterReader) []BenefitStrategy {
	return []BenefitStrategy{
		NewMeterCreditStrategy(emitter, meters, cfg.MeterCredit.RetryDelay),
		CustomStrategy{},
	}
}

// invokeStrategy dispatches a task kind to the matching strategy operation.
// update reuses grant with Update set.
func invokeStrategy(
	ctx context.Context,
	strategy BenefitStrategy,
	kind TaskKind,
	benefit Benefit,
	customer Customer,
	prior GrantProperties,
	call StrategyCall,
) (GrantProperties, error) {
	switch kind {
	case TaskKindGrant:
		return strategy.Grant(ctx, benefit, customer, prior.Clone(), call)
	case TaskKindUpdate:
		call.Update = true
		return strategy.Grant(ctx, benefit, customer, prior.Clone(), call)
	case TaskKindCycle:
		return strategy.Cycle(ctx, benefit, customer, prior.Clone(), call)
	case TaskKindRevoke, TaskKindDeleteGrant:
		return strategy.Revoke(ctx, benefit, customer, prior.Clone(), call)
	default:
		return nil, fmt.Errorf("%w: %q has no strategy operation", ErrInvalidTaskKind, kind)
	}
}
