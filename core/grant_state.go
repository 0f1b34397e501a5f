package core

import (
	"fmt"
	"time"
)

func grantTransitionAllowed(current, next GrantState) bool {
	allowed := map[GrantState]map[GrantState]struct{}{
		GrantStateInitialized: {
			GrantStateGranted: {},
			GrantStateRevoked: {},
		},
		GrantStateGranted: {
			GrantStateGranted: {},
			GrantStateRevoked: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// CanTransition reports whether a grant may move from one state to another.
// Nothing leaves revoked.
func CanTransition(from, to GrantState) bool {
	return grantTransitionAllowed(from, to)
}

// TargetState is the state a successful operation of kind leaves a grant in.
func TargetState(kind TaskKind) (GrantState, error) {
	switch kind {
	case TaskKindGrant, TaskKindCycle, TaskKindUpdate:
		return GrantStateGranted, nil
	case TaskKindRevoke, TaskKindDeleteGrant:
		return GrantStateRevoked, nil
	default:
		return "", fmt.Errorf("%w: %q has no grant transition", ErrInvalidTaskKind, kind)
	}
}

// Advance applies the outcome of a successful strategy call. It must only be
// called after the strategy returned without error.
func (g *GrantRecord) Advance(kind TaskKind, props GrantProperties, now time.Time) error {
	if g == nil {
		return nil
	}
	next, err := TargetState(kind)
	if err != nil {
		return err
	}
	if !grantTransitionAllowed(g.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidGrantStateTransition, g.State, next)
	}
	g.State = next
	g.Properties = props.Clone()
	g.UpdatedAt = now
	switch next {
	case GrantStateGranted:
		grantedAt := now
		g.GrantedAt = &grantedAt
	case GrantStateRevoked:
		revokedAt := now
		g.RevokedAt = &revokedAt
	}
	return nil
}

// MarkDeleted soft-deletes the grant. Only revoked grants can be deleted.
func (g *GrantRecord) MarkDeleted(now time.Time) error {
	if g == nil {
		return nil
	}
	if g.State != GrantStateRevoked {
		return fmt.Errorf("%w: cannot delete grant in state %s", ErrInvalidGrantStateTransition, g.State)
	}
	if g.DeletedAt != nil {
		return nil
	}
	deletedAt := now
	g.DeletedAt = &deletedAt
	g.UpdatedAt = now
	return nil
}
