package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidGrantScope           = errors.New("core: invalid grant scope")
	ErrInvalidGrantStateTransition = errors.New("core: invalid grant state transition")
	ErrInvalidTaskKind             = errors.New("core: invalid task kind")
	ErrInvalidTaskTarget           = errors.New("core: invalid task target")
)

type BenefitKind string

const (
	BenefitKindMeterCredit BenefitKind = "meter_credit"
	BenefitKindCustom      BenefitKind = "custom"
)

// BenefitProperties is the strategy-specific configuration of a benefit.
type BenefitProperties map[string]any

func (p BenefitProperties) Clone() BenefitProperties {
	return BenefitProperties(copyAnyMap(p))
}

// GrantProperties is the opaque state a strategy returns after acting on a
// grant. It carries whatever the strategy needs to reverse the grant later.
type GrantProperties map[string]any

func (p GrantProperties) Clone() GrantProperties {
	return GrantProperties(copyAnyMap(p))
}

type Benefit struct {
	ID             string
	OrganizationID string
	Kind           BenefitKind
	Description    string
	Properties     BenefitProperties
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (b Benefit) IsDeleted() bool {
	return b.DeletedAt != nil
}

type Customer struct {
	ID             string
	OrganizationID string
	Email          string
	DeletedAt      *time.Time
}

type Meter struct {
	ID             string
	OrganizationID string
	Name           string
	DeletedAt      *time.Time
}

type ActorKind string

const (
	ActorKindUser         ActorKind = "user"
	ActorKindOrganization ActorKind = "organization"
)

// Actor is the identity configuring a benefit. A user actor can read the
// resources of every organization it belongs to; an organization actor only
// its own.
type Actor struct {
	Kind            ActorKind
	ID              string
	OrganizationIDs []string
}

func (a Actor) CanRead(organizationID string) bool {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return false
	}
	if a.Kind == ActorKindOrganization {
		return strings.TrimSpace(a.ID) == organizationID
	}
	for _, candidate := range a.OrganizationIDs {
		if strings.TrimSpace(candidate) == organizationID {
			return true
		}
	}
	return false
}

type ScopeType string

const (
	ScopeTypeSubscription ScopeType = "subscription"
	ScopeTypeOrder        ScopeType = "order"
)

// GrantScope references the commercial relationship a grant originates from.
type GrantScope struct {
	Type ScopeType
	ID   string
}

func SubscriptionScope(subscriptionID string) GrantScope {
	return GrantScope{Type: ScopeTypeSubscription, ID: strings.TrimSpace(subscriptionID)}
}

func OrderScope(orderID string) GrantScope {
	return GrantScope{Type: ScopeTypeOrder, ID: strings.TrimSpace(orderID)}
}

func (s GrantScope) Validate() error {
	switch ScopeType(strings.TrimSpace(string(s.Type))) {
	case ScopeTypeSubscription, ScopeTypeOrder:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidGrantScope, s.Type)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidGrantScope)
	}
	return nil
}

func (s GrantScope) String() string {
	return string(s.Type) + ":" + strings.TrimSpace(s.ID)
}

type GrantState string

const (
	GrantStateInitialized GrantState = "initialized"
	GrantStateGranted     GrantState = "granted"
	GrantStateRevoked     GrantState = "revoked"
)

type GrantRecord struct {
	ID         string
	CustomerID string
	BenefitID  string
	Scope      GrantScope
	State      GrantState
	Properties GrantProperties
	GrantedAt  *time.Time
	RevokedAt  *time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewGrantRecord(customerID string, benefitID string, scope GrantScope, now time.Time) GrantRecord {
	return GrantRecord{
		ID:         uuid.NewString(),
		CustomerID: strings.TrimSpace(customerID),
		BenefitID:  strings.TrimSpace(benefitID),
		Scope:      scope,
		State:      GrantStateInitialized,
		Properties: GrantProperties{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (g GrantRecord) IsRevoked() bool {
	return g.State == GrantStateRevoked
}

func (g GrantRecord) IsDeleted() bool {
	return g.DeletedAt != nil
}

// LockKey identifies the (customer, benefit, scope) triple that every task
// touching this record serializes on.
func (g GrantRecord) LockKey() string {
	return GrantLockKey(g.CustomerID, g.BenefitID, g.Scope)
}

func GrantLockKey(customerID string, benefitID string, scope GrantScope) string {
	return strings.Join([]string{
		"grant",
		strings.TrimSpace(customerID),
		strings.TrimSpace(benefitID),
		scope.String(),
	}, "|")
}

func (g GrantRecord) Clone() GrantRecord {
	out := g
	out.Properties = g.Properties.Clone()
	out.GrantedAt = cloneTime(g.GrantedAt)
	out.RevokedAt = cloneTime(g.RevokedAt)
	out.DeletedAt = cloneTime(g.DeletedAt)
	return out
}

type Subscription struct {
	ID             string
	CustomerID     string
	ProductID      string
	OrganizationID string
}

func (s Subscription) Scope() GrantScope {
	return SubscriptionScope(s.ID)
}

type Order struct {
	ID             string
	CustomerID     string
	ProductID      string
	OrganizationID string
}

func (o Order) Scope() GrantScope {
	return OrderScope(o.ID)
}

type TaskKind string

const (
	TaskKindGrant         TaskKind = "grant"
	TaskKindCycle         TaskKind = "cycle"
	TaskKindRevoke        TaskKind = "revoke"
	TaskKindUpdate        TaskKind = "update"
	TaskKindDeleteGrant   TaskKind = "delete_grant"
	TaskKindDeleteBenefit TaskKind = "delete_benefit"
)

func (k TaskKind) Validate() error {
	switch k {
	case TaskKindGrant, TaskKindCycle, TaskKindRevoke, TaskKindUpdate, TaskKindDeleteGrant, TaskKindDeleteBenefit:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTaskKind, k)
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// GrantTask is one durable unit of work in the grant outbox. Attempt is the
// 1-based number of the execution the task is claimed for.
type GrantTask struct {
	ID             string
	Kind           TaskKind
	CustomerID     string
	BenefitID      string
	Scope          GrantScope
	GrantID        string
	Attempt        int
	NotBefore      time.Time
	IdempotencyKey string
	Status         TaskStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewGrantTask builds a pending task targeting grant. The idempotency key is
// fixed for the lifetime of the task so every retry reuses it.
func NewGrantTask(kind TaskKind, grant GrantRecord, now time.Time) GrantTask {
	id := NewTaskID()
	return GrantTask{
		ID:             id,
		Kind:           kind,
		CustomerID:     grant.CustomerID,
		BenefitID:      grant.BenefitID,
		Scope:          grant.Scope,
		GrantID:        grant.ID,
		Attempt:        1,
		IdempotencyKey: taskIdempotencyKey(id, kind),
		Status:         TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func NewDeleteBenefitTask(benefitID string, now time.Time) GrantTask {
	id := NewTaskID()
	return GrantTask{
		ID:             id,
		Kind:           TaskKindDeleteBenefit,
		BenefitID:      strings.TrimSpace(benefitID),
		Attempt:        1,
		IdempotencyKey: taskIdempotencyKey(id, TaskKindDeleteBenefit),
		Status:         TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (t GrantTask) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidTaskTarget)
	}
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case TaskKindGrant, TaskKindCycle, TaskKindRevoke:
		if strings.TrimSpace(t.CustomerID) == "" || strings.TrimSpace(t.BenefitID) == "" {
			return fmt.Errorf("%w: %s requires customer and benefit", ErrInvalidTaskTarget, t.Kind)
		}
		if err := t.Scope.Validate(); err != nil {
			return err
		}
	case TaskKindUpdate, TaskKindDeleteGrant:
		if strings.TrimSpace(t.GrantID) == "" {
			return fmt.Errorf("%w: %s requires grant id", ErrInvalidTaskTarget, t.Kind)
		}
	case TaskKindDeleteBenefit:
		if strings.TrimSpace(t.BenefitID) == "" {
			return fmt.Errorf("%w: %s requires benefit id", ErrInvalidTaskTarget, t.Kind)
		}
	}
	return nil
}

// StrategyKey is the upstream idempotency key for this task.
func (t GrantTask) StrategyKey() string {
	if key := strings.TrimSpace(t.IdempotencyKey); key != "" {
		return key
	}
	return taskIdempotencyKey(t.ID, t.Kind)
}

const (
	UsageEventMeterCredited = "meter.credited"
	UsageEventSourceSystem  = "system"
)

// UsageEvent is a usage-accounting event sent upstream. Events sharing an
// idempotency key are the same event.
type UsageEvent struct {
	ID             string
	Name           string
	Source         string
	OrganizationID string
	CustomerID     string
	IdempotencyKey string
	Metadata       map[string]any
	Timestamp      time.Time
}

func NewTaskID() string {
	return ulid.Make().String()
}

func NewUsageEventID() string {
	return ulid.Make().String()
}

func taskIdempotencyKey(taskID string, kind TaskKind) string {
	return strings.TrimSpace(taskID) + ":" + string(kind)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}
