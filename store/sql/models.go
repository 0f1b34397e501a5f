package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// benefitRecord keeps deleted_at as a plain column: grant tasks must still
// read benefits after they are soft deleted.
type benefitRecord struct {
	bun.BaseModel `bun:"table:grant_benefits,alias:gb"`

	ID             string         `bun:"id,pk"`
	OrganizationID string         `bun:"organization_id,notnull"`
	Kind           string         `bun:"kind,notnull"`
	Description    string         `bun:"description,notnull"`
	Properties     map[string]any `bun:"properties,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt      *time.Time     `bun:"deleted_at,nullzero"`
}

type customerRecord struct {
	bun.BaseModel `bun:"table:grant_customers,alias:gc"`

	ID             string     `bun:"id,pk"`
	OrganizationID string     `bun:"organization_id,notnull"`
	Email          string     `bun:"email,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt      *time.Time `bun:"deleted_at,nullzero"`
}

type productBenefitRecord struct {
	bun.BaseModel `bun:"table:grant_product_benefits,alias:gpb"`

	ProductID string    `bun:"product_id,pk"`
	BenefitID string    `bun:"benefit_id,pk"`
	Position  int       `bun:"position,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type meterRecord struct {
	bun.BaseModel `bun:"table:grant_meters,alias:gm"`

	ID             string     `bun:"id,pk"`
	OrganizationID string     `bun:"organization_id,notnull"`
	Name           string     `bun:"name,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt      *time.Time `bun:"deleted_at,nullzero"`
}

type grantRecord struct {
	bun.BaseModel `bun:"table:benefit_grants,alias:bg"`

	ID         string         `bun:"id,pk"`
	CustomerID string         `bun:"customer_id,notnull"`
	BenefitID  string         `bun:"benefit_id,notnull"`
	ScopeType  string         `bun:"scope_type,notnull"`
	ScopeID    string         `bun:"scope_id,notnull"`
	State      string         `bun:"state,notnull"`
	Properties map[string]any `bun:"properties,type:jsonb,notnull"`
	GrantedAt  *time.Time     `bun:"granted_at,nullzero"`
	RevokedAt  *time.Time     `bun:"revoked_at,nullzero"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt  *time.Time     `bun:"deleted_at,nullzero"`
}

type usageEventRecord struct {
	bun.BaseModel `bun:"table:grant_usage_events,alias:gue"`

	ID             string         `bun:"id,pk"`
	Name           string         `bun:"name,notnull"`
	Source         string         `bun:"source,notnull"`
	OrganizationID string         `bun:"organization_id,notnull"`
	CustomerID     string         `bun:"customer_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	OccurredAt     time.Time      `bun:"occurred_at,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type grantTaskRecord struct {
	bun.BaseModel `bun:"table:grant_tasks,alias:gt"`

	ID             string     `bun:"id,pk"`
	Kind           string     `bun:"kind,notnull"`
	CustomerID     string     `bun:"customer_id,notnull"`
	BenefitID      string     `bun:"benefit_id,notnull"`
	ScopeType      string     `bun:"scope_type,notnull"`
	ScopeID        string     `bun:"scope_id,notnull"`
	GrantID        string     `bun:"grant_id,notnull"`
	Status         string     `bun:"status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	IdempotencyKey string     `bun:"idempotency_key,notnull"`
	LastError      string     `bun:"last_error,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	ClaimedAt      *time.Time `bun:"claimed_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type grantLockRecord struct {
	bun.BaseModel `bun:"table:grant_locks,alias:gl"`

	LockKey   string    `bun:"lock_key,pk"`
	Token     string    `bun:"token,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
