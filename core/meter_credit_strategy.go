package core

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	MeterCreditPropertyMeterID = "meter_id"
	MeterCreditPropertyUnits   = "units"

	GrantPropertyLastCreditedMeterID = "last_credited_meter_id"
	GrantPropertyLastCreditedUnits   = "last_credited_units"
	GrantPropertyLastCreditedAt      = "last_credited_at"

	meterNotFoundMessage = "This meter does not exist."
)

// MeterCreditStrategy credits usage units on a meter when a benefit is
// granted or cycled and debits what was last credited on revoke.
type MeterCreditStrategy struct {
	emitter    UsageEventEmitter
	meters     MeterReader
	retryDelay time.Duration
	now        func() time.Time
}

func NewMeterCreditStrategy(emitter UsageEventEmitter, meters MeterReader, retryDelay time.Duration) *MeterCreditStrategy {
	if retryDelay <= 0 {
		retryDelay = defaultMeterRetryDelay
	}
	return &MeterCreditStrategy{
		emitter:    emitter,
		meters:     meters,
		retryDelay: retryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MeterCreditStrategy) Kind() BenefitKind {
	return BenefitKindMeterCredit
}

func (s *MeterCreditStrategy) Grant(ctx context.Context, benefit Benefit, customer Customer, _ GrantProperties, call StrategyCall) (GrantProperties, error) {
	meterID, units, err := meterCreditConfig(benefit.Properties)
	if err != nil {
		return nil, err
	}
	return s.credit(ctx, benefit, customer, meterID, units, call)
}

func (s *MeterCreditStrategy) Cycle(ctx context.Context, benefit Benefit, customer Customer, _ GrantProperties, call StrategyCall) (GrantProperties, error) {
	meterID, units, err := meterCreditConfig(benefit.Properties)
	if err != nil {
		return nil, err
	}
	return s.credit(ctx, benefit, customer, meterID, units, call)
}

// Revoke reverses the last credit recorded on the grant, ignoring the current
// benefit configuration. Grants that were never credited are left as is.
func (s *MeterCreditStrategy) Revoke(ctx context.Context, benefit Benefit, customer Customer, prior GrantProperties, call StrategyCall) (GrantProperties, error) {
	meterID := strings.TrimSpace(stringProperty(prior, GrantPropertyLastCreditedMeterID))
	if meterID == "" {
		return prior.Clone(), nil
	}
	units, ok := int64Property(prior, GrantPropertyLastCreditedUnits)
	if !ok {
		configured, found := int64Property(benefit.Properties, MeterCreditPropertyUnits)
		if !found {
			return nil, ValidationError(MeterCreditPropertyUnits, "units are required to revoke a credit")
		}
		units = configured
	}
	return s.credit(ctx, benefit, customer, meterID, -units, call)
}

func (s *MeterCreditStrategy) RequiresUpdate(context.Context, Benefit, BenefitProperties) (bool, error) {
	return false, nil
}

func (s *MeterCreditStrategy) ValidateProperties(ctx context.Context, actor Actor, raw map[string]any) (BenefitProperties, error) {
	meterID := strings.TrimSpace(stringProperty(raw, MeterCreditPropertyMeterID))
	if meterID == "" {
		return nil, ValidationError(MeterCreditPropertyMeterID, meterNotFoundMessage)
	}
	units, ok := int64Property(raw, MeterCreditPropertyUnits)
	if !ok || units <= 0 {
		return nil, ValidationError(MeterCreditPropertyUnits, "units must be a positive integer")
	}
	if s.meters == nil {
		return nil, ValidationError(MeterCreditPropertyMeterID, meterNotFoundMessage)
	}
	meter, err := s.meters.GetReadableMeter(ctx, actor, meterID)
	if err != nil {
		if IsNotFound(err) {
			return nil, ValidationError(MeterCreditPropertyMeterID, meterNotFoundMessage)
		}
		return nil, err
	}
	if meter.DeletedAt != nil || !actor.CanRead(meter.OrganizationID) {
		return nil, ValidationError(MeterCreditPropertyMeterID, meterNotFoundMessage)
	}
	out := BenefitProperties(copyAnyMap(raw))
	out[MeterCreditPropertyMeterID] = meterID
	out[MeterCreditPropertyUnits] = units
	return out, nil
}

func (s *MeterCreditStrategy) credit(
	ctx context.Context,
	benefit Benefit,
	customer Customer,
	meterID string,
	units int64,
	call StrategyCall,
) (GrantProperties, error) {
	if s.emitter == nil {
		return nil, NewRetriableError(s.retryDelay, goerrors.New("usage event emitter is not configured", goerrors.CategoryExternal))
	}
	event := UsageEvent{
		ID:             NewUsageEventID(),
		Name:           UsageEventMeterCredited,
		Source:         UsageEventSourceSystem,
		OrganizationID: benefit.OrganizationID,
		CustomerID:     customer.ID,
		IdempotencyKey: strings.TrimSpace(call.IdempotencyKey),
		Metadata: map[string]any{
			MeterCreditPropertyMeterID: meterID,
			MeterCreditPropertyUnits:   units,
		},
		Timestamp: s.now(),
	}
	stored, err := s.emitter.EmitUsageEvent(ctx, event)
	if err != nil {
		if isPermanent(err) {
			return nil, err
		}
		if retriable, ok := AsRetriable(err); ok {
			return nil, retriable
		}
		return nil, NewRetriableError(s.retryDelay, err)
	}
	creditedAt := stored.Timestamp
	if creditedAt.IsZero() {
		creditedAt = event.Timestamp
	}
	return GrantProperties{
		GrantPropertyLastCreditedMeterID: meterID,
		GrantPropertyLastCreditedUnits:   units,
		GrantPropertyLastCreditedAt:      creditedAt.UTC().Format(time.RFC3339),
	}, nil
}

func meterCreditConfig(props BenefitProperties) (string, int64, error) {
	meterID := strings.TrimSpace(stringProperty(props, MeterCreditPropertyMeterID))
	if meterID == "" {
		return "", 0, ValidationError(MeterCreditPropertyMeterID, "meter_id is required")
	}
	units, ok := int64Property(props, MeterCreditPropertyUnits)
	if !ok {
		return "", 0, ValidationError(MeterCreditPropertyUnits, "units is required")
	}
	return meterID, units, nil
}

func stringProperty(props map[string]any, key string) string {
	if len(props) == 0 {
		return ""
	}
	switch typed := props[key].(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return ""
	}
}

// int64Property reads integral numbers in whichever form a JSON round trip or
// a caller left them.
func int64Property(props map[string]any, key string) (int64, bool) {
	if len(props) == 0 {
		return 0, false
	}
	switch typed := props[key].(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
