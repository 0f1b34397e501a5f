package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapError_PreservesRichErrors(t *testing.T) {
	mapped := MapError(BenefitDoesNotExistError("ben_1"))
	if mapped.TextCode != ServiceErrorBenefitNotFound || mapped.Code != http.StatusNotFound {
		t.Fatalf("unexpected mapping %+v", mapped)
	}
	if mapped.Metadata["benefit_id"] != "ben_1" {
		t.Fatalf("expected metadata preserved, got %+v", mapped.Metadata)
	}
}

func TestMapError_ClassifiesPlainErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		textCode string
		category goerrors.Category
	}{
		{"retriable", NewRetriableError(time.Second, errors.New("timeout")), ServiceErrorUpstreamRetriable, goerrors.CategoryExternal},
		{"not found", fmt.Errorf("grant g1: %w", ErrNotFound), ServiceErrorNotFound, goerrors.CategoryNotFound},
		{"invalid scope", fmt.Errorf("%w: %q", ErrInvalidGrantScope, "invoice"), ServiceErrorBadInput, goerrors.CategoryBadInput},
	}
	for _, tc := range cases {
		mapped := MapError(tc.err)
		if mapped.TextCode != tc.textCode || mapped.Category != tc.category {
			t.Fatalf("%s: expected %s/%s, got %s/%s", tc.name, tc.category, tc.textCode, mapped.Category, mapped.TextCode)
		}
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil")
	}
}

func TestStrategyFailedError_IsCritical(t *testing.T) {
	err := StrategyFailedError(BenefitKindMeterCredit, TaskKindGrant, errors.New("bad response"))
	if err.TextCode != ServiceErrorStrategyFailed || err.Severity != goerrors.SeverityCritical {
		t.Fatalf("unexpected strategy failure %+v", err)
	}
	if err.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", err.Code)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsNotFound(CustomerDoesNotExistError("cus_1")) || !IsCustomerDoesNotExist(CustomerDoesNotExistError("cus_1")) {
		t.Fatalf("expected customer not found predicates")
	}
	if !IsNotFound(fmt.Errorf("wrapped: %w", ErrNotFound)) {
		t.Fatalf("expected sentinel not found")
	}
	if !IsConflict(LockHeldError("k")) || IsConflict(errors.New("plain")) {
		t.Fatalf("unexpected conflict classification")
	}
	if !isPermanent(ValidationError("units", "bad")) || isPermanent(errors.New("io")) {
		t.Fatalf("unexpected permanence classification")
	}
}

func TestRetriableError_Unwraps(t *testing.T) {
	cause := errors.New("reset")
	err := fmt.Errorf("emit: %w", NewRetriableError(-time.Second, cause))
	retriable, ok := AsRetriable(err)
	if !ok || retriable.Delay != 0 || !errors.Is(err, cause) {
		t.Fatalf("unexpected retriable unwrap %+v", retriable)
	}
}
