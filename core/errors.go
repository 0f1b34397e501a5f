package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput          = "GRANTS_BAD_INPUT"
	ServiceErrorCustomerNotFound  = "GRANTS_CUSTOMER_NOT_FOUND"
	ServiceErrorBenefitNotFound   = "GRANTS_BENEFIT_NOT_FOUND"
	ServiceErrorGrantNotFound     = "GRANTS_GRANT_NOT_FOUND"
	ServiceErrorNotFound          = "GRANTS_NOT_FOUND"
	ServiceErrorUnsupportedKind   = "GRANTS_UNSUPPORTED_KIND"
	ServiceErrorUpstreamRetriable = "GRANTS_UPSTREAM_RETRIABLE"
	ServiceErrorStrategyFailed    = "GRANTS_STRATEGY_FAILED"
	ServiceErrorRetriesExhausted  = "GRANTS_RETRIES_EXHAUSTED"
	ServiceErrorLocked            = "GRANTS_LOCKED"
	ServiceErrorConflict          = "GRANTS_CONFLICT"
	ServiceErrorInternal          = "GRANTS_INTERNAL_ERROR"
)

// ErrNotFound is wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("core: record not found")

// RetriableError marks a transient failure. Delay is the suggested wait
// before the next attempt; zero leaves the choice to the retry scheduler.
type RetriableError struct {
	Delay time.Duration
	Err   error
}

func NewRetriableError(delay time.Duration, cause error) *RetriableError {
	if delay < 0 {
		delay = 0
	}
	return &RetriableError{Delay: delay, Err: cause}
}

func (e *RetriableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("core: retriable failure (retry in %s)", e.Delay)
	}
	return fmt.Sprintf("core: retriable failure (retry in %s): %v", e.Delay, e.Err)
}

func (e *RetriableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func AsRetriable(err error) (*RetriableError, bool) {
	var retriable *RetriableError
	if errors.As(err, &retriable) && retriable != nil {
		return retriable, true
	}
	return nil, false
}

func CustomerDoesNotExistError(customerID string) *goerrors.Error {
	return newServiceError(
		fmt.Sprintf("customer %q does not exist", strings.TrimSpace(customerID)),
		goerrors.CategoryNotFound,
		ServiceErrorCustomerNotFound,
	).WithMetadata(map[string]any{"customer_id": strings.TrimSpace(customerID)})
}

func BenefitDoesNotExistError(benefitID string) *goerrors.Error {
	return newServiceError(
		fmt.Sprintf("benefit %q does not exist", strings.TrimSpace(benefitID)),
		goerrors.CategoryNotFound,
		ServiceErrorBenefitNotFound,
	).WithMetadata(map[string]any{"benefit_id": strings.TrimSpace(benefitID)})
}

func GrantDoesNotExistError(reference string) *goerrors.Error {
	return newServiceError(
		fmt.Sprintf("grant %q does not exist", strings.TrimSpace(reference)),
		goerrors.CategoryNotFound,
		ServiceErrorGrantNotFound,
	).WithMetadata(map[string]any{"grant": strings.TrimSpace(reference)})
}

func UnsupportedBenefitKindError(kind BenefitKind) *goerrors.Error {
	return newServiceError(
		fmt.Sprintf("benefit kind %q is not supported", kind),
		goerrors.CategoryBadInput,
		ServiceErrorUnsupportedKind,
	)
}

func StrategyFailedError(kind BenefitKind, task TaskKind, cause error) *goerrors.Error {
	wrapped := goerrors.Wrap(cause, goerrors.CategoryOperation, fmt.Sprintf("%s strategy failed during %s", kind, task)).
		WithTextCode(ServiceErrorStrategyFailed).
		WithSeverity(goerrors.SeverityCritical)
	return ensureServiceErrorEnvelope(wrapped)
}

func RetriesExhaustedError(attempt int, cause error) *goerrors.Error {
	message := fmt.Sprintf("retries exhausted after %d attempts", attempt)
	var wrapped *goerrors.Error
	if cause == nil {
		wrapped = goerrors.New(message, goerrors.CategoryOperation)
	} else {
		wrapped = goerrors.Wrap(cause, goerrors.CategoryOperation, message)
	}
	return ensureServiceErrorEnvelope(wrapped.
		WithTextCode(ServiceErrorRetriesExhausted).
		WithMetadata(map[string]any{"attempt": attempt}))
}

func LockHeldError(key string) *goerrors.Error {
	return newServiceError(
		fmt.Sprintf("grant lock already held for %q", strings.TrimSpace(key)),
		goerrors.CategoryConflict,
		ServiceErrorLocked,
	)
}

// GrantConflictError reports a concurrent writer that created the grant for
// the same triple first.
func GrantConflictError(key string, cause error) *goerrors.Error {
	message := fmt.Sprintf("grant %q was written concurrently", strings.TrimSpace(key))
	var wrapped *goerrors.Error
	if cause == nil {
		wrapped = goerrors.New(message, goerrors.CategoryConflict)
	} else {
		wrapped = goerrors.Wrap(cause, goerrors.CategoryConflict, message)
	}
	return ensureServiceErrorEnvelope(wrapped.WithTextCode(ServiceErrorConflict))
}

func ValidationError(field string, message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(goerrors.NewValidation("benefit properties are invalid", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithTextCode(ServiceErrorBadInput).
		WithSeverity(goerrors.SeverityError))
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryNotFound
}

func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryConflict
}

func HasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.TextCode == textCode
}

func IsCustomerDoesNotExist(err error) bool {
	return HasTextCode(err, ServiceErrorCustomerNotFound)
}

func IsBenefitDoesNotExist(err error) bool {
	return HasTextCode(err, ServiceErrorBenefitNotFound)
}

func IsGrantDoesNotExist(err error) bool {
	return HasTextCode(err, ServiceErrorGrantNotFound)
}

// isPermanent reports failures that retrying cannot fix.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidGrantScope) || errors.Is(err, ErrInvalidTaskKind) || errors.Is(err, ErrInvalidTaskTarget) {
		return true
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound,
		goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return true
	default:
		return false
	}
}

// MapError converts any error into the service error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}
	if retriable, ok := AsRetriable(err); ok {
		return newServiceError(retriable.Error(), goerrors.CategoryExternal, ServiceErrorUpstreamRetriable)
	}
	if errors.Is(err, ErrNotFound) {
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorNotFound)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "lock already held"):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorLocked)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryConflict:
		return ServiceErrorConflict
	case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
		return ServiceErrorUpstreamRetriable
	case goerrors.CategoryOperation:
		return ServiceErrorStrategyFailed
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
