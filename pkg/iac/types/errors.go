package types

import (
	"errors"
	"fmt"
)

// ErrorClass is the semantic classification of a failure, used to decide
// retry eligibility and propagation (not a type name — a classification).
type ErrorClass string

const (
	// ErrorClassValidation is a schema or cross-field failure. Planner-level,
	// never retried, aborts plan creation.
	ErrorClassValidation ErrorClass = "validation"
	// ErrorClassDependency is an unsatisfiable reference, a cycle, or a
	// critical delete. Aborts plan creation.
	ErrorClassDependency ErrorClass = "dependency"
	// ErrorClassTransient is network/timeout/5xx/throttle from an effector.
	// Retried with backoff.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassConflict is a resource modified out of band: an update saw
	// an unexpected "before". Not retried; fails the change and triggers
	// rollback.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassAuthorization is permission denied. Not retried; fatal to
	// the wave.
	ErrorClassAuthorization ErrorClass = "authorization"
	// ErrorClassStalePlan is a baseVersion mismatch at apply time.
	ErrorClassStalePlan ErrorClass = "stale-plan"
	// ErrorClassPartialRollback means rollback itself failed; the
	// deployment is quarantined pending operator intervention.
	ErrorClassPartialRollback ErrorClass = "partial-rollback"
)

// IaCError is a classified error carrying enough context to report the
// failing resource and operation to a caller.
type IaCError struct {
	Class     ErrorClass
	Message   string
	Code      string
	Resource  string
	Operation string
	Err       error
}

func (e *IaCError) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		base = fmt.Sprintf("%s (resource=%s)", base, e.Resource)
	}
	if e.Operation != "" {
		base = fmt.Sprintf("%s (operation=%s)", base, e.Operation)
	}
	if e.Err != nil {
		base = fmt.Sprintf("%s: %s", base, e.Err.Error())
	}
	return base
}

func (e *IaCError) Unwrap() error { return e.Err }

func (e *IaCError) Is(target error) bool {
	t, ok := target.(*IaCError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func (e *IaCError) WithResource(id string) *IaCError  { e.Resource = id; return e }
func (e *IaCError) WithOperation(op string) *IaCError { e.Operation = op; return e }
func (e *IaCError) WithCode(code string) *IaCError    { e.Code = code; return e }

func newErr(class ErrorClass, message string, err error) *IaCError {
	return &IaCError{Class: class, Message: message, Err: err}
}

func NewValidationError(message string, err error) *IaCError     { return newErr(ErrorClassValidation, message, err) }
func NewDependencyError(message string, err error) *IaCError      { return newErr(ErrorClassDependency, message, err) }
func NewTransientError(message string, err error) *IaCError       { return newErr(ErrorClassTransient, message, err) }
func NewConflictError(message string, err error) *IaCError        { return newErr(ErrorClassConflict, message, err) }
func NewAuthorizationError(message string, err error) *IaCError   { return newErr(ErrorClassAuthorization, message, err) }
func NewStalePlanError(message string) *IaCError                  { return newErr(ErrorClassStalePlan, message, nil) }
func NewPartialRollbackError(message string, err error) *IaCError { return newErr(ErrorClassPartialRollback, message, err) }

func classOf(err error) (ErrorClass, bool) {
	var e *IaCError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func IsValidation(err error) bool { c, ok := classOf(err); return ok && c == ErrorClassValidation }
func IsDependency(err error) bool { c, ok := classOf(err); return ok && c == ErrorClassDependency }
func IsTransient(err error) bool  { c, ok := classOf(err); return ok && c == ErrorClassTransient }
func IsConflict(err error) bool   { c, ok := classOf(err); return ok && c == ErrorClassConflict }
func IsAuthorization(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAuthorization
}
func IsStalePlan(err error) bool { c, ok := classOf(err); return ok && c == ErrorClassStalePlan }

// IsRetryable reports whether the engine should retry the effector call that
// produced err. Only transient failures qualify; validation, conflict,
// authorization and not-found-on-update are not retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes used across the engine.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodeCriticalDelete   = "CRITICAL_DELETE"
	ErrCodeBusy             = "BUSY"
)
