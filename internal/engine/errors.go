package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the error category.
type Code string

const (
	// CodeValidation indicates malformed input. Rejected before any lock.
	CodeValidation Code = "VALIDATION"

	// CodePartitionCoverage indicates a split partition that does not
	// cover the component's artifacts exactly once.
	CodePartitionCoverage Code = "PARTITION_COVERAGE"

	// CodeNotFound indicates an unknown component or missing capability.
	CodeNotFound Code = "NOT_FOUND"

	// CodePrecondition indicates a lifecycle precondition that is not met.
	CodePrecondition Code = "PRECONDITION"

	// CodeAlreadyEvolved indicates a component that already has a capability.
	CodeAlreadyEvolved Code = "ALREADY_EVOLVED"

	// CodeConflict indicates a trigger, artifact or id held by another owner.
	CodeConflict Code = "CONFLICT"

	// CodeQualityGateFailed indicates one or more components failed the gate.
	CodeQualityGateFailed Code = "QUALITY_GATE_FAILED"

	// CodeTargetNotFound indicates a rollback target outside the history.
	CodeTargetNotFound Code = "TARGET_NOT_FOUND"

	// CodeCircularDependency indicates an operation that would close a cycle.
	CodeCircularDependency Code = "CIRCULAR_DEPENDENCY"

	// CodeNamingConflict indicates a new component id already in use.
	CodeNamingConflict Code = "NAMING_CONFLICT"

	// CodeUnsafeRollback indicates a rollback that would break live dependents.
	CodeUnsafeRollback Code = "UNSAFE_ROLLBACK"

	// CodeUnsafeRetire indicates a retirement that would strand live dependents.
	CodeUnsafeRetire Code = "UNSAFE_RETIRE"

	// CodeIntegrity indicates content that no longer matches its checksum.
	CodeIntegrity Code = "INTEGRITY"
)

// Class groups codes by how a caller should react.
type Class string

const (
	// ClassValidation errors are fixed by correcting the input.
	ClassValidation Class = "validation"

	// ClassPrecondition errors are fixed by changing component state first.
	ClassPrecondition Class = "precondition"

	// ClassSafety errors are retried only with cascade/force or after
	// resolving the reported conflict.
	ClassSafety Class = "safety"

	// ClassIntegrity errors are fatal and need manual inspection.
	ClassIntegrity Class = "integrity"
)

// Class returns the class of a code.
func (c Code) Class() Class {
	switch c {
	case CodeValidation, CodePartitionCoverage:
		return ClassValidation
	case CodeCircularDependency, CodeNamingConflict, CodeUnsafeRollback, CodeUnsafeRetire:
		return ClassSafety
	case CodeIntegrity:
		return ClassIntegrity
	default:
		return ClassPrecondition
	}
}

// GateFailure is one component that did not pass the quality gate.
type GateFailure struct {
	ComponentID string   `json:"component_id"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Mismatch locates one artifact whose content differs from its record.
// Diff is a unified-style text diff when both sides could be recovered.
type Mismatch struct {
	Ref      string `json:"ref"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// Error is the typed error returned by every engine operation.
//
// Only the payload fields relevant to the code are set.
type Error struct {
	// Code identifies the error category.
	Code Code `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// ComponentID identifies the component the operation targeted.
	ComponentID string `json:"component_id,omitempty"`

	Failures   []GateFailure `json:"failures,omitempty"`
	Dependents []string      `json:"dependents,omitempty"`
	Cycle      []string      `json:"cycle,omitempty"`
	Mismatches []Mismatch    `json:"mismatches,omitempty"`
	Owner      string        `json:"owner,omitempty"`
	Trigger    string        `json:"trigger,omitempty"`
	Missing    []string      `json:"missing,omitempty"`
	Unknown    []string      `json:"unknown,omitempty"`
	Duplicated []string      `json:"duplicated,omitempty"`
	Names      []string      `json:"names,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ComponentID != "" {
		return fmt.Sprintf("%s: %s (component=%s)", e.Code, e.Message, e.ComponentID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Class returns the class of the error's code.
func (e *Error) Class() Class {
	return e.Code.Class()
}

// Is matches the code sentinels below, so errors.Is(err, ErrUnsafeRollback)
// works for any UNSAFE_ROLLBACK error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is. They carry only a code.
var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrPartitionCoverage  = &Error{Code: CodePartitionCoverage}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrPrecondition       = &Error{Code: CodePrecondition}
	ErrAlreadyEvolved     = &Error{Code: CodeAlreadyEvolved}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrQualityGateFailed  = &Error{Code: CodeQualityGateFailed}
	ErrTargetNotFound     = &Error{Code: CodeTargetNotFound}
	ErrCircularDependency = &Error{Code: CodeCircularDependency}
	ErrNamingConflict     = &Error{Code: CodeNamingConflict}
	ErrUnsafeRollback     = &Error{Code: CodeUnsafeRollback}
	ErrUnsafeRetire       = &Error{Code: CodeUnsafeRetire}
	ErrIntegrity          = &Error{Code: CodeIntegrity}
)

// AsError extracts the engine error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the class of an engine error, or "" for any other error.
func ClassOf(err error) Class {
	if e, ok := AsError(err); ok {
		return e.Class()
	}
	return ""
}

func hasCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsValidationError returns true for VALIDATION and PARTITION_COVERAGE errors.
func IsValidationError(err error) bool {
	return ClassOf(err) == ClassValidation
}

// IsPreconditionError returns true for any precondition-class error.
func IsPreconditionError(err error) bool {
	return ClassOf(err) == ClassPrecondition
}

// IsSafetyError returns true for any safety-class error.
func IsSafetyError(err error) bool {
	return ClassOf(err) == ClassSafety
}

// IsIntegrityError returns true if the error is an integrity failure.
func IsIntegrityError(err error) bool {
	return hasCode(err, CodeIntegrity)
}

// IsNotFoundError returns true if the error is a NOT_FOUND error.
func IsNotFoundError(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsUnsafeRollbackError returns true if the error is an UNSAFE_ROLLBACK error.
func IsUnsafeRollbackError(err error) bool {
	return hasCode(err, CodeUnsafeRollback)
}

func newError(code Code, componentID, format string, args ...any) *Error {
	return &Error{Code: code, ComponentID: componentID, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError creates an Error for malformed input.
func NewValidationError(componentID, format string, args ...any) *Error {
	return newError(CodeValidation, componentID, format, args...)
}

// NewNotFoundError creates an Error for an unknown component.
func NewNotFoundError(componentID string) *Error {
	return newError(CodeNotFound, componentID, "component not found")
}

// NewPreconditionError creates an Error for an unmet precondition.
func NewPreconditionError(componentID, format string, args ...any) *Error {
	return newError(CodePrecondition, componentID, format, args...)
}

// NewConflictError creates an Error naming the owner of a contested trigger
// or artifact.
func NewConflictError(componentID, what, owner string) *Error {
	e := newError(CodeConflict, componentID, "%s is owned by %s", what, owner)
	e.Owner = owner
	return e
}

// NewQualityGateError creates an Error listing every failing component.
func NewQualityGateError(componentID string, failures []GateFailure) *Error {
	ids := make([]string, len(failures))
	for i, f := range failures {
		ids[i] = f.ComponentID
	}
	e := newError(CodeQualityGateFailed, componentID, "quality gate failed for %s", strings.Join(ids, ", "))
	e.Failures = failures
	return e
}

// NewUnsafeRollbackError creates an Error listing the dependents a rollback
// would break.
func NewUnsafeRollbackError(componentID string, dependents []string) *Error {
	e := newError(CodeUnsafeRollback, componentID, "rollback would break live dependents: %s", strings.Join(dependents, ", "))
	e.Dependents = dependents
	return e
}

// NewIntegrityError creates an Error carrying per-ref mismatches.
func NewIntegrityError(componentID string, mismatches []Mismatch) *Error {
	refs := make([]string, len(mismatches))
	for i, m := range mismatches {
		refs[i] = m.Ref
	}
	e := newError(CodeIntegrity, componentID, "checksum mismatch: %s", strings.Join(refs, ", "))
	e.Mismatches = mismatches
	return e
}
