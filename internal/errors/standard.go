// Package errors provides the standardized conditions reported by memcx.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory groups related condition codes
type ErrorCategory string

const (
	CategoryHierarchy  ErrorCategory = "HIERARCHY"
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryLifetime   ErrorCategory = "LIFETIME"
	CategoryFault      ErrorCategory = "FAULT"
	CategoryValidation ErrorCategory = "VALIDATION"
)

// Condition codes
const (
	CodeInvalidHierarchy       = "INVALID_HIERARCHY"
	CodeAlignmentUnsupported   = "ALIGNMENT_UNSUPPORTED"
	CodeRegionInactive         = "REGION_INACTIVE"
	CodeRegionBorrowed         = "REGION_BORROWED"
	CodeForeignFault           = "FOREIGN_FAULT"
	CodeFaultConversionFailure = "FAULT_CONVERSION_FAILURE"
	CodeScopeViolation         = "SCOPE_VIOLATION"
	CodeInvalidSize            = "INVALID_SIZE"
	CodeUnsupportedType        = "UNSUPPORTED_TYPE"
	CodeInvalidArgument        = "INVALID_ARGUMENT"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrInvalidHierarchy       = &StandardError{Category: CategoryHierarchy, Code: CodeInvalidHierarchy}
	ErrAlignmentUnsupported   = &StandardError{Category: CategoryMemory, Code: CodeAlignmentUnsupported}
	ErrRegionInactive         = &StandardError{Category: CategoryLifetime, Code: CodeRegionInactive}
	ErrRegionBorrowed         = &StandardError{Category: CategoryLifetime, Code: CodeRegionBorrowed}
	ErrForeignFault           = &StandardError{Category: CategoryFault, Code: CodeForeignFault}
	ErrFaultConversionFailure = &StandardError{Category: CategoryFault, Code: CodeFaultConversionFailure}
	ErrScopeViolation         = &StandardError{Category: CategoryLifetime, Code: CodeScopeViolation}
	ErrInvalidSize            = &StandardError{Category: CategoryValidation, Code: CodeInvalidSize}
	ErrUnsupportedType        = &StandardError{Category: CategoryValidation, Code: CodeUnsupportedType}
	ErrInvalidArgument        = &StandardError{Category: CategoryValidation, Code: CodeInvalidArgument}
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target carries the same condition code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newAt(2, category, code, message, context)
}

func newAt(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors

func InvalidHierarchy(operation, detail string) *StandardError {
	return newAt(2, CategoryHierarchy, CodeInvalidHierarchy,
		fmt.Sprintf("%s: %s", operation, detail),
		map[string]interface{}{"operation": operation})
}

func AlignmentUnsupported(alignment, ceiling uintptr, reason string) *StandardError {
	return newAt(2, CategoryMemory, CodeAlignmentUnsupported,
		fmt.Sprintf("alignment %d exceeds ceiling %d: %s", alignment, ceiling, reason),
		map[string]interface{}{"alignment": alignment, "ceiling": ceiling})
}

// AlignmentInvalid reports an alignment that is not a power of two. It
// matches ErrAlignmentUnsupported.
func AlignmentInvalid(alignment uintptr) *StandardError {
	return newAt(2, CategoryMemory, CodeAlignmentUnsupported,
		fmt.Sprintf("alignment %d is not a power of two", alignment),
		map[string]interface{}{"alignment": alignment})
}

func RegionInactive(region, state string) *StandardError {
	return newAt(2, CategoryLifetime, CodeRegionInactive,
		fmt.Sprintf("region %s is %s", region, state),
		map[string]interface{}{"region": region, "state": state})
}

func RegionBorrowed(region string, borrows int) *StandardError {
	return newAt(2, CategoryLifetime, CodeRegionBorrowed,
		fmt.Sprintf("region %s has %d open borrow(s)", region, borrows),
		map[string]interface{}{"region": region, "borrows": borrows})
}

func ScopeViolation(detail string) *StandardError {
	return newAt(2, CategoryLifetime, CodeScopeViolation, detail, nil)
}

func InvalidArgument(operation, detail string) *StandardError {
	return newAt(2, CategoryValidation, CodeInvalidArgument,
		fmt.Sprintf("%s: %s", operation, detail),
		map[string]interface{}{"operation": operation})
}

func InvalidSize(size uintptr, context string) *StandardError {
	return newAt(2, CategoryValidation, CodeInvalidSize,
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func UnsupportedType(typeName, reason string) *StandardError {
	return newAt(2, CategoryValidation, CodeUnsupportedType,
		fmt.Sprintf("type %s: %s", typeName, reason),
		map[string]interface{}{"type": typeName})
}

func FaultConversionFailure(code, reason string) *StandardError {
	return newAt(2, CategoryFault, CodeFaultConversionFailure,
		fmt.Sprintf("cannot convert fault %s back to a host error: %s", code, reason),
		map[string]interface{}{"sqlstate": code})
}
