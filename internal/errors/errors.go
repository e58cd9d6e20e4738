// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Standard sentinel errors
var (
	ErrOverAllocated        = errors.New("allocation exceeds 100% of portfolio")
	ErrAllocationRequired   = errors.New("bot has no allocation")
	ErrAlgorithmMissing     = errors.New("bot has no enabled algorithm")
	ErrDivestInProgress     = errors.New("divest already in progress")
	ErrHasOpenHoldings      = errors.New("bot has open holdings")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrPositionSizeExceeded = errors.New("position size exceeds maximum")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrExecutionSettled     = errors.New("execution already settled")
	ErrPortfolioNotFound    = errors.New("portfolio not found")
	ErrBotNotFound          = errors.New("bot not found")
	ErrAlgorithmNotFound    = errors.New("algorithm not found")
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrConcurrencyConflict  = errors.New("concurrent operation in progress, retry")
	ErrQuoteUnavailable     = errors.New("quote unavailable")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrDatabaseError        = errors.New("database error")
	ErrInputValidation      = errors.New("input validation failed")
)

// Kind classifies an error for callers that must react differently per class.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindInvariant   Kind = "invariant"
	KindOperational Kind = "operational"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

var invariantSentinels = []error{
	ErrOverAllocated,
	ErrAllocationRequired,
	ErrAlgorithmMissing,
	ErrDivestInProgress,
	ErrHasOpenHoldings,
	ErrInsufficientPosition,
	ErrInsufficientFunds,
	ErrPositionSizeExceeded,
	ErrInvalidTransition,
	ErrExecutionSettled,
}

var notFoundSentinels = []error{
	ErrPortfolioNotFound,
	ErrBotNotFound,
	ErrAlgorithmNotFound,
	ErrExecutionNotFound,
	ErrTemplateNotFound,
}

// KindOf maps any error onto the error taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	var pe *ParamError
	if errors.As(err, &ve) || errors.As(err, &pe) || errors.Is(err, ErrInputValidation) {
		return KindValidation
	}
	var ce *ConflictError
	if errors.As(err, &ce) || errors.Is(err, ErrConcurrencyConflict) {
		return KindConflict
	}
	var fe *FaultError
	if errors.As(err, &fe) || errors.Is(err, ErrQuoteUnavailable) || errors.Is(err, ErrBrokerUnavailable) {
		return KindOperational
	}
	for _, s := range notFoundSentinels {
		if errors.Is(err, s) {
			return KindNotFound
		}
	}
	var ie *InvariantError
	if errors.As(err, &ie) {
		return KindInvariant
	}
	for _, s := range invariantSentinels {
		if errors.Is(err, s) {
			return KindInvariant
		}
	}
	return KindInternal
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ParamError lists every parameter rejected by an update. Nothing was applied.
type ParamError struct {
	Fields  []string
	Reasons map[string]string
}

func (e *ParamError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if r, ok := e.Reasons[f]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", f, r))
		} else {
			parts = append(parts, f)
		}
	}
	return fmt.Sprintf("invalid parameter(s): %s", strings.Join(parts, "; "))
}

func (e *ParamError) Unwrap() error {
	return ErrInputValidation
}

// Add records an offending field.
func (e *ParamError) Add(field, reason string) {
	if e.Reasons == nil {
		e.Reasons = make(map[string]string)
	}
	if _, seen := e.Reasons[field]; !seen {
		e.Fields = append(e.Fields, field)
		sort.Strings(e.Fields)
	}
	e.Reasons[field] = reason
}

// Empty reports whether no field was rejected.
func (e *ParamError) Empty() bool {
	return len(e.Fields) == 0
}

// InvalidParameter creates a ParamError for a single field.
func InvalidParameter(field, reason string) *ParamError {
	pe := &ParamError{}
	pe.Add(field, reason)
	return pe
}

// InvariantError represents a rejected command that would break a ledger or lifecycle rule.
type InvariantError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
	Err     error
}

func (e *InvariantError) Error() string {
	if e.Limit != 0 || e.Current != 0 {
		return fmt.Sprintf("invariant violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
	}
	return fmt.Sprintf("invariant violation [%s]: %s", e.Rule, e.Message)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// NewInvariantError creates a new InvariantError wrapping a sentinel.
func NewInvariantError(sentinel error, rule string, current, limit float64, message string) *InvariantError {
	return &InvariantError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
		Err:     sentinel,
	}
}

// FaultError represents an operational fault from an external collaborator.
type FaultError struct {
	Source string
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("operational fault [%s]: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("operational fault [%s]: %s", e.Source, e.Reason)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// NewFaultError creates a new FaultError.
func NewFaultError(source, reason string, err error) *FaultError {
	return &FaultError{
		Source: source,
		Reason: reason,
		Err:    err,
	}
}

// ConflictError is returned when a caller lost the race for a bot's exclusive-access boundary.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Key, ErrConcurrencyConflict)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NewConflictError creates a new ConflictError.
func NewConflictError(key string) *ConflictError {
	return &ConflictError{Key: key}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a plain error.
func New(text string) error {
	return errors.New(text)
}
