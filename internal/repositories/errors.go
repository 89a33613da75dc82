package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// PersistenceError is a backend-neutral RepositoryError used by non-Firestore adapters.
type PersistenceError struct {
	Op   string
	Err  error
	kind errorKind
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error, if any.
func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *PersistenceError) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *PersistenceError) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *PersistenceError) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, message string) *PersistenceError {
	return &PersistenceError{Op: op, Err: errors.New(message), kind: kindNotFound}
}

// NewConflictError reports a concurrent modification or duplicate.
func NewConflictError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, kind: kindConflict}
}

// NewUnavailableError reports a transient backend outage.
func NewUnavailableError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err, kind: kindUnavailable}
}

// IsNotFound reports whether err is a RepositoryError describing a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError describing a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError describing a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// StockErrorCode enumerates repository error causes for stock operations.
type StockErrorCode string

const (
	// StockErrorInsufficient indicates an allocation would exceed stock on hand.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorNegative indicates a movement would drive a counter below zero.
	StockErrorNegative StockErrorCode = "stock_negative"
	// StockErrorLevelNotFound indicates the variant has no level at the location.
	StockErrorLevelNotFound StockErrorCode = "stock_level_not_found"
)

// StockError wraps stock-specific failures with machine readable codes.
type StockError struct {
	Op               string
	Code             StockErrorCode
	ProductVariantID string
	StockLocationID  string
	Message          string
	Err              error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error for the variant at the location.
func NewStockError(code StockErrorCode, variantID, locationID string) *StockError {
	return &StockError{
		Code:             code,
		ProductVariantID: variantID,
		StockLocationID:  locationID,
		Message:          fmt.Sprintf("%s for variant %s at %s", code, variantID, locationID),
	}
}
