package dbconn

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// The spec (§7) names error-handling policy after SQL Server error codes
// (547 for FK violation, 2627 for duplicate key). The engine keeps those as
// named constants and maps whichever SQLSTATE the underlying driver
// reports onto them, so internal/orchestrator and internal/applier never
// need to know which backend they are talking to.
const (
	ErrCodeForeignKeyViolation = "547"
	ErrCodeDuplicateKey        = "2627"
	ErrCodeDatatypeMismatch    = "8114"
)

var sqlstateToSpecCode = map[string]string{
	"23503": ErrCodeForeignKeyViolation, // foreign_key_violation
	"23505": ErrCodeDuplicateKey,        // unique_violation
	"42804": ErrCodeDatatypeMismatch,    // datatype_mismatch
}

// DriverError wraps a failed statement with the spec-level error code
// (§7) alongside the raw backend error, following the teacher's
// DatabaseError pattern of a typed, Code-bearing wrapper classified via
// errors.As rather than string matching.
type DriverError struct {
	Code      string // spec-level code, e.g. ErrCodeForeignKeyViolation
	SQLState  string // raw backend SQLSTATE, for logging
	Message   string
	Operation string
	cause     error
}

func (e *DriverError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("dbconn: %s failed [%s/%s]: %s", e.Operation, e.Code, e.SQLState, e.Message)
	}
	return fmt.Sprintf("dbconn: statement failed [%s/%s]: %s", e.Code, e.SQLState, e.Message)
}

func (e *DriverError) Unwrap() error { return e.cause }

// WithOperation annotates the error with the component/operation that hit it.
func (e *DriverError) WithOperation(op string) *DriverError {
	e.Operation = op
	return e
}

// Classify wraps err, if non-nil, in a *DriverError carrying the spec-level
// code the policy table in spec §7 keys its decisions on. Errors that are
// not a recognised PgError pass through unchanged (not nil-wrapped), so
// callers can still use errors.Is for context.Canceled etc.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	code, known := sqlstateToSpecCode[pgErr.Code]
	if !known {
		code = pgErr.Code
	}
	return &DriverError{
		Code:     code,
		SQLState: pgErr.Code,
		Message:  pgErr.Message,
		cause:    err,
	}
}

// IsForeignKeyViolation reports whether err is the spec's error 547.
func IsForeignKeyViolation(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == ErrCodeForeignKeyViolation
}

// IsDuplicateKey reports whether err is the spec's error 2627.
func IsDuplicateKey(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == ErrCodeDuplicateKey
}

// IsDatatypeMismatch reports whether err is a datatype-clash failure, the
// condition the applier's nvarchar/image [Contents] recovery (spec §4.5) is
// scoped to. Any other error must propagate unrecovered.
func IsDatatypeMismatch(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == ErrCodeDatatypeMismatch
}

// IsRetryable reports whether err looks like a transient connection
// problem worth a backoff-retry (internal/retry), as opposed to a
// structural failure the orchestrator's recovery state machine must
// handle explicitly.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", "08003", "08006", "08001", "08004", "40001", "40P01", "53300", "57P01", "57P02", "57P03":
			return true
		}
	}
	return false
}
