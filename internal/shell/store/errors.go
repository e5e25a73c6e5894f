// Package store persists deployments, port allocations, service units, hook
// audit records and workflows in SQLite.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Lookups.
var ErrNotFound = errors.New("entity not found")

// Uniqueness. Each maps to a UNIQUE or PRIMARY KEY column; see IsConflict.
var (
	ErrDuplicateID   = errors.New("entity with this ID already exists")
	ErrDuplicateName = errors.New("entity with this name already exists")
	ErrDuplicatePort = errors.New("port already allocated")
)

// Integrity and infrastructure.
var (
	ErrForeignKey       = errors.New("foreign key constraint violated")
	ErrInvalidData      = errors.New("invalid data format")
	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	ErrTxFailed         = errors.New("transaction failed")
)

// StoreError is the error every store method returns. Err is one of the
// sentinels above or the driver error.
type StoreError struct {
	Op      string // method, e.g. "CreateDeployment"
	Entity  string // table-level name, e.g. "port_allocation"
	ID      string
	Message string
	Err     error
}

// NewStoreError creates a StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entity != "" {
		b.WriteString(" " + e.Entity)
	}
	if e.ID != "" {
		b.WriteString(" " + e.ID)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a uniqueness violation of any kind.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrDuplicateName) ||
		errors.Is(err, ErrDuplicatePort)
}

// =============================================================================
// SQLite constraint classification
// =============================================================================

// violatedColumn returns the "table.column" of a failed UNIQUE or PRIMARY KEY
// constraint, read from the driver's typed error.
func violatedColumn(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return "", false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		// e.g. "UNIQUE constraint failed: deployments.name"
		_, column, ok := strings.Cut(sqliteErr.Error(), "failed: ")
		return column, ok
	}
	return "", false
}

// isUnique reports whether err violates uniqueness of column ("table.column").
func isUnique(err error, column string) bool {
	got, ok := violatedColumn(err)
	return ok && got == column
}

func isForeignKey(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
