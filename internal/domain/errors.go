package domain

import (
	"fmt"
	"strings"
)

// Violation is a single schema check failure inside a record.
type Violation struct {
	Path     string
	Expected string
	Actual   string
}

func (v Violation) String() string {
	if v.Actual == "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Expected)
	}
	return fmt.Sprintf("%s: expected %s, got %s", v.Path, v.Expected, v.Actual)
}

// ValidationError reports schema violations for one record. It is collected
// per record and never fatal to a batch.
type ValidationError struct {
	Record     string
	SchemaID   string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf(
		"validation failed (record=%s schema=%s): %s",
		e.Record,
		e.SchemaID,
		strings.Join(parts, "; "),
	)
}

// IdentityConflictError means two distinct inputs derived the same identifier
// with conflicting content. The record is rejected, never silently
// overwritten.
type IdentityConflictError struct {
	ID       string
	Field    string
	Existing string
	Incoming string
}

func (e *IdentityConflictError) Error() string {
	if e == nil {
		return "identity conflict"
	}
	return fmt.Sprintf(
		"identity conflict (id=%s field=%s): existing=%q incoming=%q",
		e.ID,
		e.Field,
		e.Existing,
		e.Incoming,
	)
}

// StoreUnavailableError means a backing store could not be reached. It is
// fatal to the whole run.
type StoreUnavailableError struct {
	Store string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	if e == nil {
		return "store unavailable"
	}
	if e.Cause != nil {
		return fmt.Sprintf("store unavailable (store=%s): %v", e.Store, e.Cause)
	}
	return fmt.Sprintf("store unavailable (store=%s)", e.Store)
}

func (e *StoreUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// TaxonomyNotFoundError means an explicitly supplied taxonomy id could not be
// loaded. The default taxonomy is never substituted for an explicit id.
type TaxonomyNotFoundError struct {
	ID    string
	Known []string
}

func (e *TaxonomyNotFoundError) Error() string {
	if e == nil {
		return "taxonomy not found"
	}
	if len(e.Known) == 0 {
		return fmt.Sprintf("taxonomy not found (id=%s)", e.ID)
	}
	return fmt.Sprintf(
		"taxonomy not found (id=%s known=%s)",
		e.ID,
		strings.Join(e.Known, ","),
	)
}
