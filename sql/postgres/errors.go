// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"errors"
	"fmt"

	"github.com/idxctl/idxctl/sql/schema"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrTxWrapped is matched by errors returned when a concurrent
	// index operation is requested inside a transaction block.
	ErrTxWrapped = errors.New("postgres: operation cannot run inside a transaction block")

	// ErrInvalidIndex is matched by errors returned when an index build
	// left an invalid index behind that must be dropped before retrying.
	ErrInvalidIndex = errors.New("postgres: invalid index")

	// ErrNameConflict is matched by errors returned when the index
	// name is already taken by another relation in the schema.
	ErrNameConflict = errors.New("postgres: relation name already exists")

	// ErrValidIndex is returned when a repair is requested for a valid index.
	ErrValidIndex = errors.New("postgres: index is valid")
)

type (
	// TxWrappedError is returned when a statement that cannot run inside a transaction
	// block is issued on a transaction. It is returned before the statement is sent to
	// the server, or if the server rejected it with SQLSTATE 25001.
	TxWrappedError struct {
		Stmt  string
		Cause error // Server error, if any.
	}

	// InvalidIndexError is returned when an index is left in an invalid state
	// after its build failed or was interrupted. The index is never dropped
	// implicitly. See Issuer.Repair.
	InvalidIndexError struct {
		Index *IndexState
		Cause error // The error that interrupted the build, if any.
	}

	// NameConflictError is returned when the index name is already taken
	// by another relation in the schema.
	NameConflictError struct {
		Schema, Name string
		Kind         string // Relation kind. e.g. "table" or "index".
		Cause        error  // Server error, if any.
	}
)

func (e *TxWrappedError) Error() string {
	s := fmt.Sprintf("postgres: statement %q cannot run inside a transaction block", e.Stmt)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Is reports if the target is ErrTxWrapped.
func (e *TxWrappedError) Is(target error) bool { return target == ErrTxWrapped }

// Unwrap returns the server error.
func (e *TxWrappedError) Unwrap() error { return e.Cause }

func (e *InvalidIndexError) Error() string {
	s := fmt.Sprintf("postgres: index %q on table %q is invalid and must be dropped before retrying", e.Index.Name, e.Index.Table)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Is reports if the target is ErrInvalidIndex.
func (e *InvalidIndexError) Is(target error) bool { return target == ErrInvalidIndex }

// Unwrap returns the error that interrupted the build.
func (e *InvalidIndexError) Unwrap() error { return e.Cause }

func (e *NameConflictError) Error() string {
	s := fmt.Sprintf("postgres: relation %q already exists", e.Name)
	if e.Schema != "" {
		s += fmt.Sprintf(" in schema %q", e.Schema)
	}
	if e.Kind != "" {
		s += fmt.Sprintf(" (%s)", e.Kind)
	}
	return s
}

// Is reports if the target is ErrNameConflict.
func (e *NameConflictError) Is(target error) bool { return target == ErrNameConflict }

// Unwrap returns the server error.
func (e *NameConflictError) Unwrap() error { return e.Cause }

// List of SQLSTATE codes.
const (
	codeActiveTx        = "25001" // active_sql_transaction
	codeDuplicateTable  = "42P07" // duplicate_table
	codeUndefinedTable  = "42P01" // undefined_table
	codeUndefinedColumn = "42703" // undefined_column
	codeQueryCanceled   = "57014" // query_canceled
	codeLockNotAvail    = "55P03" // lock_not_available
)

// SQLState returns the SQLSTATE code of the server error, or an empty string.
// Errors of both lib/pq and pgx (used by the Cloud SQL connector) are supported.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// CodeName returns the condition name of the given SQLSTATE code.
// For example, "25001" => "active_sql_transaction".
func CodeName(code string) string {
	return pq.ErrorCode(code).Name()
}

// classify converts server errors returned for the given statement into
// the matching error types, or returns nil if no type matches.
func classify(stmt, schemaName, name string, err error) error {
	switch SQLState(err) {
	case codeActiveTx:
		return &TxWrappedError{Stmt: stmt, Cause: err}
	case codeDuplicateTable:
		return &NameConflictError{Schema: schemaName, Name: name, Cause: err}
	case codeUndefinedTable, codeUndefinedColumn:
		return &schema.NotExistError{Err: err}
	default:
		return nil
	}
}

// Retryable reports if the server error was caused by a timeout or a
// cancellation, and the operation can be issued again after a repair.
func Retryable(err error) bool {
	switch SQLState(err) {
	case codeQueryCanceled, codeLockNotAvail:
		return true
	default:
		return false
	}
}

// relKinds maps pg_class.relkind values to their names.
var relKinds = map[string]string{
	"r": "table",
	"i": "index",
	"S": "sequence",
	"t": "toast table",
	"v": "view",
	"m": "materialized view",
	"c": "composite type",
	"f": "foreign table",
	"p": "partitioned table",
	"I": "partitioned index",
}
