// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package migrate provides the building blocks for planning index changes,
// writing them to a versioned migration directory and executing the
// directory against a database in the right transaction mode.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idxctl/idxctl/sql/schema"
)

type (
	// A Plan defines a planned changeset that its execution brings the database to
	// the new desired state. Additional information is calculated by the different
	// drivers to indicate if the changeset is transactional (can be wrapped in a
	// transaction) and reversible (a down file can be generated to it).
	Plan struct {
		// Version and Name of the plan. Provided by the user or auto-generated.
		Version, Name string

		// Reversible describes if the changeset is reversible.
		Reversible bool

		// Transactional describes if the changeset can be executed inside a
		// transaction block. Concurrent index builds cannot.
		Transactional bool

		// Changes defines the list of changeset in the plan.
		Changes []*Change
	}

	// A Change of migration.
	Change struct {
		// Cmd or statement to execute.
		Cmd string

		// Args for placeholder parameters in the statement above.
		Args []any

		// A Comment describes the change.
		Comment string

		// Reverse contains the "reversed statement" if
		// command is reversible.
		Reverse string

		// The Source that caused this change, or nil.
		Source schema.Change
	}
)

type (
	// The Driver interface must be implemented by the different dialects to support
	// planning and applying index changes. ExecQuerier provides the basic primitive
	// for executing raw SQL statements, and the PlanApplier wraps the methods for
	// generating a migration plan and applying the actual changes on the database.
	Driver interface {
		schema.ExecQuerier
		PlanApplier
	}

	// PlanApplier wraps the methods for planning and applying changes
	// on the database.
	PlanApplier interface {
		// PlanChanges returns a migration plan for applying the given changeset.
		PlanChanges(context.Context, string, []schema.Change, ...PlanOption) (*Plan, error)

		// ApplyChanges is responsible for applying the given changeset.
		// An error may return from ApplyChanges if the driver is unable
		// to execute a change.
		ApplyChanges(context.Context, []schema.Change, ...PlanOption) error
	}

	// PlanOptions holds the migration plan options to be used by PlanApplier.
	PlanOptions struct {
		// SchemaQualifier allows setting a custom schema to prefix tables and
		// other resources. An empty string indicates no qualifier.
		SchemaQualifier *string
	}

	// PlanOption allows configuring a drivers' plan using functional arguments.
	PlanOption func(*PlanOptions)

	// TxChecker is an optional interface implemented by drivers that can tell
	// whether a statement is forbidden inside a transaction block.
	TxChecker interface {
		// NoTx reports if the statement cannot run inside a transaction block.
		NoTx(stmt string) bool
	}
)

// PlanWithSchemaQualifier allows setting a custom schema to prefix tables and
// other resources. An empty string indicates no prefix.
func PlanWithSchemaQualifier(q string) PlanOption {
	return func(o *PlanOptions) {
		o.SchemaQualifier = &q
	}
}

// TxMode defines how migration files are wrapped in transactions.
type TxMode string

// List of transaction modes.
const (
	TxModeNone TxMode = "none" // No transactions.
	TxModeFile TxMode = "file" // One transaction per file (default).
	TxModeAll  TxMode = "all"  // One transaction for all files.
)

// ParseTxMode parses the given transaction mode.
func ParseTxMode(s string) (TxMode, error) {
	switch m := TxMode(s); m {
	case TxModeNone, TxModeFile, TxModeAll:
		return m, nil
	case "":
		return TxModeFile, nil
	default:
		return "", fmt.Errorf("unknown tx-mode %q", s)
	}
}

// TxModeError is returned when a file, or a statement in a file, cannot be
// executed in the transaction mode it was configured with. It is always
// returned before any statement reaches the database.
type TxModeError struct {
	File   string // File name.
	Mode   TxMode // Effective transaction mode.
	Stmt   string // Statement that cannot run in a transaction, if any.
	Reason string
}

// ErrTxMode is matched by all TxModeError values.
var ErrTxMode = errors.New("sql/migrate: invalid transaction mode")

func (e *TxModeError) Error() string {
	return e.Reason
}

// Is reports if the target is ErrTxMode.
func (e *TxModeError) Is(target error) bool {
	return target == ErrTxMode
}

type (
	// A Revision denotes an applied migration in a deployment. Used to track migration executions state of a database.
	Revision struct {
		Version         string        `json:"Version"`             // Version of the migration.
		Description     string        `json:"Description"`         // Description of this migration.
		Applied         int           `json:"Applied"`             // Applied amount of statements in the migration.
		Total           int           `json:"Total"`               // Total amount of statements in the migration.
		ExecutedAt      time.Time     `json:"ExecutedAt"`          // ExecutedAt is the starting point of execution.
		ExecutionTime   time.Duration `json:"ExecutionTime"`       // ExecutionTime of the migration.
		Error           string        `json:"Error,omitempty"`     // Error of the migration, if any occurred.
		ErrorStmt       string        `json:"ErrorStmt,omitempty"` // ErrorStmt is the statement that raised Error.
		OperatorVersion string        `json:"OperatorVersion"`     // OperatorVersion that executed this migration.
	}

	// RevisionReadWriter wraps the functionality for reading and writing migration revisions in a database table.
	RevisionReadWriter interface {
		// ReadRevisions returns all revisions.
		ReadRevisions(context.Context) ([]*Revision, error)
		// ReadRevision returns a revision by version.
		// Returns ErrRevisionNotExist if the version does not exist.
		ReadRevision(context.Context, string) (*Revision, error)
		// WriteRevision saves the revision to the storage.
		WriteRevision(context.Context, *Revision) error
	}
)

// ErrRevisionNotExist is returned if the requested revision is not found in the storage.
var ErrRevisionNotExist = errors.New("sql/migrate: revision not found")

// Done reports if all statements of the revision were applied.
func (r *Revision) Done() bool {
	return r.Applied >= r.Total && r.Error == ""
}

// NopRevisionReadWriter is a RevisionReadWriter that does nothing.
// It is useful for one-time replay of the migration directory.
type NopRevisionReadWriter struct{}

// ReadRevisions implements RevisionReadWriter.ReadRevisions.
func (NopRevisionReadWriter) ReadRevisions(context.Context) ([]*Revision, error) {
	return nil, nil
}

// ReadRevision implements RevisionReadWriter.ReadRevision.
func (NopRevisionReadWriter) ReadRevision(context.Context, string) (*Revision, error) {
	return nil, ErrRevisionNotExist
}

// WriteRevision implements RevisionReadWriter.WriteRevision.
func (NopRevisionReadWriter) WriteRevision(context.Context, *Revision) error {
	return nil
}

var _ RevisionReadWriter = (*NopRevisionReadWriter)(nil)
