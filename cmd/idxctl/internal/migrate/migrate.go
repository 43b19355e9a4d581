// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package migrate stores the migration revisions of a database
// in the idxctl_schema_revisions table.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlclient"
)

// Table is the name of the revisions table.
const Table = "idxctl_schema_revisions"

type (
	// Revisions provides implementation for the migrate.RevisionReadWriter
	// interface on top of a PostgreSQL table.
	Revisions struct {
		db     schema.ExecQuerier // connection the revisions are read and written on
		schema string             // name of the schema the revision table resides in
	}

	// Option allows to configure Revisions by using functional arguments.
	Option func(*Revisions) error
)

var _ migrate.RevisionReadWriter = (*Revisions)(nil)

// NewRevisions creates a new Revisions for the given client. Revisions are
// written on the client connection, outside the transactions that wrap the
// migration files.
func NewRevisions(c *sqlclient.Client, opts ...Option) (*Revisions, error) {
	r := &Revisions{db: c.DB}
	if c.DB == nil {
		r.db = c.Driver
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WithSchema configures the schema to use for the revision table.
func WithSchema(s string) Option {
	return func(r *Revisions) error {
		r.schema = s
		return nil
	}
}

// Init creates the revisions schema and table if they don't exist.
func (r *Revisions) Init(ctx context.Context) error {
	if r.schema != "" {
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", strconv.Quote(r.schema))); err != nil {
			return fmt.Errorf("creating schema %q: %w", r.schema, err)
		}
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  version varchar(255) NOT NULL PRIMARY KEY,
  description varchar(255) NOT NULL,
  applied bigint NOT NULL DEFAULT 0,
  total bigint NOT NULL DEFAULT 0,
  executed_at timestamptz NOT NULL,
  execution_time bigint NOT NULL,
  error text NULL,
  error_stmt text NULL,
  operator_version varchar(255) NOT NULL
)`, r.tableName())); err != nil {
		return fmt.Errorf("creating revisions table: %w", err)
	}
	return nil
}

// Exists reports if the revisions table exists.
func (r *Revisions) Exists(ctx context.Context) (bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT to_regclass($1) IS NOT NULL", r.tableName())
	if err != nil {
		return false, fmt.Errorf("checking revisions table: %w", err)
	}
	defer rows.Close()
	var ok bool
	if rows.Next() {
		if err := rows.Scan(&ok); err != nil {
			return false, err
		}
	}
	return ok, rows.Err()
}

const columns = "version, description, applied, total, executed_at, execution_time, error, error_stmt, operator_version"

// ReadRevisions returns all revisions ordered by their version.
func (r *Revisions) ReadRevisions(ctx context.Context) ([]*migrate.Revision, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY version", columns, r.tableName()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var revs []*migrate.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

// ReadRevision returns a revision by version.
// Returns migrate.ErrRevisionNotExist if the version does not exist.
func (r *Revisions) ReadRevision(ctx context.Context, version string) (*migrate.Revision, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE version = $1", columns, r.tableName()), version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, migrate.ErrRevisionNotExist
	}
	return scanRevision(rows)
}

// WriteRevision saves the revision to the storage.
func (r *Revisions) WriteRevision(ctx context.Context, rev *migrate.Revision) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (version) DO UPDATE SET description = $2, applied = $3, total = $4, executed_at = $5, execution_time = $6, error = $7, error_stmt = $8, operator_version = $9`, r.tableName(), columns),
		rev.Version, rev.Description, rev.Applied, rev.Total, rev.ExecutedAt, int64(rev.ExecutionTime),
		nullString(rev.Error), nullString(rev.ErrorStmt), rev.OperatorVersion,
	)
	if err != nil {
		return fmt.Errorf("writing revision %q: %w", rev.Version, err)
	}
	return nil
}

// DeleteRevision deletes a revision by version.
func (r *Revisions) DeleteRevision(ctx context.Context, version string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", r.tableName()), version)
	return err
}

func (r *Revisions) tableName() string {
	if r.schema != "" {
		return fmt.Sprintf("%s.%s", strconv.Quote(r.schema), Table)
	}
	return Table
}

func scanRevision(rows *sql.Rows) (*migrate.Revision, error) {
	var (
		rev              migrate.Revision
		execTime         int64
		errText, errStmt sql.NullString
	)
	if err := rows.Scan(
		&rev.Version, &rev.Description, &rev.Applied, &rev.Total, &rev.ExecutedAt,
		&execTime, &errText, &errStmt, &rev.OperatorVersion,
	); err != nil {
		return nil, err
	}
	rev.ExecutionTime = time.Duration(execTime)
	rev.Error, rev.ErrorStmt = errText.String, errStmt.String
	return &rev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
