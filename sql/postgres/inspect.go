// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/schema"
)

// IndexState describes the catalog state of an index.
type IndexState struct {
	Schema, Table, Name string
	// Valid reports if the index is usable by the query planner (pg_index.indisvalid).
	Valid bool
	// Ready reports if the index accepts inserts (pg_index.indisready).
	Ready bool
	// Live reports if the index is not being dropped (pg_index.indislive).
	Live bool
	// Building reports if a build of the index is in progress
	// (pg_stat_progress_create_index). Servers without build progress
	// reporting (PostgreSQL 11) report indexes that are not ready as building.
	Building bool
	// Def holds the definition of the index as reconstructed by pg_get_indexdef.
	Def string
}

// List of index statuses.
const (
	StatusValid    = "valid"
	StatusBuilding = "building"
	StatusInvalid  = "invalid"
)

// Status returns the status of the index: valid, building or invalid.
// An invalid index is left behind by a failed or interrupted build, and
// must be dropped before the build is retried.
func (s *IndexState) Status() string {
	switch {
	case s.Valid:
		return StatusValid
	case s.Building:
		return StatusBuilding
	default:
		return StatusInvalid
	}
}

// InspectIndex returns the state of the index with the given name. An empty
// schema name means the current schema. A schema.NotExistError is returned
// if the index does not exist.
func (d *Driver) InspectIndex(ctx context.Context, schemaName, name string) (*IndexState, error) {
	rows, err := d.QueryContext(ctx, d.indexQuery(indexQuery), schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying index %q: %w", name, err)
	}
	states, err := scanIndexes(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning index %q: %w", name, err)
	}
	if len(states) == 0 {
		return nil, &schema.NotExistError{Err: fmt.Errorf("postgres: index %q was not found", name)}
	}
	return states[0], nil
}

// InvalidIndexes returns the indexes of the schema that are not valid,
// including the ones that are still being built.
func (d *Driver) InvalidIndexes(ctx context.Context, schemaName string) ([]*IndexState, error) {
	rows, err := d.QueryContext(ctx, d.indexQuery(invalidIndexesQuery), schemaName)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying invalid indexes: %w", err)
	}
	states, err := scanIndexes(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning invalid indexes: %w", err)
	}
	return states, nil
}

// InspectTable returns the table with the given name and its columns.
// A schema.NotExistError is returned if the table does not exist.
func (d *Driver) InspectTable(ctx context.Context, schemaName, name string) (*schema.Table, error) {
	rows, err := d.QueryContext(ctx, columnsQuery, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying table %q columns: %w", name, err)
	}
	defer rows.Close()
	var (
		s = schema.NewSchema(schemaName)
		t = schema.NewTable(name).SetSchema(s)
	)
	for rows.Next() {
		var (
			nspname, column, typ string
			null                 bool
		)
		if err := rows.Scan(&nspname, &column, &typ, &null); err != nil {
			return nil, fmt.Errorf("postgres: scanning table %q columns: %w", name, err)
		}
		s.Name = nspname
		t.AddColumns(schema.NewColumn(column).SetType(typ).SetNull(null))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, &schema.NotExistError{Err: fmt.Errorf("postgres: table %q was not found", name)}
	}
	return t, nil
}

// RelationKind returns the kind of the relation with the given name
// (e.g. "table" or "index"), or an empty string if it does not exist.
func (d *Driver) RelationKind(ctx context.Context, schemaName, name string) (string, error) {
	rows, err := d.QueryContext(ctx, relationQuery, schemaName, name)
	if err != nil {
		return "", fmt.Errorf("postgres: querying relation %q: %w", name, err)
	}
	var kind sql.NullString
	switch err := sqlx.ScanOne(rows, &kind); {
	case sqlx.IsNoRows(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("postgres: scanning relation %q: %w", name, err)
	}
	if k, ok := relKinds[kind.String]; ok {
		return k, nil
	}
	return kind.String, nil
}

// indexQuery returns the given index query with the progress
// reporting of index builds, if the server supports it.
func (d *Driver) indexQuery(q string) string {
	if d.supports(progressVersion) {
		return fmt.Sprintf(q, buildingProgress)
	}
	return fmt.Sprintf(q, buildingNotReady)
}

func scanIndexes(rows *sql.Rows) ([]*IndexState, error) {
	defer rows.Close()
	var states []*IndexState
	for rows.Next() {
		var (
			s     IndexState
			ready sql.NullBool
			live  sql.NullBool
			def   sql.NullString
		)
		if err := rows.Scan(&s.Schema, &s.Table, &s.Name, &s.Valid, &ready, &live, &s.Building, &def); err != nil {
			return nil, err
		}
		s.Ready, s.Live, s.Def = ready.Bool, live.Bool, def.String
		states = append(states, &s)
	}
	return states, rows.Err()
}

// progressVersion is the version that added pg_stat_progress_create_index.
const progressVersion = "v12.0.0"

const (
	// Query to check if a build of the index is in progress.
	buildingProgress = "EXISTS (SELECT 1 FROM pg_stat_progress_create_index p WHERE p.index_relid = x.indexrelid)"

	// A build is assumed to be in progress as long as the index does not accept inserts.
	buildingNotReady = "NOT x.indisready"

	// Query to list an index by its name.
	indexQuery = `
SELECT
	n.nspname,
	t.relname,
	i.relname,
	x.indisvalid,
	x.indisready,
	x.indislive,
	%s AS building,
	pg_get_indexdef(x.indexrelid)
FROM
	pg_catalog.pg_index x
	JOIN pg_catalog.pg_class i ON i.oid = x.indexrelid
	JOIN pg_catalog.pg_class t ON t.oid = x.indrelid
	JOIN pg_catalog.pg_namespace n ON n.oid = i.relnamespace
WHERE
	n.nspname = COALESCE(NULLIF($1, ''), current_schema())
	AND i.relname = $2
`

	// Query to list the invalid indexes of a schema.
	invalidIndexesQuery = `
SELECT
	n.nspname,
	t.relname,
	i.relname,
	x.indisvalid,
	x.indisready,
	x.indislive,
	%s AS building,
	pg_get_indexdef(x.indexrelid)
FROM
	pg_catalog.pg_index x
	JOIN pg_catalog.pg_class i ON i.oid = x.indexrelid
	JOIN pg_catalog.pg_class t ON t.oid = x.indrelid
	JOIN pg_catalog.pg_namespace n ON n.oid = i.relnamespace
WHERE
	n.nspname = COALESCE(NULLIF($1, ''), current_schema())
	AND NOT x.indisvalid
ORDER BY
	t.relname, i.relname
`

	// Query to list the columns of a table.
	columnsQuery = `
SELECT
	n.nspname,
	a.attname,
	format_type(a.atttypid, a.atttypmod),
	NOT a.attnotnull
FROM
	pg_catalog.pg_attribute a
	JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
	JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE
	n.nspname = COALESCE(NULLIF($1, ''), current_schema())
	AND c.relname = $2
	AND c.relkind IN ('r', 'p', 'm', 'f')
	AND a.attnum > 0
	AND NOT a.attisdropped
ORDER BY
	a.attnum
`

	// Query to find a relation by its name.
	relationQuery = `
SELECT
	c.relkind
FROM
	pg_catalog.pg_class c
	JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE
	n.nspname = COALESCE(NULLIF($1, ''), current_schema())
	AND c.relname = $2
`
)
