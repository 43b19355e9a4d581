// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package postgres implements the PostgreSQL driver for planning, issuing
// and repairing indexes that are built without blocking writes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/postgres/pgparse"
	"github.com/idxctl/idxctl/sql/schema"

	"golang.org/x/mod/semver"
)

type (
	// Driver represents a PostgreSQL driver for inspecting indexes,
	// planning index changes and applying them.
	Driver struct {
		*conn
		migrate.PlanApplier
	}

	// database connection and its information.
	conn struct {
		schema.ExecQuerier
		// The server version in semver format (e.g. v15.4.0)
		// that is set on `Open`.
		version string
		// Reports if the connection is bound to a transaction block.
		tx bool
	}
)

// DriverName holds the name used for registration.
const DriverName = "postgres"

// Minimal supported server versions.
const (
	minVersion        = "v11.0.0"
	reindexConcurrent = "v12.0.0"
)

var _ interface {
	migrate.Driver
	migrate.TxChecker
	schema.Locker
} = (*Driver)(nil)

// Open opens a new PostgreSQL driver. A driver that is opened on a
// transaction (*sql.Tx) refuses to issue concurrent index operations.
func Open(db schema.ExecQuerier) (*Driver, error) {
	c := &conn{ExecQuerier: db}
	_, c.tx = db.(*sql.Tx)
	rows, err := db.QueryContext(context.Background(), paramsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning system variables: %w", err)
	}
	var num sql.NullString
	if err := sqlx.ScanOne(rows, &num); err != nil {
		return nil, fmt.Errorf("postgres: scanning system variables: %w", err)
	}
	if c.version, err = parseVersion(num.String); err != nil {
		return nil, err
	}
	if semver.Compare(c.version, minVersion) == -1 {
		return nil, fmt.Errorf("postgres: unsupported postgres version: %s", c.version)
	}
	return &Driver{conn: c, PlanApplier: &planApply{conn: c}}, nil
}

// parseVersion converts the "server_version_num" value to semver.
// For example: 150004 => v15.4.0.
func parseVersion(num string) (string, error) {
	v, err := strconv.Atoi(num)
	if err != nil || v < 100000 {
		return "", fmt.Errorf("postgres: malformed version: %q", num)
	}
	return fmt.Sprintf("v%d.%d.0", v/10000, v%10000), nil
}

// Version returns the server version in semver format.
func (d *Driver) Version() string {
	return d.version
}

// InTx reports if the driver is bound to a transaction block.
func (d *Driver) InTx() bool {
	return d.tx
}

// NoTx implements the migrate.TxChecker interface. It reports if
// the statement cannot run inside a transaction block.
func (*Driver) NoTx(stmt string) bool {
	return pgparse.NoTx(stmt)
}

// supports reports if the server version is at least v.
func (c *conn) supports(v string) bool {
	return semver.Compare(c.version, v) >= 0
}

// Build instantiates a new builder and writes the given phrase to it.
func Build(phrase string) *sqlx.Builder {
	b := &sqlx.Builder{QuoteChar: '"', Reserved: reserved}
	return b.P(phrase)
}

// reserved holds the keywords that cannot be used as bare
// identifiers: the reserved and the type/function name keywords.
var reserved = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range []string{
		"all", "analyse", "analyze", "and", "any", "array", "as", "asc", "asymmetric",
		"authorization", "binary", "both", "case", "cast", "check", "collate", "collation",
		"column", "concurrently", "constraint", "create", "cross", "current_catalog",
		"current_date", "current_role", "current_schema", "current_time", "current_timestamp",
		"current_user", "default", "deferrable", "desc", "distinct", "do", "else", "end",
		"except", "false", "fetch", "for", "foreign", "freeze", "from", "full", "grant",
		"group", "having", "ilike", "in", "initially", "inner", "intersect", "into", "is",
		"isnull", "join", "lateral", "leading", "left", "like", "limit", "localtime",
		"localtimestamp", "natural", "not", "notnull", "null", "offset", "on", "only", "or",
		"order", "outer", "overlaps", "placing", "primary", "references", "returning",
		"right", "select", "session_user", "similar", "some", "symmetric", "system_user",
		"table", "tablesample", "then", "to", "trailing", "true", "union", "unique", "user",
		"using", "variadic", "verbose", "when", "where", "window", "with",
	} {
		m[w] = true
	}
	return m
}()

const paramsQuery = "SHOW server_version_num"
