// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package sqlx

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/idxctl/idxctl/sql/schema"
)

// A Builder provides a syntactic sugar API for writing SQL statements.
type Builder struct {
	bytes.Buffer
	QuoteChar byte // quoting identifiers
	// Schema configures the schema qualifier of table references. A nil
	// value qualifies tables with the name of their schema, if set, and
	// an empty string disables qualification.
	Schema *string
	// Reserved holds the words that must be quoted when
	// written as bare (non-quoted) table references.
	Reserved map[string]bool
}

// P writes a list of phrases to the builder separated by whitespace.
func (b *Builder) P(phrases ...string) *Builder {
	for _, p := range phrases {
		if p == "" {
			continue
		}
		b.space()
		b.WriteString(p)
	}
	return b
}

// Ident writes the given string quoted as an SQL identifier.
func (b *Builder) Ident(s string) *Builder {
	b.space()
	b.quote(s)
	return b
}

// Table writes the table identifier to the builder, prefixed with the schema
// name if exists. Table names are written bare when they are plain lower-case
// identifiers that are not reserved words, and quoted otherwise.
func (b *Builder) Table(t *schema.Table) *Builder {
	b.space()
	switch {
	// Custom qualifier.
	case b.Schema != nil:
		if *b.Schema != "" {
			b.bare(*b.Schema)
			b.WriteByte('.')
		}
	// Default schema qualifier.
	case t.Schema != nil && t.Schema.Name != "":
		b.bare(t.Schema.Name)
		b.WriteByte('.')
	}
	b.bare(t.Name)
	return b
}

// Comma writes a comma in case the buffer is not empty.
func (b *Builder) Comma() *Builder {
	if b.Len() > 0 {
		b.WriteByte(',')
	}
	return b
}

// MapComma maps the slice x using the function f and joins the result with
// a comma separating between the written elements.
func (b *Builder) MapComma(x any, f func(i int, b *Builder)) *Builder {
	s := reflect.ValueOf(x)
	for i := 0; i < s.Len(); i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		f(i, b)
	}
	return b
}

// Wrap wraps the written string with parentheses, separated
// from the previous phrase by whitespace.
func (b *Builder) Wrap(f func(b *Builder)) *Builder {
	b.space()
	return b.Tuple(f)
}

// Tuple writes a parenthesized group adjacent to the previous phrase. It is
// used for column lists that directly follow a table reference. For example:
//
//	ON product("name")
func (b *Builder) Tuple(f func(b *Builder)) *Builder {
	b.WriteByte('(')
	f(b)
	b.WriteByte(')')
	return b
}

// String overrides the Buffer.String method and ensures no spaces pad the returned statement.
func (b *Builder) String() string {
	return strings.TrimSpace(b.Buffer.String())
}

// space writes a whitespace separator, unless the buffer is empty
// or it ends with a whitespace or an opening parenthesis.
func (b *Builder) space() {
	if b.Len() == 0 {
		return
	}
	switch b.Bytes()[b.Len()-1] {
	case ' ', '(', '.':
	default:
		b.WriteByte(' ')
	}
}

func (b *Builder) quote(s string) {
	q := string(b.QuoteChar)
	b.WriteString(q)
	// Escape the quoting character by doubling it.
	b.WriteString(strings.ReplaceAll(s, q, q+q))
	b.WriteString(q)
}

var rePlainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

func (b *Builder) bare(s string) {
	if rePlainIdent.MatchString(s) && !b.Reserved[s] {
		b.WriteString(s)
		return
	}
	b.quote(s)
}

// V returns the value p is pointing to.
// If p is nil, the zero value is returned.
func V[T any](p *T) (v T) {
	if p != nil {
		v = *p
	}
	return
}

// P returns a pointer to v.
func P[T any](v T) *T {
	return &v
}

// ScanOne scans one record and closes the rows at the end.
func ScanOne(rows *sql.Rows, dest ...any) error {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Close()
}

// ScanNullBool scans one sql.NullBool record and closes the rows at the end.
func ScanNullBool(rows *sql.Rows) (sql.NullBool, error) {
	var b sql.NullBool
	if err := ScanOne(rows, &b); err != nil {
		return b, err
	}
	return b, nil
}

// IsNoRows reports if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// ExecQueryCloser is the interface that groups
// Close with the schema.ExecQuerier methods.
type ExecQueryCloser interface {
	schema.ExecQuerier
	io.Closer
}

type nopCloser struct {
	schema.ExecQuerier
}

// Close implements the io.Closer interface.
func (nopCloser) Close() error { return nil }

// SingleConn returns a closable single connection from the given ExecQuerier. Session
// settings and advisory locks must be used on the same connection. If the ExecQuerier
// is already bound to a single connection (e.g. Tx, Conn), the connection is returned
// as-is with a NopCloser.
func SingleConn(ctx context.Context, conn schema.ExecQuerier) (ExecQueryCloser, error) {
	// A standard sql.DB or a wrapper of it.
	if opener, ok := conn.(interface {
		Conn(context.Context) (*sql.Conn, error)
	}); ok {
		return opener.Conn(ctx)
	}
	// Tx and Conn are bounded to a single connection.
	// We use sql/driver.Tx to cover also custom Tx structs.
	_, ok1 := conn.(driver.Tx)
	_, ok2 := conn.(*sql.Conn)
	if ok1 || ok2 {
		return nopCloser{ExecQuerier: conn}, nil
	}
	return nil, fmt.Errorf("cannot obtain a single connection from %T", conn)
}

// ErrNoConn is returned by NoConn on execution.
var ErrNoConn = errors.New("cannot execute statements without a database connection. use Open to create a new Driver")

// NoConn is an ExecQuerier for planning without a database connection.
// Statements are never executed.
var NoConn schema.ExecQuerier = noConn{}

type noConn struct{}

func (noConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrNoConn
}

func (noConn) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrNoConn
}
