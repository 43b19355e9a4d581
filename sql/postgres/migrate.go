// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/postgres/pgparse"
	"github.com/idxctl/idxctl/sql/schema"
)

type (
	// IndexType represents an index type (access method).
	// https://postgresql.org/docs/current/indexes-types.html
	IndexType struct {
		schema.Attr
		T string // BTREE, BRIN, HASH, GiST, SP-GiST, GIN.
	}

	// IndexPredicate describes a partial index predicate.
	// https://postgresql.org/docs/current/catalog-pg-index.html
	IndexPredicate struct {
		schema.Attr
		P string
	}

	// IndexInclude describes the INCLUDE clause allows specifying
	// a list of column which added to the index as non-key columns.
	// https://www.postgresql.org/docs/current/sql-createindex.html
	IndexInclude struct {
		schema.Attr
		Columns []*schema.Column
	}

	// Concurrently describes the CONCURRENTLY clause to instruct Postgres to
	// build or drop the index concurrently without blocking the current table.
	// https://www.postgresql.org/docs/current/sql-createindex.html#SQL-CREATEINDEX-CONCURRENTLY
	Concurrently struct {
		schema.Clause
	}

	// IfNotExists describes the IF NOT EXISTS clause of CREATE INDEX.
	IfNotExists struct {
		schema.Clause
	}

	// IfExists describes the IF EXISTS clause of DROP INDEX.
	IfExists struct {
		schema.Clause
	}
)

// List of supported index types.
const (
	IndexTypeBTree  = "BTREE"
	IndexTypeBRIN   = "BRIN"
	IndexTypeHash   = "HASH"
	IndexTypeGIN    = "GIN"
	IndexTypeGiST   = "GIST"
	IndexTypeSPGiST = "SPGIST"
)

// ValidIndexType reports if the given index type is supported.
func ValidIndexType(t string) bool {
	switch indexType(t) {
	case IndexTypeBTree, IndexTypeBRIN, IndexTypeHash, IndexTypeGIN, IndexTypeGiST, IndexTypeSPGiST:
		return true
	default:
		return false
	}
}

// indexType returns the access method name as written in the USING clause.
func indexType(t string) string {
	t = strings.ToUpper(t)
	if t == "SP-GIST" {
		return IndexTypeSPGiST
	}
	return t
}

// DefaultPlan provides basic planning capabilities for PostgreSQL, assuming the
// latest supported server version. Use Open to create a Driver when a database
// connection is available. Applying changes with DefaultPlan fails.
var DefaultPlan migrate.PlanApplier = &planApply{conn: &conn{ExecQuerier: sqlx.NoConn, version: "v16.0.0"}}

// A planApply provides migration capabilities for index changes.
type planApply struct{ *conn }

// PlanChanges returns a migration plan for the given schema changes.
func (p *planApply) PlanChanges(_ context.Context, name string, changes []schema.Change, opts ...migrate.PlanOption) (*migrate.Plan, error) {
	s := &state{
		conn: p.conn,
		Plan: migrate.Plan{
			Name:          name,
			Reversible:    true,
			Transactional: true,
		},
	}
	for _, o := range opts {
		o(&s.PlanOptions)
	}
	if err := s.plan(changes); err != nil {
		return nil, err
	}
	return &s.Plan, nil
}

// ApplyChanges applies the changes on the database. An error is returned
// if the driver is unable to produce a plan to do so, or one of the statements
// is failed or unsupported. Plans that cannot run inside a transaction block
// are rejected on drivers that were opened on a transaction, before any
// statement is executed.
func (p *planApply) ApplyChanges(ctx context.Context, changes []schema.Change, opts ...migrate.PlanOption) error {
	plan, err := p.PlanChanges(ctx, "apply", changes, opts...)
	if err != nil {
		return err
	}
	if p.tx && !plan.Transactional {
		for _, c := range plan.Changes {
			if pgparse.NoTx(c.Cmd) {
				return &TxWrappedError{Stmt: c.Cmd}
			}
		}
	}
	for _, c := range plan.Changes {
		if _, err := p.ExecContext(ctx, c.Cmd, c.Args...); err != nil {
			if c.Comment != "" {
				err = fmt.Errorf("%s: %w", c.Comment, err)
			}
			return err
		}
	}
	return nil
}

// state represents the state of a planning. It is not part of
// planApply so that multiple planning/applying can be called
// in parallel.
type state struct {
	*conn
	migrate.Plan
	migrate.PlanOptions
}

// plan builds the migration plan for applying the
// given changes on the attached connection.
func (s *state) plan(changes []schema.Change) error {
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		switch c := c.(type) {
		case *schema.AddIndex:
			if err := s.addIndex(c); err != nil {
				return err
			}
		case *schema.DropIndex:
			if err := s.dropIndex(c); err != nil {
				return err
			}
		default:
			return fmt.Errorf("postgres: unsupported change %T", c)
		}
	}
	return nil
}

// addIndex writes the CREATE INDEX statement of the given change.
func (s *state) addIndex(add *schema.AddIndex) error {
	idx := add.I
	if idx.Table == nil {
		return fmt.Errorf("postgres: missing table for index %q", idx.Name)
	}
	if err := idx.Validate(); err != nil {
		return err
	}
	conc := schema.HasClause[*Concurrently](add.Extra)
	if conc {
		s.Transactional = false
	}
	b, err := s.createIndex(idx, conc, schema.HasClause[*IfNotExists](add.Extra))
	if err != nil {
		return err
	}
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Source:  add,
		Comment: fmt.Sprintf("create index %q to table: %q", idx.Name, idx.Table.Name),
		Reverse: s.dropIndexCmd(idx, conc, false),
	})
	return nil
}

// dropIndex writes the DROP INDEX statement of the given change.
func (s *state) dropIndex(drop *schema.DropIndex) error {
	idx := drop.I
	if idx.Name == "" {
		return fmt.Errorf("postgres: missing name for dropped index")
	}
	conc := schema.HasClause[*Concurrently](drop.Extra)
	if conc {
		s.Transactional = false
	}
	c := &migrate.Change{
		Cmd:    s.dropIndexCmd(idx, conc, schema.HasClause[*IfExists](drop.Extra)),
		Source: drop,
	}
	if idx.Table != nil {
		c.Comment = fmt.Sprintf("drop index %q from table: %q", idx.Name, idx.Table.Name)
	} else {
		c.Comment = fmt.Sprintf("drop index %q", idx.Name)
	}
	// The reverse of a drop is known only
	// if the dropped index is fully described.
	if idx.Table != nil && len(idx.Parts) > 0 {
		b, err := s.createIndex(idx, conc, false)
		if err != nil {
			return err
		}
		c.Reverse = b.String()
	} else {
		s.Reversible = false
	}
	s.append(c)
	return nil
}

func (s *state) createIndex(idx *schema.Index, conc, ifNotExists bool) (*sqlx.Builder, error) {
	b := s.Build("CREATE")
	if idx.Unique {
		b.P("UNIQUE")
	}
	b.P("INDEX")
	if conc {
		b.P("CONCURRENTLY")
	}
	if ifNotExists {
		b.P("IF NOT EXISTS")
	}
	b.Ident(idx.Name).P("ON").Table(idx.Table)
	var t *IndexType
	if schema.Has(idx.Attrs, &t) {
		if !ValidIndexType(t.T) {
			return nil, fmt.Errorf("postgres: unexpected index type %q for index %q", t.T, idx.Name)
		}
		b.P("USING", indexType(t.T)).Wrap(func(b *sqlx.Builder) {
			s.indexParts(b, idx.Parts)
		})
	} else {
		b.Tuple(func(b *sqlx.Builder) {
			s.indexParts(b, idx.Parts)
		})
	}
	if err := s.indexAttrs(b, idx); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *state) dropIndexCmd(idx *schema.Index, conc, ifExists bool) string {
	b := s.Build("DROP INDEX")
	if conc {
		b.P("CONCURRENTLY")
	}
	if ifExists {
		b.P("IF EXISTS")
	}
	// Index names live in the schema of their table. A custom
	// qualifier overrides it, and an empty one omits it.
	switch q := s.SchemaQualifier; {
	case q != nil:
		if *q != "" {
			b.Ident(*q)
			b.WriteByte('.')
		}
	case idx.Table != nil && idx.Table.Schema != nil && idx.Table.Schema.Name != "":
		b.Ident(idx.Table.Schema.Name)
		b.WriteByte('.')
	}
	return b.Ident(idx.Name).String()
}

func (s *state) indexParts(b *sqlx.Builder, parts []*schema.IndexPart) {
	b.MapComma(parts, func(i int, b *sqlx.Builder) {
		switch part := parts[i]; {
		case part.C != nil:
			b.Ident(part.C.Name)
		case part.X != nil:
			b.Wrap(func(b *sqlx.Builder) {
				b.WriteString(part.X.(*schema.RawExpr).X)
			})
		}
		if parts[i].Desc {
			b.P("DESC")
		}
	})
}

func (s *state) indexAttrs(b *sqlx.Builder, idx *schema.Index) error {
	for _, attr := range idx.Attrs {
		switch attr := attr.(type) {
		case *schema.Comment, *IndexType:
		case *IndexInclude:
			if len(attr.Columns) == 0 {
				return fmt.Errorf("postgres: empty INCLUDE clause for index %q", idx.Name)
			}
			b.P("INCLUDE").Wrap(func(b *sqlx.Builder) {
				b.MapComma(attr.Columns, func(i int, b *sqlx.Builder) {
					b.Ident(attr.Columns[i].Name)
				})
			})
		case *IndexPredicate:
			b.P("WHERE", attr.P)
		default:
			return fmt.Errorf("postgres: unexpected index attribute %T", attr)
		}
	}
	return nil
}

// Build instantiates a new builder that is configured with
// the schema qualifier of the plan, and writes the given phrase to it.
func (s *state) Build(phrase string) *sqlx.Builder {
	b := Build(phrase)
	b.Schema = s.SchemaQualifier
	return b
}

func (s *state) append(c ...*migrate.Change) {
	s.Changes = append(s.Changes, c...)
}
