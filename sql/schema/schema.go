// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

import (
	"errors"
	"fmt"
)

type (
	// A Schema describes a database schema (i.e. a PostgreSQL namespace).
	Schema struct {
		Name   string
		Tables []*Table
		Attrs  []Attr // Attrs and options.
	}

	// A Table represents a table definition. Only the parts
	// that are needed for describing indexes are kept.
	Table struct {
		Name    string
		Schema  *Schema
		Columns []*Column
		Indexes []*Index
		Attrs   []Attr // Attrs, constraints and options.
	}

	// A Column represents a column definition.
	Column struct {
		Name    string
		Type    *ColumnType
		Attrs   []Attr
		Indexes []*Index
	}

	// ColumnType represents a column type as reported by the database.
	ColumnType struct {
		Raw  string
		Null bool
	}

	// An Index represents an index definition, or the index
	// descriptor that is submitted to the database.
	Index struct {
		Name   string
		Unique bool
		Table  *Table
		Attrs  []Attr
		Parts  []*IndexPart
	}

	// An IndexPart represents an index part that
	// can be either an expression or a column.
	IndexPart struct {
		// SeqNo represents the sequence number of the key part
		// in the index.
		SeqNo int
		// Desc indicates if the key part is stored in descending
		// order. All databases use ascending order as default.
		Desc  bool
		X     Expr
		C     *Column
		Attrs []Attr
	}
)

type (
	// Attr represents the interface that all attributes implement.
	Attr interface {
		attr()
	}

	// Expr defines an SQL expression in schema DDL.
	Expr interface {
		expr()
	}

	// Clause carries additional information that can be added
	// to schema changes. The Clause interface can be implemented
	// outside this package as follows:
	//
	//	type Concurrently struct {
	//		schema.Clause
	//	}
	//
	Clause interface {
		clause()
	}

	// RawExpr represents a raw expression like "lower(name)".
	RawExpr struct {
		X string
	}

	// Comment describes a schema element comment.
	Comment struct {
		Text string
	}
)

// ErrInvalidIndex is returned by Index.Validate for malformed index descriptors.
var ErrInvalidIndex = errors.New("schema: invalid index")

// NewSchema creates a new Schema.
func NewSchema(name string) *Schema {
	return &Schema{Name: name}
}

// AddTables adds and links the given tables to the schema.
func (s *Schema) AddTables(tables ...*Table) *Schema {
	for _, t := range tables {
		t.SetSchema(s)
	}
	return s
}

// Table returns the first table that matched the given name.
func (s *Schema) Table(name string) (*Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// NewTable creates a new Table.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// SetSchema sets the schema (named-database) of the table.
func (t *Table) SetSchema(s *Schema) *Table {
	t.Schema = s
	for _, t1 := range s.Tables {
		if t1 == t {
			return t
		}
	}
	s.Tables = append(s.Tables, t)
	return t
}

// AddColumns appends the given columns to the table column list.
func (t *Table) AddColumns(columns ...*Column) *Table {
	t.Columns = append(t.Columns, columns...)
	return t
}

// AddIndexes appends the given indexes to the table index list.
func (t *Table) AddIndexes(indexes ...*Index) *Table {
	for _, idx := range indexes {
		idx.Table = t
	}
	t.Indexes = append(t.Indexes, indexes...)
	return t
}

// Column returns the first column that matched the given name.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Index returns the first index that matched the given name.
func (t *Table) Index(name string) (*Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

// NewColumn creates a new column with the given name.
func NewColumn(name string) *Column {
	return &Column{Name: name}
}

// NewNullColumn creates a new nullable column with the given name.
func NewNullColumn(name string) *Column {
	return NewColumn(name).SetNull(true)
}

// SetNull configures the nullability of the column.
func (c *Column) SetNull(b bool) *Column {
	if c.Type == nil {
		c.Type = &ColumnType{}
	}
	c.Type.Null = b
	return c
}

// SetType sets the raw type of the column.
func (c *Column) SetType(raw string) *Column {
	if c.Type == nil {
		c.Type = &ColumnType{}
	}
	c.Type.Raw = raw
	return c
}

// NewIndex creates a new index with the given name.
func NewIndex(name string) *Index {
	return &Index{Name: name}
}

// NewUniqueIndex creates a new unique index with the given name.
func NewUniqueIndex(name string) *Index {
	return NewIndex(name).SetUnique(true)
}

// SetName configures the name of the index.
func (i *Index) SetName(name string) *Index {
	i.Name = name
	return i
}

// SetUnique configures the uniqueness of the index.
func (i *Index) SetUnique(b bool) *Index {
	i.Unique = b
	return i
}

// SetTable configures the table of the index.
func (i *Index) SetTable(t *Table) *Index {
	i.Table = t
	return i
}

// AddAttrs adds additional attributes to the index.
func (i *Index) AddAttrs(attrs ...Attr) *Index {
	i.Attrs = append(i.Attrs, attrs...)
	return i
}

// AddColumns adds the columns to index parts, in order.
func (i *Index) AddColumns(columns ...*Column) *Index {
	for _, c := range columns {
		if !c.hasIndex(i) {
			c.Indexes = append(c.Indexes, i)
		}
		i.Parts = append(i.Parts, &IndexPart{SeqNo: len(i.Parts), C: c})
	}
	return i
}

// AddExprs adds the expressions to index parts, in order.
func (i *Index) AddExprs(exprs ...Expr) *Index {
	for _, x := range exprs {
		i.Parts = append(i.Parts, &IndexPart{SeqNo: len(i.Parts), X: x})
	}
	return i
}

// Columns returns the names of the column parts of the index, in order.
func (i *Index) Columns() []string {
	names := make([]string, 0, len(i.Parts))
	for _, p := range i.Parts {
		if p.C != nil {
			names = append(names, p.C.Name)
		}
	}
	return names
}

// Validate checks the index descriptor is well-formed: it is named, has at
// least one part, does not repeat columns, and all its column parts belong to
// the index table (if one is set).
func (i *Index) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: missing index name", ErrInvalidIndex)
	}
	if len(i.Parts) == 0 {
		return fmt.Errorf("%w: index %q has no parts", ErrInvalidIndex, i.Name)
	}
	seen := make(map[string]bool, len(i.Parts))
	for _, p := range i.Parts {
		switch {
		case p.C == nil && p.X == nil:
			return fmt.Errorf("%w: index %q has an empty part at position %d", ErrInvalidIndex, i.Name, p.SeqNo)
		case p.C == nil:
			continue
		case seen[p.C.Name]:
			return fmt.Errorf("%w: column %q is repeated in index %q", ErrInvalidIndex, p.C.Name, i.Name)
		}
		seen[p.C.Name] = true
		if i.Table != nil && len(i.Table.Columns) > 0 {
			if _, ok := i.Table.Column(p.C.Name); !ok {
				return fmt.Errorf("%w: column %q does not exist in table %q", ErrInvalidIndex, p.C.Name, i.Table.Name)
			}
		}
	}
	return nil
}

func (c *Column) hasIndex(idx *Index) bool {
	for i := range c.Indexes {
		if c.Indexes[i] == idx {
			return true
		}
	}
	return false
}

// Has reports if the attributes contain an attribute with the same type as
// the target. If the target is a non-nil pointer, it is set to the found one.
func Has[T Attr](attrs []Attr, target *T) bool {
	for i := range attrs {
		if a, ok := attrs[i].(T); ok {
			if target != nil {
				*target = a
			}
			return true
		}
	}
	return false
}

// expressions.
func (*RawExpr) expr() {}

// attributes.
func (*Comment) attr() {}
