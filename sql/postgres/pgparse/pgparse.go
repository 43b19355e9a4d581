// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package pgparse classifies PostgreSQL statements using the
// PostgreSQL grammar, with a lexical fallback for statements
// the grammar does not cover.
package pgparse

import (
	"errors"
	"regexp"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
)

// CreateIndex describes a parsed CREATE INDEX statement.
type CreateIndex struct {
	Name, Schema, Table string
	Columns             []string
	Unique              bool
	Concurrently        bool
	IfNotExists         bool
}

// ErrNotCreateIndex is returned by ParseCreateIndex for other statements.
var ErrNotCreateIndex = errors.New("pgparse: not a CREATE INDEX statement")

// ParseCreateIndex parses the given CREATE INDEX statement.
func ParseCreateIndex(s string) (*CreateIndex, error) {
	stmt, err := parser.ParseOne(trimComments(s))
	if err != nil {
		return nil, err
	}
	c, ok := stmt.AST.(*tree.CreateIndex)
	if !ok {
		return nil, ErrNotCreateIndex
	}
	idx := &CreateIndex{
		Name:         string(c.Name),
		Schema:       c.Table.Schema(),
		Table:        c.Table.Table(),
		Unique:       c.Unique,
		Concurrently: c.Concurrently,
		IfNotExists:  c.IfNotExists,
	}
	for _, e := range c.Columns {
		idx.Columns = append(idx.Columns, string(e.Column))
	}
	return idx, nil
}

// NoTx reports if the statement cannot run inside a transaction block.
// For example, CREATE INDEX CONCURRENTLY or VACUUM.
func NoTx(s string) bool {
	s = trimComments(s)
	if idx, err := ParseCreateIndex(s); err == nil {
		return idx.Concurrently
	}
	return reNoTx.MatchString(s)
}

// reNoTx matches the statements PostgreSQL refuses to execute
// inside a transaction block (SQLSTATE 25001).
var reNoTx = regexp.MustCompile(`(?is)^\s*(?:` + strings.Join([]string{
	`CREATE\s+(?:UNIQUE\s+)?INDEX\s+CONCURRENTLY\b`,
	`DROP\s+INDEX\s+CONCURRENTLY\b`,
	`REINDEX\s+(?:\([^)]*\)\s*)?(?:INDEX|TABLE|SCHEMA|DATABASE|SYSTEM)\s+CONCURRENTLY\b`,
	`(?:CREATE|DROP)\s+(?:DATABASE|TABLESPACE)\b`,
	`(?:CREATE|DROP)\s+SUBSCRIPTION\b`,
	`ALTER\s+SYSTEM\b`,
	`VACUUM\b`,
}, "|") + `)`)

// trimComments removes the comments that precede the statement.
func trimComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i == -1 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i == -1 {
				return s
			}
			s = s[i+2:]
		default:
			return strings.TrimSuffix(s, ";")
		}
	}
}
