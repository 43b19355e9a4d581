// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package postgrescheck registers the PostgreSQL analyzers and
// provides the statement parser they run with.
package postgrescheck

import (
	"github.com/idxctl/idxctl/sql/postgres"
	"github.com/idxctl/idxctl/sql/postgres/pgparse"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlcheck"
	"github.com/idxctl/idxctl/sql/sqlcheck/concurrent"
	"github.com/idxctl/idxctl/sql/sqlcheck/naming"

	"github.com/hashicorp/hcl/v2"
)

func init() {
	sqlcheck.Register(postgres.DriverName, analyzers)
}

func analyzers(body hcl.Body) ([]sqlcheck.Analyzer, error) {
	ca, err := concurrent.New(body)
	if err != nil {
		return nil, err
	}
	nm, err := naming.New(body)
	if err != nil {
		return nil, err
	}
	return []sqlcheck.Analyzer{ca, nm}, nil
}

// Parser parses PostgreSQL statements for analysis.
// It implements sqlcheck.ChangesParser and migrate.TxChecker.
type Parser struct{}

// ParseChanges implements the sqlcheck.ChangesParser interface. Statements
// that are not index builds, or are not covered by the grammar, yield no changes.
func (Parser) ParseChanges(stmt string) (schema.Changes, error) {
	c, err := pgparse.ParseCreateIndex(stmt)
	if err != nil {
		return nil, nil
	}
	t := schema.NewTable(c.Table)
	if c.Schema != "" {
		t.SetSchema(schema.NewSchema(c.Schema))
	}
	idx := schema.NewIndex(c.Name).SetUnique(c.Unique).SetTable(t)
	for _, name := range c.Columns {
		// Expression parts.
		if name == "" {
			continue
		}
		col, ok := t.Column(name)
		if !ok {
			col = schema.NewColumn(name)
			t.AddColumns(col)
		}
		idx.AddColumns(col)
	}
	add := &schema.AddIndex{I: idx}
	if c.Concurrently {
		add.Extra = append(add.Extra, &postgres.Concurrently{})
	}
	if c.IfNotExists {
		add.Extra = append(add.Extra, &postgres.IfNotExists{})
	}
	return schema.Changes{add}, nil
}

// NoTx implements the migrate.TxChecker interface.
func (Parser) NoTx(stmt string) bool {
	return pgparse.NoTx(stmt)
}
