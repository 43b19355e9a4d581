// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package concurrent provides an analyzer for index builds that do not block
// concurrent reads and writes (CREATE INDEX CONCURRENTLY). Such builds cannot
// run inside a transaction block, and a failed build leaves an invalid index
// behind that blocks same-named retries.
package concurrent

import (
	"context"
	"errors"
	"fmt"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlcheck"

	"github.com/hashicorp/hcl/v2"
)

// Analyzer checks concurrent index builds.
type Analyzer struct {
	sqlcheck.Options
}

// List of codes.
var (
	codeTxWrapped = sqlcheck.Code("CI101")
	codeMixed     = sqlcheck.Code("CI102")
	codeConflict  = sqlcheck.Code("CI103")
)

// New creates a new concurrent index builds Analyzer with the given options.
func New(body hcl.Body) (*Analyzer, error) {
	az := &Analyzer{}
	if _, err := sqlcheck.Block(body, az.Name(), &az.Options); err != nil {
		return nil, err
	}
	return az, nil
}

// Name of the analyzer. Implements the sqlcheck.NamedAnalyzer interface.
func (*Analyzer) Name() string {
	return "concurrent"
}

// relationKinder is implemented by drivers that can report
// the kind of the relation with the given name.
type relationKinder interface {
	RelationKind(ctx context.Context, schema, name string) (string, error)
}

// Analyze implements sqlcheck.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, p *sqlcheck.Pass) error {
	var (
		diags  []sqlcheck.Diagnostic
		noTx   []*sqlcheck.Change
		others []*sqlcheck.Change
	)
	for _, c := range p.File.Changes {
		if p.File.NoTx(c.Stmt.Text) {
			noTx = append(noTx, c)
		} else {
			others = append(others, c)
		}
	}
	if len(noTx) == 0 {
		return nil
	}
	for _, c := range noTx {
		if p.File.Mode != migrate.TxModeNone {
			diags = append(diags, sqlcheck.Diagnostic{
				Pos:  c.Stmt.Pos,
				Text: fmt.Sprintf("Statement cannot run inside a transaction block, and the file is executed in txmode %q", p.File.Mode),
				Code: codeTxWrapped,
				SuggestedFixes: []sqlcheck.SuggestedFix{
					{Message: `Add the "-- idxctl:txmode none" directive to the file header`},
				},
			})
		}
	}
	// Statements that are executed in the same file, outside a transaction,
	// are not rolled back if the concurrent build fails.
	if p.File.Mode == migrate.TxModeNone {
		for _, c := range others {
			diags = append(diags, sqlcheck.Diagnostic{
				Pos:  c.Stmt.Pos,
				Text: "Statement is executed outside a transaction in a file with concurrent index builds",
				Code: codeMixed,
				SuggestedFixes: []sqlcheck.SuggestedFix{
					{Message: "Move the concurrent index builds to a separate migration file"},
				},
			})
		}
	}
	d, err := a.conflicts(ctx, p, noTx)
	if err != nil {
		return err
	}
	diags = append(diags, d...)
	if len(diags) > 0 {
		const reportText = "concurrent index builds issues detected"
		p.Reporter.WriteReport(sqlcheck.Report{Text: reportText, Diagnostics: diags})
		if sqlx.V(a.Error) {
			return errors.New(reportText)
		}
	}
	return nil
}

// conflicts reports concurrent builds of indexes whose name is taken by
// a former build in the file, or by a relation in the target database.
func (a *Analyzer) conflicts(ctx context.Context, p *sqlcheck.Pass, cs []*sqlcheck.Change) ([]sqlcheck.Diagnostic, error) {
	var (
		diags []sqlcheck.Diagnostic
		seen  = make(map[string]bool)
		kr, _ = a.driver(p)
	)
	for _, c := range cs {
		for _, sc := range c.Changes {
			add, ok := sc.(*schema.AddIndex)
			if !ok {
				continue
			}
			ns := indexSchema(add.I)
			key := ns + "." + add.I.Name
			if seen[key] {
				diags = append(diags, sqlcheck.Diagnostic{
					Pos:  c.Stmt.Pos,
					Text: fmt.Sprintf("Index %q is built more than once in the file", add.I.Name),
					Code: codeConflict,
				})
				continue
			}
			seen[key] = true
			if kr == nil {
				continue
			}
			kind, err := kr.RelationKind(ctx, ns, add.I.Name)
			if err != nil {
				return nil, fmt.Errorf("sql/sqlcheck: inspecting relation %q: %w", add.I.Name, err)
			}
			if kind != "" {
				diags = append(diags, sqlcheck.Diagnostic{
					Pos:  c.Stmt.Pos,
					Text: fmt.Sprintf("Index name %q is taken by an existing %s in the database", add.I.Name, kind),
					Code: codeConflict,
					SuggestedFixes: []sqlcheck.SuggestedFix{
						{Message: `Run "idxctl index status" to check if the existing index is invalid, and drop it before retrying`},
					},
				})
			}
		}
	}
	return diags, nil
}

func (a *Analyzer) driver(p *sqlcheck.Pass) (relationKinder, bool) {
	if p.Dev == nil || p.Dev.Driver == nil {
		return nil, false
	}
	kr, ok := p.Dev.Driver.(relationKinder)
	return kr, ok
}

func indexSchema(idx *schema.Index) string {
	if idx.Table != nil && idx.Table.Schema != nil {
		return idx.Table.Schema.Name
	}
	return ""
}
