// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqlcheck provides interfaces for analyzing the contents of SQL files
// to generate insights on the safety of index changes before they are applied.
// With this package developers may define an Analyzer that can be used to
// diagnose the impact of SQL statements on the target database. For instance,
// the `concurrent` package exposes an Analyzer that detects concurrent index
// builds that would be wrapped in a transaction.
package sqlcheck

import (
	"context"
	"fmt"
	"sync"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlclient"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

type (
	// An Analyzer describes a migration file analyzer.
	Analyzer interface {
		// Analyze executes the analysis function.
		Analyze(context.Context, *Pass) error
	}

	// A NamedAnalyzer describes an Analyzer that has a name.
	NamedAnalyzer interface {
		Analyzer
		// Name of the analyzer. Identifies the analyzer
		// in configuration and linting passes.
		Name() string
	}

	// A Pass provides information to the Run function that
	// applies a specific analyzer to an SQL file.
	Pass struct {
		// A migration file and the changes it describes.
		File *File

		// Dev is the client of the target database, if any.
		// Analyzers that read the catalog skip these checks
		// when it is nil.
		Dev *sqlclient.Client

		// Report reports analysis reports.
		Reporter ReportWriter
	}

	// File represents a parsed version of a migration file.
	File struct {
		migrate.File

		// Changes represents the list of changes this file represents.
		Changes []*Change

		// Mode is the transaction mode the file is executed with.
		Mode migrate.TxMode

		// A Parser that was used for parsing this file. It sets to any as the contract
		// between checks and their parsers can vary. For example, a parser may implement
		// the migrate.TxChecker interface.
		Parser any
	}

	// A Change in a migration file.
	Change struct {
		schema.Changes               // The actual changes.
		Stmt           *migrate.Stmt // The SQL statement generated this change.
	}

	// ChangesParser wraps the ParseChanges method.
	ChangesParser interface {
		// ParseChanges returns the schema changes described by the statement.
		// Statements that do not change indexes return no changes.
		ParseChanges(stmt string) (schema.Changes, error)
	}

	// A Report describes an analysis report with an optional specific diagnostic.
	Report struct {
		Text           string         `json:"Text"`                     // Report text.
		Diagnostics    []Diagnostic   `json:"Diagnostics,omitempty"`    // Report diagnostics.
		SuggestedFixes []SuggestedFix `json:"SuggestedFixes,omitempty"` // Report-level suggested fixes.
	}

	// A Diagnostic is a text associated with a specific position of a statement in a file.
	Diagnostic struct {
		Pos            int            `json:"Pos"`                      // Diagnostic position.
		Text           string         `json:"Text"`                     // Diagnostic text.
		Code           string         `json:"Code"`                     // Code describes the check. For example, CI101
		SuggestedFixes []SuggestedFix `json:"SuggestedFixes,omitempty"` // Fixes to this specific diagnostics.
	}

	// A SuggestedFix is a change associated with a diagnostic that can
	// be applied to fix the issue.
	SuggestedFix struct {
		Message string `json:"Message"`
	}

	// ReportWriter represents a writer for analysis reports.
	ReportWriter interface {
		WriteReport(Report)
	}

	// Options defines a generic configuration options for analyzers.
	Options struct {
		// Error indicates if an analyzer should
		// error in case a Diagnostic was found.
		Error *bool `hcl:"error,optional"`

		// Remain holds the analyzer-specific configuration.
		Remain hcl.Body `hcl:",remain"`
	}
)

// NewFile parses the statements of the given migration file. The mode is the
// global transaction mode the file is executed with, and it is overridden by
// the txmode file directive. If p implements the ChangesParser interface, it
// is used to extract the changes of each statement.
func NewFile(f migrate.File, mode migrate.TxMode, p any) (*File, error) {
	mode, err := migrate.FileMode(f, mode)
	if err != nil {
		return nil, err
	}
	stmts, err := f.StmtDecls()
	if err != nil {
		return nil, fmt.Errorf("sql/sqlcheck: scanning statements from %q: %w", f.Name(), err)
	}
	cp, _ := p.(ChangesParser)
	file := &File{File: f, Mode: mode, Parser: p}
	for _, s := range stmts {
		c := &Change{Stmt: s}
		if cp != nil {
			if c.Changes, err = cp.ParseChanges(s.Text); err != nil {
				return nil, fmt.Errorf("sql/sqlcheck: parsing statement %q from %q: %w", s.Text, f.Name(), err)
			}
		}
		file.Changes = append(file.Changes, c)
	}
	return file, nil
}

// NoTx reports if the statement cannot run inside a transaction
// block, as reported by the parser of the file.
func (f *File) NoTx(stmt string) bool {
	c, ok := f.Parser.(migrate.TxChecker)
	return ok && c.NoTx(stmt)
}

// Analyzers implements Analyzer.
type Analyzers []Analyzer

// Analyze implements Analyzer.
func (a Analyzers) Analyze(ctx context.Context, p *Pass) error {
	for _, a := range a {
		if err := a.Analyze(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// AnalyzerFunc allows using ordinary functions as analyzers.
type AnalyzerFunc func(ctx context.Context, p *Pass) error

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, p *Pass) error {
	return f(ctx, p)
}

// ReportWriterFunc is a function that implements Reporter.
type ReportWriterFunc func(Report)

// WriteReport calls f(r).
func (f ReportWriterFunc) WriteReport(r Report) {
	f(r)
}

// Block decodes the first block with the given type from the analyzers
// configuration into v, and reports if such a block was found.
func Block(body hcl.Body, name string, v any) (bool, error) {
	if body == nil {
		return false, nil
	}
	content, _, diags := body.PartialContent(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{{Type: name}},
	})
	if diags.HasErrors() {
		return false, fmt.Errorf("sql/sqlcheck: reading %q block: %w", name, diags)
	}
	if len(content.Blocks) == 0 {
		return false, nil
	}
	if diags := gohcl.DecodeBody(content.Blocks[0].Body, nil, v); diags.HasErrors() {
		return false, fmt.Errorf("sql/sqlcheck: decoding %q block: %w", name, diags)
	}
	return true, nil
}

// codes registry
var codes sync.Map

// Code stores the given code in the registry.
// It protects from duplicate analyzers' codes.
func Code(code string) string {
	if _, loaded := codes.LoadOrStore(code, struct{}{}); loaded {
		panic("sqlcheck: Code called twice for " + code)
	}
	return code
}

// drivers specific analyzers.
var drivers sync.Map

// Register allows drivers to register a constructor function for creating
// analyzers from the given HCL configuration.
func Register(name string, f func(hcl.Body) ([]Analyzer, error)) {
	drivers.Store(name, f)
}

// AnalyzerFor instantiates a new Analyzer from the given HCL configuration
// based on the registered constructor function.
func AnalyzerFor(name string, body hcl.Body) ([]Analyzer, error) {
	f, ok := drivers.Load(name)
	if ok {
		return f.(func(hcl.Body) ([]Analyzer, error))(body)
	}
	return nil, nil
}
