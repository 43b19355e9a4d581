// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package naming

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlcheck"

	"github.com/hashicorp/hcl/v2"
)

type (
	// Analyzer checks for index naming.
	Analyzer struct {
		re *regexp.Regexp
		// Error indicates if the analyzer should
		// error in case a Diagnostic was found.
		Error   *bool  `hcl:"error,optional"`
		Match   string `hcl:"match,optional"`
		Message string `hcl:"message,optional"`
	}
)

// New creates a new naming Analyzer with the given options.
func New(body hcl.Body) (*Analyzer, error) {
	az := &Analyzer{}
	if _, err := sqlcheck.Block(body, az.Name(), az); err != nil {
		return nil, err
	}
	if az.Match != "" {
		re, err := regexp.Compile(az.Match)
		if err != nil {
			return nil, fmt.Errorf("sql/sqlcheck: parsing naming regexp: %w", err)
		}
		az.re = re
	}
	return az, nil
}

var codeNameI = sqlcheck.Code("NM104")

// Name of the analyzer. Implements the sqlcheck.NamedAnalyzer interface.
func (*Analyzer) Name() string {
	return "naming"
}

// Analyze implements sqlcheck.Analyzer.
func (a *Analyzer) Analyze(_ context.Context, p *sqlcheck.Pass) error {
	if a.re == nil {
		return nil
	}
	var diags []sqlcheck.Diagnostic
	for _, sc := range p.File.Changes {
		for _, c := range sc.Changes {
			if c, ok := c.(*schema.AddIndex); ok && !a.re.MatchString(c.I.Name) {
				d := sqlcheck.Diagnostic{
					Pos:  sc.Stmt.Pos,
					Text: fmt.Sprintf("Index named %q violates the naming policy", c.I.Name),
					Code: codeNameI,
				}
				if a.Message != "" {
					d.Text += ": " + a.Message
				}
				diags = append(diags, d)
			}
		}
	}
	if len(diags) > 0 {
		const reportText = "naming violations detected"
		p.Reporter.WriteReport(sqlcheck.Report{Text: reportText, Diagnostics: diags})
		if sqlx.V(a.Error) {
			return errors.New(reportText)
		}
	}
	return nil
}
