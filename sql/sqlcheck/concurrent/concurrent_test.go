// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package concurrent_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
	"github.com/idxctl/idxctl/sql/sqlcheck"
	"github.com/idxctl/idxctl/sql/sqlcheck/concurrent"
	"github.com/idxctl/idxctl/sql/sqlclient"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/require"
)

func TestAnalyzer_TxWrapped(t *testing.T) {
	az, err := concurrent.New(nil)
	require.NoError(t, err)
	f := file(t, migrate.TxModeFile, `CREATE INDEX CONCURRENTLY "name_idx" ON product("name");`)
	var reports []sqlcheck.Report
	err = az.Analyze(context.Background(), pass(f, nil, &reports))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Diagnostics, 1)
	d := reports[0].Diagnostics[0]
	require.Equal(t, "CI101", d.Code)
	require.Equal(t, `Statement cannot run inside a transaction block, and the file is executed in txmode "file"`, d.Text)
	require.Equal(t, `Add the "-- idxctl:txmode none" directive to the file header`, d.SuggestedFixes[0].Message)

	// Non-transactional files pass.
	reports = nil
	f = file(t, migrate.TxModeFile, "-- idxctl:txmode none\n\n"+`CREATE INDEX CONCURRENTLY "name_idx" ON product("name");`)
	require.NoError(t, az.Analyze(context.Background(), pass(f, nil, &reports)))
	require.Empty(t, reports)

	// So do blocking builds.
	f = file(t, migrate.TxModeAll, `CREATE INDEX "name_idx" ON product("name");`)
	require.NoError(t, az.Analyze(context.Background(), pass(f, nil, &reports)))
	require.Empty(t, reports)
}

func TestAnalyzer_Mixed(t *testing.T) {
	az, err := concurrent.New(nil)
	require.NoError(t, err)
	f := file(t, migrate.TxModeNone, `UPDATE product SET name = lower(name);
CREATE INDEX CONCURRENTLY "name_idx" ON product("name");`)
	var reports []sqlcheck.Report
	require.NoError(t, az.Analyze(context.Background(), pass(f, nil, &reports)))
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Diagnostics, 1)
	require.Equal(t, "CI102", reports[0].Diagnostics[0].Code)
	require.Equal(t, 0, reports[0].Diagnostics[0].Pos)
}

func TestAnalyzer_Conflict(t *testing.T) {
	body, diags := hclsyntax.ParseConfig([]byte(`
concurrent {
  error = true
}
`), "idxctl.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors())
	az, err := concurrent.New(body.Body)
	require.NoError(t, err)
	f := file(t, migrate.TxModeNone, `CREATE INDEX CONCURRENTLY "name_idx" ON product("name");
CREATE INDEX CONCURRENTLY "sku_idx" ON product("sku");
CREATE INDEX CONCURRENTLY "name_idx" ON product("name");`)
	var reports []sqlcheck.Report
	dev := &sqlclient.Client{Name: "postgres", Driver: kinds{"sku_idx": "table"}}
	err = az.Analyze(context.Background(), pass(f, dev, &reports))
	require.EqualError(t, err, "concurrent index builds issues detected")
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Diagnostics, 2)
	require.Equal(t, "CI103", reports[0].Diagnostics[0].Code)
	require.Equal(t, `Index name "sku_idx" is taken by an existing table in the database`, reports[0].Diagnostics[0].Text)
	require.Equal(t, `Index "name_idx" is built more than once in the file`, reports[0].Diagnostics[1].Text)

	dev = &sqlclient.Client{Name: "postgres", Driver: kinds{"error": "connection refused"}}
	err = az.Analyze(context.Background(), pass(f, dev, &reports))
	require.EqualError(t, err, `sql/sqlcheck: inspecting relation "name_idx": connection refused`)
}

func file(t *testing.T, mode migrate.TxMode, content string) *sqlcheck.File {
	f, err := sqlcheck.NewFile(migrate.NewLocalFile("1_init.sql", []byte(content)), mode, parser{})
	require.NoError(t, err)
	return f
}

func pass(f *sqlcheck.File, dev *sqlclient.Client, reports *[]sqlcheck.Report) *sqlcheck.Pass {
	return &sqlcheck.Pass{
		File: f,
		Dev:  dev,
		Reporter: sqlcheck.ReportWriterFunc(func(r sqlcheck.Report) {
			*reports = append(*reports, r)
		}),
	}
}

// parser is a naive parser that reads the index
// names from CREATE INDEX statements.
type parser struct{}

func (parser) ParseChanges(s string) (schema.Changes, error) {
	f := strings.Fields(s)
	if len(f) < 4 || f[0] != "CREATE" || f[1] != "INDEX" {
		return nil, nil
	}
	name := f[2]
	if name == "CONCURRENTLY" {
		name = f[3]
	}
	return schema.Changes{&schema.AddIndex{I: schema.NewIndex(strings.Trim(name, `"`))}}, nil
}

func (parser) NoTx(s string) bool {
	return strings.Contains(s, "CONCURRENTLY")
}

// kinds is a fake driver that reports relation kinds by name.
type kinds map[string]string

func (k kinds) RelationKind(_ context.Context, _, name string) (string, error) {
	if err, ok := k["error"]; ok {
		return "", errors.New(err)
	}
	return k[name], nil
}

func (kinds) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("unexpected")
}

func (kinds) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("unexpected")
}

func (kinds) PlanChanges(context.Context, string, []schema.Change, ...migrate.PlanOption) (*migrate.Plan, error) {
	return nil, errors.New("unexpected")
}

func (kinds) ApplyChanges(context.Context, []schema.Change, ...migrate.PlanOption) error {
	return errors.New("unexpected")
}
