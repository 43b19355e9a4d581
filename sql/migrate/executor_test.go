// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"

	"github.com/stretchr/testify/require"
)

func TestExecutor_Pending(t *testing.T) {
	ctx := context.Background()
	d := dirOf(t, map[string]string{
		"1_a.sql": "CREATE INDEX a ON t(a);\n",
		"2_b.sql": "CREATE INDEX b ON t(b);\n",
		"3_c.sql": "CREATE INDEX c ON t(c);\n",
	})
	rrw := &mockRevisions{}
	ex, err := migrate.NewExecutor(&mockDriver{}, d, rrw)
	require.NoError(t, err)
	files, err := ex.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)

	// Partially applied files are pending.
	rrw.revs = []*migrate.Revision{
		{Version: "1", Applied: 1, Total: 1},
		{Version: "2", Applied: 0, Total: 1, Error: "boom"},
	}
	files, err = ex.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "2_b.sql", files[0].Name())

	rrw.revs = append(rrw.revs[:1], &migrate.Revision{Version: "2", Applied: 1, Total: 1}, &migrate.Revision{Version: "3", Applied: 1, Total: 1})
	_, err = ex.Pending(ctx)
	require.ErrorIs(t, err, migrate.ErrNoPendingFiles)

	_, err = migrate.NewExecutor(nil, d, rrw)
	require.EqualError(t, err, "sql/migrate: execute: no driver given")
	_, err = migrate.NewExecutor(&mockDriver{}, nil, rrw)
	require.EqualError(t, err, "sql/migrate: execute: no dir given")
	_, err = migrate.NewExecutor(&mockDriver{}, d, nil)
	require.EqualError(t, err, "sql/migrate: execute: no revision storage given")
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()
	d := dirOf(t, map[string]string{
		"1_idx.sql": "-- idxctl:txmode none\n\nCREATE INDEX CONCURRENTLY a ON t(a);\nCREATE INDEX CONCURRENTLY b ON t(b);\n",
	})
	var (
		drv = &mockDriver{fail: map[string]error{"CREATE INDEX CONCURRENTLY b ON t(b);": errors.New("canceling statement due to user request")}}
		rrw = &mockRevisions{}
		log = &mockLogger{}
	)
	ex, err := migrate.NewExecutor(drv, d, rrw, migrate.WithLogger(log), migrate.WithOperatorVersion("idxctl v0.1.0"))
	require.NoError(t, err)
	files, err := ex.Pending(ctx)
	require.NoError(t, err)
	err = ex.Execute(ctx, files[0])
	require.EqualError(t, err, `sql/migrate: execute: executing statement "CREATE INDEX CONCURRENTLY b ON t(b);" from version "1": canceling statement due to user request`)
	require.Equal(t, []string{"CREATE INDEX CONCURRENTLY a ON t(a);", "CREATE INDEX CONCURRENTLY b ON t(b);"}, drv.executed)
	require.Len(t, rrw.revs, 1)
	r := rrw.revs[0]
	require.Equal(t, 1, r.Applied)
	require.Equal(t, 2, r.Total)
	require.Equal(t, "idx", r.Description)
	require.Equal(t, "canceling statement due to user request", r.Error)
	require.Equal(t, "CREATE INDEX CONCURRENTLY b ON t(b);", r.ErrorStmt)
	require.Equal(t, "idxctl v0.1.0", r.OperatorVersion)
	require.False(t, r.Done())
	require.IsType(t, migrate.LogFile{}, log.entries[0])
	require.Equal(t, migrate.TxModeNone, log.entries[0].(migrate.LogFile).Mode)
	require.Equal(t, migrate.LogError{SQL: "CREATE INDEX CONCURRENTLY b ON t(b);", Error: drv.fail["CREATE INDEX CONCURRENTLY b ON t(b);"]}, log.entries[len(log.entries)-1])

	// The retry continues from the failed statement.
	drv.fail, drv.executed, log.entries = nil, nil, nil
	files, err = ex.Pending(ctx)
	require.NoError(t, err)
	require.NoError(t, ex.Execute(ctx, files[0]))
	require.Equal(t, []string{"CREATE INDEX CONCURRENTLY b ON t(b);"}, drv.executed)
	require.Equal(t, 1, log.entries[0].(migrate.LogFile).Skip)
	r = rrw.revs[0]
	require.True(t, r.Done())
	require.Equal(t, 2, r.Applied)
	require.Empty(t, r.Error)
	_, err = ex.Pending(ctx)
	require.ErrorIs(t, err, migrate.ErrNoPendingFiles)
}

func TestFileMode(t *testing.T) {
	none := migrate.NewLocalFile("1_none.sql", []byte("-- idxctl:txmode none\n\nSELECT 1;"))
	plain := migrate.NewLocalFile("2_plain.sql", []byte("SELECT 1;"))
	for _, tt := range []struct {
		f      migrate.File
		global migrate.TxMode
		want   migrate.TxMode
	}{
		{f: none, global: migrate.TxModeFile, want: migrate.TxModeNone},
		{f: none, global: migrate.TxModeNone, want: migrate.TxModeNone},
		{f: plain, global: migrate.TxModeFile, want: migrate.TxModeFile},
		{f: plain, global: migrate.TxModeAll, want: migrate.TxModeAll},
		{f: plain, global: migrate.TxModeNone, want: migrate.TxModeNone},
	} {
		m, err := migrate.FileMode(tt.f, tt.global)
		require.NoError(t, err)
		require.Equal(t, tt.want, m)
	}
	_, err := migrate.FileMode(none, migrate.TxModeAll)
	require.EqualError(t, err, `cannot set txmode directive to "none" in "1_none.sql" when txmode "all" is set globally`)
	require.ErrorIs(t, err, migrate.ErrTxMode)

	_, err = migrate.FileMode(migrate.NewLocalFile("3_x.sql", []byte("-- idxctl:txmode x\n\nSELECT 1;")), migrate.TxModeFile)
	require.EqualError(t, err, `unknown txmode "x" found in file directive "3_x.sql"`)
}

func TestValidateTxMode(t *testing.T) {
	var (
		drv   = &mockTxChecker{}
		plain = migrate.NewLocalFile("1_plain.sql", []byte("CREATE INDEX a ON t(a);"))
		conc  = migrate.NewLocalFile("2_conc.sql", []byte("CREATE INDEX CONCURRENTLY b ON t(b);"))
		none  = migrate.NewLocalFile("3_none.sql", []byte("-- idxctl:txmode none\n\nCREATE INDEX CONCURRENTLY c ON t(c);"))
	)
	require.NoError(t, migrate.ValidateTxMode(drv, []migrate.File{plain, none}, migrate.TxModeFile))
	require.NoError(t, migrate.ValidateTxMode(drv, []migrate.File{plain, conc, none}, migrate.TxModeNone))

	err := migrate.ValidateTxMode(drv, []migrate.File{plain, conc, none}, migrate.TxModeFile)
	var terr *migrate.TxModeError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "2_conc.sql", terr.File)
	require.Equal(t, migrate.TxModeFile, terr.Mode)
	require.Equal(t, "CREATE INDEX CONCURRENTLY b ON t(b);", terr.Stmt)
	require.EqualError(t, err, `statement "CREATE INDEX CONCURRENTLY b ON t(b);" in "2_conc.sql" cannot run inside a transaction block: add the "-- idxctl:txmode none" directive to the file header`)

	err = migrate.ValidateTxMode(drv, []migrate.File{plain, conc}, migrate.TxModeAll)
	require.EqualError(t, err, `statement "CREATE INDEX CONCURRENTLY b ON t(b);" in "2_conc.sql" cannot run inside a transaction block and txmode "all" is set globally`)

	err = migrate.ValidateTxMode(drv, []migrate.File{plain, none}, migrate.TxModeAll)
	require.EqualError(t, err, `cannot set txmode directive to "none" in "3_none.sql" when txmode "all" is set globally`)

	// Drivers that cannot classify statements are checked only for directives.
	require.NoError(t, migrate.ValidateTxMode(&mockDriver{}, []migrate.File{conc}, migrate.TxModeFile))
}

func TestParseTxMode(t *testing.T) {
	m, err := migrate.ParseTxMode("")
	require.NoError(t, err)
	require.Equal(t, migrate.TxModeFile, m)
	m, err = migrate.ParseTxMode("all")
	require.NoError(t, err)
	require.Equal(t, migrate.TxModeAll, m)
	_, err = migrate.ParseTxMode("some")
	require.EqualError(t, err, `unknown tx-mode "some"`)
}

func TestPlanner_Plan(t *testing.T) {
	d := dirOf(t, nil)
	drv := &mockDriver{plan: &migrate.Plan{Name: "p"}}
	pl := migrate.NewPlanner(drv, d)
	_, err := pl.Plan(context.Background(), "p", nil)
	require.EqualError(t, err, "sql/migrate: no changes to plan")
	p, err := pl.Plan(context.Background(), "p", []schema.Change{&schema.AddIndex{I: schema.NewIndex("i")}})
	require.NoError(t, err)
	require.Equal(t, drv.plan, p)
	_, err = migrate.NewPlanner(nil, d).Plan(context.Background(), "p", []schema.Change{&schema.AddIndex{I: schema.NewIndex("i")}})
	require.EqualError(t, err, "sql/migrate: planner has no driver")
}

func dirOf(t *testing.T, files map[string]string) *migrate.LocalDir {
	d, err := migrate.NewLocalDir(t.TempDir())
	require.NoError(t, err)
	for n, c := range files {
		require.NoError(t, d.WriteFile(n, []byte(c)))
	}
	return d
}

type mockDriver struct {
	migrate.Driver
	plan     *migrate.Plan
	fail     map[string]error
	executed []string
}

func (m *mockDriver) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	m.executed = append(m.executed, query)
	if err, ok := m.fail[query]; ok {
		return nil, err
	}
	return nil, nil
}

func (m *mockDriver) PlanChanges(context.Context, string, []schema.Change, ...migrate.PlanOption) (*migrate.Plan, error) {
	return m.plan, nil
}

type mockTxChecker struct{ mockDriver }

func (*mockTxChecker) NoTx(stmt string) bool {
	return strings.Contains(stmt, "CONCURRENTLY")
}

type mockRevisions struct {
	revs []*migrate.Revision
}

func (m *mockRevisions) ReadRevisions(context.Context) ([]*migrate.Revision, error) {
	return m.revs, nil
}

func (m *mockRevisions) ReadRevision(_ context.Context, v string) (*migrate.Revision, error) {
	for _, r := range m.revs {
		if r.Version == v {
			return r, nil
		}
	}
	return nil, migrate.ErrRevisionNotExist
}

func (m *mockRevisions) WriteRevision(_ context.Context, r *migrate.Revision) error {
	for i := range m.revs {
		if m.revs[i].Version == r.Version {
			m.revs[i] = r
			return nil
		}
	}
	m.revs = append(m.revs, r)
	return nil
}

type mockLogger struct {
	entries []migrate.LogEntry
}

func (m *mockLogger) Log(e migrate.LogEntry) {
	m.entries = append(m.entries, e)
}
