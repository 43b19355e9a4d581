// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/idxctl/idxctl/sql/internal/sqltest"
	"github.com/idxctl/idxctl/sql/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	for _, tt := range []struct {
		num     string
		version string
		err     string
	}{
		{num: "150004", version: "v15.4.0"},
		{num: "110022", version: "v11.22.0"},
		{num: "100000", err: "postgres: unsupported postgres version: v10.0.0"},
		{num: "15.4", err: `postgres: malformed version: "15.4"`},
		{num: "NULL", err: `postgres: malformed version: ""`},
	} {
		t.Run(tt.num, func(t *testing.T) {
			db, m, err := sqlmock.New()
			require.NoError(t, err)
			m.ExpectQuery(sqltest.Escape(paramsQuery)).
				WillReturnRows(sqltest.Rows(fmt.Sprintf(`
 server_version_num
--------------------
 %s
`, tt.num)))
			drv, err := Open(db)
			if tt.err != "" {
				require.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.version, drv.Version())
			require.False(t, drv.InTx())
			require.NoError(t, m.ExpectationsWereMet())
		})
	}
}

func TestOpen_Tx(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	m.ExpectBegin()
	m.ExpectQuery(sqltest.Escape(paramsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"server_version_num"}).AddRow("150004"))
	tx, err := db.Begin()
	require.NoError(t, err)
	drv, err := Open(tx)
	require.NoError(t, err)
	require.True(t, drv.InTx())
	m.ExpectRollback()
	require.NoError(t, tx.Rollback())
	require.NoError(t, m.ExpectationsWereMet())

	m.ExpectQuery(sqltest.Escape(paramsQuery)).WillReturnError(sql.ErrConnDone)
	_, err = Open(db)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestDriver_NoTx(t *testing.T) {
	drv := testDriver(nil, "v15.4.0")
	require.True(t, drv.NoTx(`CREATE INDEX CONCURRENTLY "name_idx" ON product("name")`))
	require.False(t, drv.NoTx(`CREATE INDEX "name_idx" ON product("name")`))
	require.True(t, drv.supports("v12.0.0"))
	require.False(t, testDriver(nil, "v11.9.0").supports("v12.0.0"))
}

func TestSQLState(t *testing.T) {
	require.Equal(t, "25001", SQLState(&pq.Error{Code: "25001"}))
	require.Equal(t, "42P07", SQLState(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42P07"})))
	require.Empty(t, SQLState(errors.New("connection reset by peer")))
	require.Equal(t, "active_sql_transaction", CodeName("25001"))
	require.Equal(t, "duplicate_table", CodeName("42P07"))

	require.True(t, Retryable(&pq.Error{Code: "57014"}))
	require.True(t, Retryable(&pgconn.PgError{Code: "55P03"}))
	require.False(t, Retryable(&pq.Error{Code: "23505"}))

	err := classify("CREATE INDEX CONCURRENTLY i ON t(c)", "public", "i", &pq.Error{Code: "25001", Message: "CREATE INDEX CONCURRENTLY cannot run inside a transaction block"})
	require.ErrorIs(t, err, ErrTxWrapped)
	require.EqualError(t, err, `postgres: statement "CREATE INDEX CONCURRENTLY i ON t(c)" cannot run inside a transaction block: pq: CREATE INDEX CONCURRENTLY cannot run inside a transaction block`)
	err = classify("CREATE INDEX CONCURRENTLY i ON t(c)", "public", "i", &pgconn.PgError{Code: "42P07"})
	require.ErrorIs(t, err, ErrNameConflict)
	require.EqualError(t, err, `postgres: relation "i" already exists in schema "public"`)
	require.NoError(t, classify("", "", "", &pq.Error{Code: "57014"}))
}

// testDriver returns a driver attached to the given
// connection, without querying the server version.
func testDriver(db schema.ExecQuerier, version string) *Driver {
	c := &conn{ExecQuerier: db, version: version}
	_, c.tx = db.(*sql.Tx)
	return &Driver{conn: c, PlanApplier: &planApply{conn: c}}
}
