// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/idxctl/idxctl/sql/internal/sqltest"
	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

const createNameIdx = `CREATE INDEX CONCURRENTLY "name_idx" ON product("name")`

// nameIdx returns the index descriptor {table: "product", columns: ["name"], name: "name_idx"}.
func nameIdx() *schema.Index {
	t := schema.NewTable("product").AddColumns(schema.NewColumn("name"))
	return schema.NewIndex("name_idx").SetTable(t).AddColumns(t.Columns[0])
}

func TestIssuer_Statement(t *testing.T) {
	ctx := context.Background()
	stmt, err := NewIssuer(testDriver(nil, "v15.4.0")).Statement(ctx, nameIdx())
	require.NoError(t, err)
	require.Equal(t, `CREATE INDEX CONCURRENTLY "name_idx" ON product("name");`, stmt)

	idx := nameIdx()
	idx.Unique = true
	stmt, err = NewIssuer(
		testDriver(nil, "v15.4.0"),
		WithIfNotExists(),
		WithMethod("btree"),
		WithInclude("sku"),
		WithWhere("deleted_at IS NULL"),
	).Statement(ctx, idx, migrate.PlanWithSchemaQualifier("shop"))
	require.NoError(t, err)
	require.Equal(t, `CREATE UNIQUE INDEX CONCURRENTLY IF NOT EXISTS "name_idx" ON shop.product USING BTREE ("name") INCLUDE ("sku") WHERE deleted_at IS NULL;`, stmt)
	// The descriptor is not modified.
	require.Empty(t, idx.Attrs)

	_, err = NewIssuer(testDriver(nil, "v15.4.0")).Statement(ctx, schema.NewIndex("name_idx").SetTable(schema.NewTable("product")))
	require.ErrorIs(t, err, schema.ErrInvalidIndex)
}

func TestIssuer_Create(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mk.indexState("name_idx", true, false)

	s, err := NewIssuer(testDriver(db, "v15.4.0")).Create(context.Background(), nameIdx())
	require.NoError(t, err)
	require.Equal(t, StatusValid, s.Status())
	require.Equal(t, "product", s.Table)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_CreateTx(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	m.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	// No statement reaches the server.
	_, err = NewIssuer(testDriver(tx, "v15.4.0")).Create(context.Background(), nameIdx())
	require.ErrorIs(t, err, ErrTxWrapped)
	require.EqualError(t, err, `postgres: statement "CREATE INDEX CONCURRENTLY \"name_idx\" ON product(\"name\")" cannot run inside a transaction block`)
	require.NoError(t, m.ExpectationsWereMet())

	// Server-side rejection is classified the same.
	mk := mock{m}
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).
		WillReturnError(&pq.Error{Code: "25001", Message: "CREATE INDEX CONCURRENTLY cannot run inside a transaction block"})
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(context.Background(), nameIdx())
	require.ErrorIs(t, err, ErrTxWrapped)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_CreateInterrupted(t *testing.T) {
	var (
		ctx      = context.Background()
		db, m, _ = sqlmock.New()
		mk       = mock{m}
		issuer   = NewIssuer(testDriver(db, "v15.4.0"))
		canceled = &pq.Error{Code: "57014", Message: "canceling statement due to user request"}
	)
	// The build is interrupted after the index was added to the catalog.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).WillReturnError(canceled)
	mk.indexState("name_idx", false, false)
	_, err := issuer.Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrInvalidIndex)
	var ierr *InvalidIndexError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, StatusInvalid, ierr.Index.Status())
	require.Equal(t, canceled, ierr.Cause)
	require.True(t, Retryable(err))
	require.EqualError(t, err, `postgres: index "name_idx" on table "product" is invalid and must be dropped before retrying: pq: canceling statement due to user request`)

	// A same-named retry is rejected until the invalid index is dropped.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "i")
	mk.indexState("name_idx", false, false)
	_, err = issuer.Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrInvalidIndex)

	// Repair drops the invalid index and builds it again.
	mk.indexState("name_idx", false, false)
	m.ExpectExec(sqltest.Escape(`DROP INDEX CONCURRENTLY "public"."name_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mk.indexState("name_idx", true, false)
	s, err := issuer.Repair(ctx, nameIdx())
	require.NoError(t, err)
	require.Equal(t, StatusValid, s.Status())
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_CreateFailed(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}
	// The build failed before the index was added to the catalog.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).WillReturnError(errors.New("connection reset by peer"))
	mk.index("", "name_idx", "")
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(context.Background(), nameIdx())
	require.EqualError(t, err, `postgres: create index "name_idx": connection reset by peer`)
	require.False(t, errors.Is(err, ErrInvalidIndex))

	// The build completed, but the index is not valid.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).WillReturnResult(sqlmock.NewResult(0, 0))
	mk.indexState("name_idx", false, false)
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(context.Background(), nameIdx())
	require.ErrorIs(t, err, ErrInvalidIndex)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_NameConflict(t *testing.T) {
	ctx := context.Background()
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}

	// Taken by a table.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "r")
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrNameConflict)
	require.EqualError(t, err, `postgres: relation "name_idx" already exists (table)`)

	// Taken by a valid index.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "i")
	mk.indexState("name_idx", true, false)
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrNameConflict)

	// Taken by an index that is being built.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "i")
	mk.indexState("name_idx", false, true)
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrNameConflict)

	// Existing valid indexes are returned with IfNotExists.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "i")
	mk.indexState("name_idx", true, false)
	s, err := NewIssuer(testDriver(db, "v15.4.0"), WithIfNotExists()).Create(ctx, nameIdx())
	require.NoError(t, err)
	require.True(t, s.Valid)

	// Server-side conflicts.
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape(createNameIdx)).
		WillReturnError(&pq.Error{Code: "42P07", Message: `relation "name_idx" already exists`})
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.ErrorIs(t, err, ErrNameConflict)
	var nerr *NameConflictError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "name_idx", nerr.Name)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_CreateMissing(t *testing.T) {
	ctx := context.Background()
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}

	mk.columns("", "product")
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.True(t, schema.IsNotExistError(err))

	mk.columns("", "product", "sku")
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, nameIdx())
	require.True(t, schema.IsNotExistError(err))
	require.EqualError(t, err, `postgres: column "name" does not exist in table "product"`)

	mk.columns("", "product", "name")
	_, err = NewIssuer(testDriver(db, "v15.4.0"), WithInclude("price")).Create(ctx, nameIdx())
	require.EqualError(t, err, `postgres: column "price" does not exist in table "product"`)

	_, err = NewIssuer(testDriver(db, "v15.4.0")).Create(ctx, schema.NewIndex("name_idx").AddColumns(schema.NewColumn("name")))
	require.ErrorIs(t, err, schema.ErrInvalidIndex)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_DropInvalid(t *testing.T) {
	ctx := context.Background()
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}
	issuer := NewIssuer(testDriver(db, "v15.4.0"))

	mk.indexState("name_idx", true, false)
	require.ErrorIs(t, issuer.DropInvalid(ctx, "", "name_idx"), ErrValidIndex)

	mk.indexState("name_idx", false, true)
	require.EqualError(t, issuer.DropInvalid(ctx, "", "name_idx"), `postgres: refusing to drop index "name_idx": a build is in progress`)

	mk.index("", "name_idx", "")
	require.True(t, schema.IsNotExistError(issuer.DropInvalid(ctx, "", "name_idx")))

	// Forced drops.
	mk.indexState("name_idx", false, true)
	m.ExpectExec(sqltest.Escape(`DROP INDEX CONCURRENTLY "public"."name_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewIssuer(testDriver(db, "v15.4.0"), WithForce()).DropInvalid(ctx, "", "name_idx"))
	mk.indexState("name_idx", true, false)
	require.ErrorIs(t, NewIssuer(testDriver(db, "v15.4.0"), WithForce()).DropInvalid(ctx, "", "name_idx"), ErrValidIndex)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIssuer_Rebuild(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}
	mk.indexState("name_idx", false, false)
	mk.indexState("name_idx", false, false)
	m.ExpectExec(sqltest.Escape(`DROP INDEX CONCURRENTLY "public"."name_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectExec(sqltest.Escape(`CREATE INDEX CONCURRENTLY name_idx ON public.product USING btree (name)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Verified on the schema returned by the catalog.
	mk.index("public", "name_idx", `
 nspname | relname | relname  | indisvalid | indisready | indislive | building | pg_get_indexdef
 public  | product | name_idx | t          | t          | t         | f        | CREATE INDEX name_idx ON public.product USING btree (name)
`)
	s, err := NewIssuer(testDriver(db, "v15.4.0")).Rebuild(context.Background(), "", "name_idx")
	require.NoError(t, err)
	require.Equal(t, StatusValid, s.Status())
	require.NoError(t, m.ExpectationsWereMet())

	// Valid indexes are not rebuilt.
	mk.indexState("name_idx", true, false)
	mk.indexState("name_idx", true, false)
	_, err = NewIssuer(testDriver(db, "v15.4.0")).Rebuild(context.Background(), "", "name_idx")
	require.ErrorIs(t, err, ErrValidIndex)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestIndexState_Stmts(t *testing.T) {
	s := &IndexState{Schema: "public", Table: "product", Name: "name_idx", Def: "CREATE UNIQUE INDEX name_idx ON public.product USING btree (name)"}
	stmt, err := s.CreateStmt()
	require.NoError(t, err)
	require.Equal(t, "CREATE UNIQUE INDEX CONCURRENTLY name_idx ON public.product USING btree (name)", stmt)
	require.Equal(t, `DROP INDEX CONCURRENTLY "public"."name_idx"`, s.DropStmt())

	s.Def = "ALTER TABLE product"
	_, err = s.CreateStmt()
	require.EqualError(t, err, `postgres: unexpected definition for index "name_idx": "ALTER TABLE product"`)
}

func TestIssuer_Reindex(t *testing.T) {
	ctx := context.Background()
	_, err := NewIssuer(testDriver(nil, "v11.9.0")).Reindex(ctx, "public", "name_idx")
	require.EqualError(t, err, "postgres: REINDEX CONCURRENTLY is not supported by version v11.9.0")

	db, m, err := sqlmock.New()
	require.NoError(t, err)
	m.ExpectExec(sqltest.Escape(`REINDEX INDEX CONCURRENTLY "public"."name_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock{m}.index("public", "name_idx", `
 nspname | relname | relname  | indisvalid | indisready | indislive | building | pg_get_indexdef
 public  | product | name_idx | t          | t          | t         | f        | CREATE INDEX name_idx ON public.product USING btree (name)
`)
	s, err := NewIssuer(testDriver(db, "v15.4.0")).Reindex(ctx, "public", "name_idx")
	require.NoError(t, err)
	require.True(t, s.Valid)
	require.NoError(t, m.ExpectationsWereMet())

	m.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = NewIssuer(testDriver(tx, "v15.4.0")).Reindex(ctx, "public", "name_idx")
	require.ErrorIs(t, err, ErrTxWrapped)
}

func TestIssuer_Timeouts(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	mk := mock{m}
	mk.columns("", "product", "name")
	mk.relation("", "name_idx", "")
	m.ExpectExec(sqltest.Escape("SET lock_timeout = 5000")).WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectExec(sqltest.Escape("SET statement_timeout = 3600000")).WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectExec(sqltest.Escape(createNameIdx)).
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	m.ExpectExec(sqltest.Escape("RESET lock_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectExec(sqltest.Escape("RESET statement_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mk.indexState("name_idx", false, false)
	_, err = NewIssuer(
		testDriver(db, "v15.4.0"),
		WithLockTimeout(5*time.Second),
		WithStatementTimeout(time.Hour),
	).Create(context.Background(), nameIdx())
	require.ErrorIs(t, err, ErrInvalidIndex)
	require.True(t, Retryable(err))
	require.NoError(t, m.ExpectationsWereMet())
}
