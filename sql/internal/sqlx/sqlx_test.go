// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package sqlx

import (
	"testing"

	"github.com/idxctl/idxctl/sql/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	cols := []string{"name", "sku"}
	b := &Builder{QuoteChar: '"'}
	b.P("CREATE UNIQUE INDEX", "CONCURRENTLY").
		Ident("name_idx").
		P("ON").
		Table(schema.NewTable("product")).
		Tuple(func(b *Builder) {
			b.MapComma(cols, func(i int, b *Builder) {
				b.Ident(cols[i])
			})
		}).
		P("WHERE", "deleted_at IS NULL")
	require.Equal(t, `CREATE UNIQUE INDEX CONCURRENTLY "name_idx" ON product("name", "sku") WHERE deleted_at IS NULL`, b.String())

	b = &Builder{QuoteChar: '"'}
	b.P("INCLUDE").Wrap(func(b *Builder) {
		b.Ident("price")
	})
	require.Equal(t, `INCLUDE ("price")`, b.String())
}

func TestBuilder_Table(t *testing.T) {
	reserved := map[string]bool{"user": true, "order": true}
	tests := []struct {
		table  *schema.Table
		schema *string
		want   string
	}{
		{table: schema.NewTable("product"), want: "product"},
		{table: schema.NewTable("Product"), want: `"Product"`},
		{table: schema.NewTable("user"), want: `"user"`},
		{table: schema.NewTable("order_items"), want: "order_items"},
		{table: schema.NewTable("my table"), want: `"my table"`},
		{table: schema.NewTable(`a"b`), want: `"a""b"`},
		{table: schema.NewTable("product").SetSchema(schema.NewSchema("public")), want: "public.product"},
		{table: schema.NewTable("product").SetSchema(schema.NewSchema("Shop")), want: `"Shop".product`},
		{table: schema.NewTable("product").SetSchema(schema.NewSchema("public")), schema: P(""), want: "product"},
		{table: schema.NewTable("product"), schema: P("shop"), want: "shop.product"},
	}
	for _, tt := range tests {
		b := &Builder{QuoteChar: '"', Reserved: reserved, Schema: tt.schema}
		require.Equal(t, tt.want, b.Table(tt.table).String())
	}
}

func TestHelpers(t *testing.T) {
	require.False(t, V[bool](nil))
	require.True(t, V(P(true)))
}

func TestScan(t *testing.T) {
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	m.ExpectQuery("SELECT valid").WillReturnRows(sqlmock.NewRows([]string{"valid"}).AddRow(true))
	rows, err := db.Query("SELECT valid")
	require.NoError(t, err)
	v, err := ScanNullBool(rows)
	require.NoError(t, err)
	require.True(t, v.Valid && v.Bool)

	m.ExpectQuery("SELECT valid").WillReturnRows(sqlmock.NewRows([]string{"valid"}))
	rows, err = db.Query("SELECT valid")
	require.NoError(t, err)
	_, err = ScanNullBool(rows)
	require.True(t, IsNoRows(err))
	require.NoError(t, m.ExpectationsWereMet())
}
