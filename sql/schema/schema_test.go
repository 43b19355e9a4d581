// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/idxctl/idxctl/sql/schema"

	"github.com/stretchr/testify/require"
)

func TestIndex_Builders(t *testing.T) {
	name := schema.NewColumn("name").SetType("text")
	sku := schema.NewNullColumn("sku")
	tbl := schema.NewTable("product").
		SetSchema(schema.NewSchema("public")).
		AddColumns(name, sku)
	idx := schema.NewUniqueIndex("name_idx").
		SetTable(tbl).
		AddColumns(name, sku)
	tbl.AddIndexes(idx)

	require.True(t, idx.Unique)
	require.Equal(t, []string{"name", "sku"}, idx.Columns())
	require.Equal(t, 0, idx.Parts[0].SeqNo)
	require.Equal(t, 1, idx.Parts[1].SeqNo)
	require.Equal(t, []*schema.Index{idx}, name.Indexes)
	require.True(t, sku.Type.Null)
	require.Equal(t, "text", name.Type.Raw)

	got, ok := tbl.Index("name_idx")
	require.True(t, ok)
	require.Equal(t, idx, got)
	s, ok := tbl.Schema.Table("product")
	require.True(t, ok)
	require.Equal(t, tbl, s)
	require.Len(t, tbl.Schema.Tables, 1, "table is linked once")
	tbl.SetSchema(tbl.Schema)
	require.Len(t, tbl.Schema.Tables, 1)
}

func TestIndex_Validate(t *testing.T) {
	tbl := schema.NewTable("product").AddColumns(schema.NewColumn("name"), schema.NewColumn("price"))
	tests := []struct {
		idx     *schema.Index
		wantErr string
	}{
		{
			idx: schema.NewIndex("name_idx").SetTable(tbl).AddColumns(schema.NewColumn("name")),
		},
		{
			idx: schema.NewIndex("lower_idx").SetTable(tbl).AddExprs(&schema.RawExpr{X: "lower(name)"}),
		},
		{
			idx:     schema.NewIndex("").AddColumns(schema.NewColumn("name")),
			wantErr: "schema: invalid index: missing index name",
		},
		{
			idx:     schema.NewIndex("empty"),
			wantErr: `schema: invalid index: index "empty" has no parts`,
		},
		{
			idx:     schema.NewIndex("dup").AddColumns(schema.NewColumn("name"), schema.NewColumn("name")),
			wantErr: `schema: invalid index: column "name" is repeated in index "dup"`,
		},
		{
			idx:     schema.NewIndex("missing").SetTable(tbl).AddColumns(schema.NewColumn("sku")),
			wantErr: `schema: invalid index: column "sku" does not exist in table "product"`,
		},
		{
			// Tables without known columns are not checked locally.
			idx: schema.NewIndex("unknown").SetTable(schema.NewTable("t")).AddColumns(schema.NewColumn("c")),
		},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			err := tt.idx.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr)
			require.True(t, errors.Is(err, schema.ErrInvalidIndex))
		})
	}
}

type concurrently struct{ schema.Clause }

func TestChanges(t *testing.T) {
	changes := schema.Changes{
		&schema.DropIndex{I: schema.NewIndex("a")},
		&schema.AddIndex{I: schema.NewIndex("b"), Extra: []schema.Clause{&concurrently{}}},
	}
	require.Equal(t, 1, changes.IndexAddIndex("b"))
	require.Equal(t, -1, changes.IndexAddIndex("a"))
	require.Equal(t, 0, changes.IndexDropIndex("a"))
	require.True(t, schema.HasClause[*concurrently](changes[1].(*schema.AddIndex).Extra))
	require.False(t, schema.HasClause[*concurrently](changes[0].(*schema.DropIndex).Extra))

	var c *schema.Comment
	require.False(t, schema.Has([]schema.Attr{}, &c))
	require.True(t, schema.Has([]schema.Attr{&schema.Comment{Text: "hi"}}, &c))
	require.Equal(t, "hi", c.Text)
}

func TestIsNotExistError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &schema.NotExistError{Err: errors.New("table was not found")})
	require.True(t, schema.IsNotExistError(err))
	require.False(t, schema.IsNotExistError(errors.New("other")))
	require.False(t, schema.IsNotExistError(nil))
}
