// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqltest holds helpers for mocking PostgreSQL catalog queries.
package sqltest

import (
	"database/sql/driver"
	"regexp"
	"strings"
	"unicode"

	"github.com/DATA-DOG/go-sqlmock"
)

// Rows converts psql table output to sql.Rows. The "t" and "f" values are
// converted to booleans, and the empty, "nil" and NULL values to NULL.
// All other values are passed as text. For example:
//
//	 nspname | relname  | indisvalid | indisready
//	---------+----------+------------+------------
//	 public  | name_idx | f          | t
//	 public  | sku_idx  | t          | NULL
func Rows(table string) *sqlmock.Rows {
	var (
		nc   int
		rows *sqlmock.Rows
	)
	for _, line := range strings.Split(table, "\n") {
		line = strings.TrimFunc(line, unicode.IsSpace)
		// Skip empty lines, separators and psql footers, such as "(2 rows)".
		if line == "" || strings.IndexAny(line, "+-") == 0 || strings.HasPrefix(line, "(") {
			continue
		}
		columns := strings.Split(strings.Trim(line, "|"), "|")
		for i := range columns {
			columns[i] = strings.TrimSpace(columns[i])
		}
		if rows == nil {
			nc = len(columns)
			rows = sqlmock.NewRows(columns)
			continue
		}
		values := make([]driver.Value, nc)
		for i, c := range columns {
			if i == nc {
				break
			}
			switch c {
			case "", "nil", "NULL":
			case "t":
				values[i] = true
			case "f":
				values[i] = false
			default:
				values[i] = c
			}
		}
		rows.AddRow(values...)
	}
	return rows
}

// Escape escapes all regular expression metacharacters in the given
// query, and joins its lines with a single whitespace.
func Escape(query string) string {
	lines := strings.Split(query, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return regexp.QuoteMeta(strings.TrimSpace(strings.Join(lines, " "))) + "$"
}
