// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migratespec

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/postgres"
	"github.com/idxctl/idxctl/sql/schema"

	"github.com/go-openapi/inflect"
)

// List of table naming strategies.
const (
	NamingDjango = "django" // [app_label_]lower(model), the default.
	NamingSnake  = "snake"  // [app_label_]snake_case(model).
	NamingPlural = "plural" // [app_label_]plural(snake_case(model)).
)

// TableName returns the name of the table of the given operation.
func (m *Migration) TableName(o *Operation) (string, error) {
	if o.Table != "" {
		return o.Table, nil
	}
	if o.Model == "" {
		return "", fmt.Errorf("migratespec: operation %s in %q: missing model or table", o.Kind, m.Name)
	}
	var name string
	switch m.Naming {
	case "", NamingDjango:
		name = strings.ToLower(o.Model)
	case NamingSnake:
		name = inflect.Underscore(o.Model)
	case NamingPlural:
		name = inflect.Pluralize(inflect.Underscore(o.Model))
	default:
		return "", fmt.Errorf("migratespec: unknown naming %q in %q", m.Naming, m.Name)
	}
	if m.AppLabel != "" {
		name = m.AppLabel + "_" + name
	}
	return name, nil
}

// Changes returns the schema changes described by the migration. Concurrent
// operations in an atomic migration are rejected, as they cannot run inside a
// transaction block.
func (m *Migration) Changes() (schema.Changes, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("migratespec: missing migration name")
	}
	if len(m.Operations) == 0 {
		return nil, fmt.Errorf("migratespec: migration %q has no operations", m.Name)
	}
	var s *schema.Schema
	if m.Schema != "" {
		s = schema.NewSchema(m.Schema)
	}
	changes := make(schema.Changes, 0, len(m.Operations))
	for _, o := range m.Operations {
		if o.Concurrent() && m.IsAtomic() {
			return nil, fmt.Errorf("migratespec: operation %s in %q cannot run inside an atomic migration; set atomic = false", o.Kind, m.Name)
		}
		if o.Name == "" {
			return nil, fmt.Errorf("migratespec: operation %s in %q: missing index name", o.Kind, m.Name)
		}
		name, err := m.TableName(o)
		if err != nil {
			return nil, err
		}
		t := schema.NewTable(name)
		if s != nil {
			t.SetSchema(s)
		}
		switch o.Kind {
		case OpAddIndex, OpAddIndexConcurrently:
			c, err := addIndex(t, o)
			if err != nil {
				return nil, fmt.Errorf("migratespec: operation %s in %q: %w", o.Kind, m.Name, err)
			}
			changes = append(changes, c)
		case OpRemoveIndex, OpRemoveIndexConcurrently:
			c := &schema.DropIndex{I: schema.NewIndex(o.Name).SetTable(t)}
			if o.Concurrent() {
				c.Extra = append(c.Extra, &postgres.Concurrently{})
			}
			if o.IfExists {
				c.Extra = append(c.Extra, &postgres.IfExists{})
			}
			changes = append(changes, c)
		default:
			return nil, fmt.Errorf("migratespec: unknown operation %q in %q", o.Kind, m.Name)
		}
	}
	return changes, nil
}

func addIndex(t *schema.Table, o *Operation) (*schema.AddIndex, error) {
	idx := schema.NewIndex(o.Name).SetUnique(o.Unique).SetTable(t)
	for _, f := range o.Fields {
		c, ok := t.Column(f)
		if !ok {
			c = schema.NewColumn(f)
			t.AddColumns(c)
		}
		idx.AddColumns(c)
	}
	if o.Method != "" {
		idx.AddAttrs(&postgres.IndexType{T: o.Method})
	}
	if len(o.Include) > 0 {
		include := &postgres.IndexInclude{}
		for _, name := range o.Include {
			include.Columns = append(include.Columns, schema.NewColumn(name))
		}
		idx.AddAttrs(include)
	}
	if o.Where != "" {
		idx.AddAttrs(&postgres.IndexPredicate{P: o.Where})
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	c := &schema.AddIndex{I: idx}
	if o.Concurrent() {
		c.Extra = append(c.Extra, &postgres.Concurrently{})
	}
	if o.IfNotExists {
		c.Extra = append(c.Extra, &postgres.IfNotExists{})
	}
	return c, nil
}

// Plan returns the migration plan of the descriptor, planned by the given
// driver. The plan is transactional only if the migration is atomic and all
// of its statements can run inside a transaction block.
func (m *Migration) Plan(ctx context.Context, drv migrate.PlanApplier, opts ...migrate.PlanOption) (*migrate.Plan, error) {
	changes, err := m.Changes()
	if err != nil {
		return nil, err
	}
	version, name := m.Version()
	plan, err := drv.PlanChanges(ctx, name, changes, opts...)
	if err != nil {
		return nil, err
	}
	plan.Version, plan.Name = version, name
	plan.Transactional = plan.Transactional && m.IsAtomic()
	return plan, nil
}

// Version splits the migration name into its numeric
// version prefix (if any) and its description.
func (m *Migration) Version() (version, name string) {
	i := strings.IndexFunc(m.Name, func(r rune) bool { return !unicode.IsDigit(r) })
	switch {
	case i == -1:
		return m.Name, ""
	case i > 0 && m.Name[i] == '_':
		return m.Name[:i], m.Name[i+1:]
	default:
		return "", m.Name
	}
}

// CheckDependencies checks that all dependencies of the
// migration exist as files in the migration directory.
func (m *Migration) CheckDependencies(dir migrate.Dir) error {
	if len(m.DependsOn) == 0 {
		return nil
	}
	files, err := dir.Files()
	if err != nil {
		return fmt.Errorf("migratespec: reading migration directory: %w", err)
	}
	exists := make(map[string]bool, len(files)*2)
	for _, f := range files {
		exists[f.Version()] = true
		exists[strings.TrimSuffix(f.Name(), ".sql")] = true
	}
	for _, d := range m.DependsOn {
		if !exists[d] {
			return fmt.Errorf("migratespec: migration %q depends on %q which was not found in the migration directory", m.Name, d)
		}
	}
	return nil
}
