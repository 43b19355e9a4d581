// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/idxctl/idxctl/sql/schema"
)

type (
	// Formatter wraps the Format method.
	Formatter interface {
		// Format formats the given Plan into one or more migration files.
		Format(*Plan) ([]File, error)
	}

	// TemplateFormatter implements Formatter by using templates.
	TemplateFormatter struct {
		templates []struct{ N, C *template.Template }
	}

	// Planner can plan the steps to take to migrate from one state to another. It uses the enclosed Dir to write
	// those changes to versioned migration files.
	Planner struct {
		drv Driver    // driver to use
		dir Dir       // where migration files are stored and read from
		fmt Formatter // how to format a plan to migration files
	}

	// PlannerOption allows managing a Planner using functional arguments.
	PlannerOption func(*Planner)
)

var (
	// funcs contains the template.FuncMap for the different formatters.
	funcs = template.FuncMap{
		"now": func() string { return time.Now().UTC().Format("20060102150405") },
	}

	// DefaultFormatter is a default implementation for Formatter. Plans that cannot run
	// inside a transaction are written with the "txmode none" file directive.
	DefaultFormatter = &TemplateFormatter{
		templates: []struct{ N, C *template.Template }{
			{
				N: template.Must(template.New("").Funcs(funcs).Parse(
					"{{ with .Version }}{{ . }}{{ else }}{{ now }}{{ end }}{{ with .Name }}_{{ . }}{{ end }}.sql",
				)),
				C: template.Must(template.New("").Funcs(funcs).Parse(
					`{{ if not .Transactional }}-- idxctl:txmode none

{{ end }}{{ range .Changes }}{{ with .Comment }}-- {{ println . }}{{ end }}{{ printf "%s;\n" .Cmd }}{{ end }}`,
				)),
			},
		},
	}
)

// NewTemplateFormatter creates a new Formatter working with the given templates.
//
//	migrate.NewTemplateFormatter(
//		template.Must(template.New("").Parse("{{now}}.sql")),                 // name template
//		template.Must(template.New("").Parse("{{range .Changes}}{{println .Cmd}}{{end}}")), // content template
//	)
func NewTemplateFormatter(templates ...*template.Template) (*TemplateFormatter, error) {
	if n := len(templates); n == 0 || n%2 == 1 {
		return nil, fmt.Errorf("zero or odd number of templates given: %d", n)
	}
	t := new(TemplateFormatter)
	for i := 0; i < len(templates); i += 2 {
		t.templates = append(t.templates, struct{ N, C *template.Template }{templates[i], templates[i+1]})
	}
	return t, nil
}

// Format implements the Formatter interface.
func (t *TemplateFormatter) Format(plan *Plan) ([]File, error) {
	files := make([]File, 0, len(t.templates))
	for _, tpl := range t.templates {
		var n, b bytes.Buffer
		if err := tpl.N.Execute(&n, plan); err != nil {
			return nil, err
		}
		if err := tpl.C.Execute(&b, plan); err != nil {
			return nil, err
		}
		files = append(files, NewLocalFile(n.String(), b.Bytes()))
	}
	return files, nil
}

// NewPlanner creates a new Planner.
func NewPlanner(drv Driver, dir Dir, opts ...PlannerOption) *Planner {
	p := &Planner{drv: drv, dir: dir}
	for _, opt := range opts {
		opt(p)
	}
	if p.fmt == nil {
		p.fmt = DefaultFormatter
	}
	return p
}

// PlanFormat sets the Formatter of a Planner.
func PlanFormat(fmt Formatter) PlannerOption {
	return func(p *Planner) {
		p.fmt = fmt
	}
}

// Plan calculates the migration Plan required for applying the given changes.
func (p *Planner) Plan(ctx context.Context, name string, changes []schema.Change, opts ...PlanOption) (*Plan, error) {
	if p.drv == nil {
		return nil, errors.New("sql/migrate: planner has no driver")
	}
	if len(changes) == 0 {
		return nil, errors.New("sql/migrate: no changes to plan")
	}
	return p.drv.PlanChanges(ctx, name, changes, opts...)
}

// WritePlan writes the given plan to the migration directory and
// returns the names of the written files.
func (p *Planner) WritePlan(plan *Plan) ([]string, error) {
	files, err := p.fmt.Format(plan)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := p.dir.WriteFile(f.Name(), f.Bytes()); err != nil {
			return nil, fmt.Errorf("sql/migrate: write file %q: %w", f.Name(), err)
		}
		names = append(names, f.Name())
	}
	return names, nil
}
