// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package cmdapi

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
)

const projectFileName = "file://idxctl.hcl"

type loadConfig struct {
	inputValues map[string]cty.Value
}

// LoadOption configures the LoadEnv function.
type LoadOption func(*loadConfig)

// WithInput is a LoadOption that sets the input values for the LoadEnv function.
func WithInput(values map[string]cty.Value) LoadOption {
	return func(config *loadConfig) {
		config.inputValues = values
	}
}

type (
	// Project represents an idxctl.hcl project file.
	Project struct {
		Variables []*Variable `hcl:"variable,block"` // Input variables
		Envs      []*Env      `hcl:"env,block"`      // List of environments
		Lint      *Lint       `hcl:"lint,block"`     // Optional global lint config
	}

	// Variable is an input variable of the project file. Its value
	// is given with the --var flag, or taken from its default.
	Variable struct {
		Name    string         `hcl:"name,label"`
		Type    hcl.Expression `hcl:"type,optional"`
		Default hcl.Expression `hcl:"default,optional"`
	}

	// Env represents an idxctl environment.
	Env struct {
		// Name for this environment.
		Name string `hcl:"name,label"`

		// URL of the database.
		URL string `hcl:"url,optional"`

		// Dir is the URL of the migration directory.
		Dir string `hcl:"dir,optional"`

		// Schema the indexes reside in. Defaults to the current schema.
		Schema string `hcl:"schema,optional"`

		// TxMode is the global transaction mode of 'migrate apply'.
		TxMode string `hcl:"tx_mode,optional"`

		// LockTimeout of the sessions that build indexes (e.g. "10s").
		LockTimeout string `hcl:"lock_timeout,optional"`

		// RevisionsSchema is the schema of the revisions table.
		RevisionsSchema string `hcl:"revisions_schema,optional"`

		// Vars are passed as input variables to the migration descriptors.
		Vars map[string]string `hcl:"vars,optional"`

		// Lint of the environment.
		Lint *Lint `hcl:"lint,block"`

		// Format of the environment.
		Format *Format `hcl:"format,block"`
	}

	// Lint represents the configuration of migration linting.
	Lint struct {
		// Format configures the --format option.
		Format string `hcl:"format,optional"`
		// Latest configures the --latest option.
		Latest int `hcl:"latest,optional"`
		// Git configures the git change detection.
		Git *LintGit `hcl:"git,block"`
		// Remain holds the analyzers configuration. For example:
		//
		//	concurrent {
		//	  error = true
		//	}
		Remain hcl.Body `hcl:",remain"`
	}

	// LintGit configures the git change detection of migration linting.
	LintGit struct {
		// Dir configures the --git-dir option.
		Dir string `hcl:"dir,optional"`
		// Base configures the --git-base option.
		Base string `hcl:"base,optional"`
	}

	// Format represents the output formatting configuration of an environment.
	Format struct {
		Migrate *MigrateFormat `hcl:"migrate,block"`
		Index   *IndexFormat   `hcl:"index,block"`
	}

	// MigrateFormat configures the formatting of the 'migrate' commands.
	MigrateFormat struct {
		Apply  string `hcl:"apply,optional"`
		Lint   string `hcl:"lint,optional"`
		Status string `hcl:"status,optional"`
		SQL    string `hcl:"sql,optional"`
	}

	// IndexFormat configures the formatting of the 'index' commands.
	IndexFormat struct {
		Create string `hcl:"create,optional"`
		Status string `hcl:"status,optional"`
		Repair string `hcl:"repair,optional"`
	}
)

// Extend allows extending environment blocks with
// a global one. For example:
//
//	lint {
//	  format = <<EOS
//	    ...
//	  EOS
//	}
//
//	env "local" {
//	  ...
//	  lint {
//	    latest = 1
//	  }
//	}
//
//	env "ci" {
//	  ...
//	  lint {
//	    git {
//	      dir = "../"
//	      base = "master"
//	    }
//	  }
//	}
func (l *Lint) Extend(global *Lint) *Lint {
	if l == nil {
		return global
	}
	if global == nil {
		return l
	}
	if l.Format == "" {
		l.Format = global.Format
	}
	if isEmptyBody(l.Remain) {
		l.Remain = global.Remain
	}
	switch {
	// Changes detector was configured on the env.
	case l.Git != nil || l.Latest != 0:
	// Inherit global git detection.
	case global.Git != nil:
		l.Git = global.Git
	// Inherit latest files configuration.
	case global.Latest != 0:
		l.Latest = global.Latest
	}
	return l
}

// isEmptyBody reports if the body holds no attributes or blocks.
func isEmptyBody(b hcl.Body) bool {
	if b == nil {
		return true
	}
	attrs, diags := b.JustAttributes()
	if diags.HasErrors() {
		// Blocks are not allowed by JustAttributes.
		return false
	}
	return len(attrs) == 0
}

// formatFor returns the configured output format of the given command.
func (e *Env) formatFor(cmd *cobra.Command) string {
	if e.Format == nil || !cmd.HasParent() {
		return ""
	}
	switch m, i := e.Format.Migrate, e.Format.Index; cmd.Parent().Name() + " " + cmd.Name() {
	case "migrate apply":
		if m != nil {
			return m.Apply
		}
	case "migrate lint":
		if m != nil {
			return m.Lint
		}
	case "migrate status":
		if m != nil {
			return m.Status
		}
	case "migrate sql":
		if m != nil {
			return m.SQL
		}
	case "index create":
		if i != nil {
			return i.Create
		}
	case "index status":
		if i != nil {
			return i.Status
		}
	case "index repair":
		if i != nil {
			return i.Repair
		}
	}
	return ""
}

// LoadEnv reads the project file, and loads the
// environment instance with the provided name.
func LoadEnv(name string, opts ...LoadOption) (*Env, error) {
	cfg := &loadConfig{}
	for _, f := range opts {
		f(cfg)
	}
	path, err := projectPath(GlobalFlags.ConfigURL)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("project file %q was not found: %w", path, err)
		}
		return nil, err
	}
	project, err := parseConfig(path, name, cfg.inputValues)
	if err != nil {
		return nil, err
	}
	var selected *Env
	for _, e := range project.Envs {
		if e.Name == "" {
			return nil, fmt.Errorf("all envs must have names on file %q", path)
		}
		if e.Name != name {
			continue
		}
		if selected != nil {
			return nil, fmt.Errorf("env %q is defined more than once in project file", name)
		}
		e.Lint = e.Lint.Extend(project.Lint)
		selected = e
	}
	if selected == nil {
		return nil, fmt.Errorf("env %q not defined in project file", name)
	}
	return selected, nil
}

// projectPath returns the local path of the project file URL.
func projectPath(s string) (string, error) {
	if s == "" {
		s = projectFileName
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported project file driver %q", u.Scheme)
	}
	return homedir.Expand(filepath.Join(u.Host, u.Path))
}

func parseConfig(path, env string, values map[string]cty.Value) (*Project, error) {
	f, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, diags
	}
	vars, err := inputVars(f.Body, values)
	if err != nil {
		return nil, err
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(vars),
			"idxctl": cty.ObjectVal(map[string]cty.Value{
				"env": cty.StringVal(env),
			}),
		},
		Functions: map[string]function.Function{
			"getenv": getenvFunc,
		},
	}
	p := &Project{}
	if diags := gohcl.DecodeBody(f.Body, ctx, p); diags.HasErrors() {
		return nil, diags
	}
	return p, nil
}

// inputVars evaluates the variable blocks of the project file. Input values
// override the defaults, and are converted to the declared variable type.
func inputVars(body hcl.Body, values map[string]cty.Value) (map[string]cty.Value, error) {
	content, _, diags := body.PartialContent(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{{Type: "variable", LabelNames: []string{"name"}}},
	})
	if diags.HasErrors() {
		return nil, diags
	}
	vars := make(map[string]cty.Value, len(content.Blocks))
	for _, b := range content.Blocks {
		attrs, diags := b.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, diags
		}
		name, typ := b.Labels[0], cty.DynamicPseudoType
		if t, ok := attrs["type"]; ok {
			if typ, diags = typeexpr.TypeConstraint(t.Expr); diags.HasErrors() {
				return nil, diags
			}
		}
		v, ok := values[name]
		switch d, hasDef := attrs["default"]; {
		case ok:
		case hasDef:
			if v, diags = d.Expr.Value(nil); diags.HasErrors() {
				return nil, diags
			}
		default:
			return nil, fmt.Errorf("missing value for required variable %q", name)
		}
		cv, err := convert.Convert(v, typ)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		vars[name] = cv
	}
	return vars, nil
}

// getenvFunc returns the value of the environment variable, or an empty string.
var getenvFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "key", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

// selectEnv returns the environment with the given name from the project
// file, or an empty environment if no name was given.
func selectEnv(name string) (*Env, error) {
	if name == "" {
		return &Env{}, nil
	}
	return LoadEnv(name, WithInput(GlobalFlags.Vars))
}

// inputValsFromEnv populates GlobalFlags.Vars from the "vars" attribute of the
// active environment. Values given on the command line take precedence.
func inputValsFromEnv(cmd *cobra.Command, env *Env) error {
	if fl := cmd.Flag(flagVar); fl == nil || len(env.Vars) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(env.Vars))
	for k, v := range env.Vars {
		if _, ok := GlobalFlags.Vars[k]; ok {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Strings(pairs)
	return cmd.Flags().Set(flagVar, strings.Join(pairs, ","))
}
