// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package migratespec reads migration descriptors. A descriptor names a
// migration, its dependencies, whether it runs atomically (inside a
// transaction) and the index operations it applies. For example:
//
//	migration "0002_product_name_idx" {
//	  atomic     = false
//	  depends_on = ["0001_initial"]
//
//	  add_index_concurrently {
//	    model  = "Product"
//	    fields = ["name"]
//	    name   = "name_idx"
//	  }
//	}
package migratespec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

type (
	// Migration describes a migration descriptor.
	Migration struct {
		// Name of the migration. A numeric prefix (e.g. 0002_) is
		// used as the version of the generated migration file.
		Name string `yaml:"name"`
		// Atomic reports if the migration runs inside a transaction.
		// Defaults to true.
		Atomic *bool `yaml:"atomic"`
		// DependsOn lists the migrations this migration depends on.
		DependsOn []string `yaml:"depends_on"`
		// AppLabel prefixes the table names derived from models.
		AppLabel string `yaml:"app_label"`
		// Naming is the strategy of deriving table names from models.
		Naming string `yaml:"naming"`
		// Schema qualifies the tables, if set.
		Schema string `yaml:"schema"`
		// Operations of the migration, in order.
		Operations []*Operation `yaml:"operations"`
	}

	// Operation describes an index operation.
	Operation struct {
		// Kind of the operation. e.g. add_index_concurrently.
		Kind string `yaml:"-"`
		// Model is the name of the model the table is derived from.
		Model string `hcl:"model,optional" yaml:"model"`
		// Table overrides the table name derived from the model.
		Table string `hcl:"table,optional" yaml:"table"`
		// Fields are the indexed columns, in order.
		Fields []string `hcl:"fields,optional" yaml:"fields"`
		// Name of the index.
		Name        string   `hcl:"name" yaml:"name"`
		Unique      bool     `hcl:"unique,optional" yaml:"unique"`
		Method      string   `hcl:"method,optional" yaml:"method"`
		Include     []string `hcl:"include,optional" yaml:"include"`
		Where       string   `hcl:"where,optional" yaml:"where"`
		IfNotExists bool     `hcl:"if_not_exists,optional" yaml:"if_not_exists"`
		IfExists    bool     `hcl:"if_exists,optional" yaml:"if_exists"`
	}
)

// List of operation kinds.
const (
	OpAddIndex                = "add_index"
	OpAddIndexConcurrently    = "add_index_concurrently"
	OpRemoveIndex             = "remove_index"
	OpRemoveIndexConcurrently = "remove_index_concurrently"
)

// IsAtomic reports if the migration runs inside a transaction.
func (m *Migration) IsAtomic() bool {
	return m.Atomic == nil || *m.Atomic
}

// Concurrent reports if the operation does not block concurrent
// reads and writes, and therefore cannot run in a transaction.
func (o *Operation) Concurrent() bool {
	return o.Kind == OpAddIndexConcurrently || o.Kind == OpRemoveIndexConcurrently
}

// ParseFile reads the migration descriptors from the given path. Files
// with the .yaml or .yml extension are read as YAML, and all others as HCL.
func ParseFile(path string, vars map[string]cty.Value) ([]*Migration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("migratespec: %w", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParseYAML(b)
	default:
		return ParseHCL(b, path, vars)
	}
}

// migrationHCL is the HCL representation of the migration block attributes.
type migrationHCL struct {
	Atomic    *bool    `hcl:"atomic,optional"`
	DependsOn []string `hcl:"depends_on,optional"`
	AppLabel  string   `hcl:"app_label,optional"`
	Naming    string   `hcl:"naming,optional"`
	Schema    string   `hcl:"schema,optional"`
	Remain    hcl.Body `hcl:",remain"`
}

// ParseHCL reads the migration blocks from the given HCL document. Input
// variables are available in expressions under the "var" namespace.
func ParseHCL(b []byte, filename string, vars map[string]cty.Value) ([]*Migration, error) {
	f, diags := hclparse.NewParser().ParseHCL(b, filename)
	if diags.HasErrors() {
		return nil, diags
	}
	body, ok := f.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("migratespec: unexpected body type %T", f.Body)
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.EmptyObjectVal},
	}
	if len(vars) > 0 {
		ctx.Variables["var"] = cty.ObjectVal(vars)
	}
	var ms []*Migration
	for _, blk := range body.Blocks {
		if blk.Type != "migration" {
			return nil, fmt.Errorf("migratespec: %s: unexpected block %q", blk.DefRange(), blk.Type)
		}
		if len(blk.Labels) != 1 {
			return nil, fmt.Errorf("migratespec: %s: migration block expects exactly one label", blk.DefRange())
		}
		var mh migrationHCL
		if diags := gohcl.DecodeBody(blk.Body, ctx, &mh); diags.HasErrors() {
			return nil, diags
		}
		m := &Migration{
			Name:      blk.Labels[0],
			Atomic:    mh.Atomic,
			DependsOn: mh.DependsOn,
			AppLabel:  mh.AppLabel,
			Naming:    mh.Naming,
			Schema:    mh.Schema,
		}
		// Blocks are read in their source order.
		for _, ob := range blk.Body.Blocks {
			if !validKind(ob.Type) {
				return nil, fmt.Errorf("migratespec: %s: unknown operation %q", ob.DefRange(), ob.Type)
			}
			op := &Operation{Kind: ob.Type}
			if diags := gohcl.DecodeBody(ob.Body, ctx, op); diags.HasErrors() {
				return nil, diags
			}
			m.Operations = append(m.Operations, op)
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// ParseYAML reads the migration documents from the given YAML stream.
// Each operation is a mapping with a single key, its kind. For example:
//
//	name: 0002_product_name_idx
//	atomic: false
//	operations:
//	  - add_index_concurrently:
//	      model: Product
//	      fields: [name]
//	      name: name_idx
func ParseYAML(b []byte) ([]*Migration, error) {
	var (
		ms  []*Migration
		dec = yaml.NewDecoder(bytes.NewReader(b))
	)
	for {
		var m Migration
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return ms, nil
		}
		if err != nil {
			return nil, fmt.Errorf("migratespec: decoding yaml: %w", err)
		}
		ms = append(ms, &m)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Operation) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return fmt.Errorf("line %d: operation must be a mapping with a single key", n.Line)
	}
	kind := n.Content[0].Value
	if !validKind(kind) {
		return fmt.Errorf("line %d: unknown operation %q", n.Line, kind)
	}
	type op Operation
	var v op
	if err := n.Content[1].Decode(&v); err != nil {
		return err
	}
	*o = Operation(v)
	o.Kind = kind
	return nil
}

func validKind(k string) bool {
	switch k {
	case OpAddIndex, OpAddIndexConcurrently, OpRemoveIndex, OpRemoveIndexConcurrently:
		return true
	}
	return false
}
