// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/idxctl/idxctl/sql/internal/sqlx"
	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
)

type (
	// An Issuer issues index builds that do not block concurrent reads and
	// writes on the target table (CREATE INDEX CONCURRENTLY), and verifies
	// their outcome. A failed or interrupted build is reported with an
	// InvalidIndexError and is never retried or dropped implicitly.
	Issuer struct {
		drv  *Driver
		opts IssueOptions
	}

	// IssueOptions configures the issued statements.
	IssueOptions struct {
		// IfNotExists skips the build if a valid index
		// with the same name exists on the table.
		IfNotExists bool
		// Method is the index access method (USING clause).
		Method string
		// Include holds the non-key columns of the index.
		Include []string
		// Where holds the predicate of a partial index.
		Where string
		// LockTimeout and StatementTimeout are set on the
		// session that runs the build, if greater than zero.
		LockTimeout, StatementTimeout time.Duration
		// Force allows dropping indexes that are reported as being built.
		Force bool
	}

	// IssueOption configures an Issuer.
	IssueOption func(*IssueOptions)
)

// NewIssuer returns a new Issuer for the given driver.
func NewIssuer(drv *Driver, opts ...IssueOption) *Issuer {
	i := &Issuer{drv: drv}
	for _, o := range opts {
		o(&i.opts)
	}
	return i
}

// WithIfNotExists configures the Issuer to skip builds of existing valid indexes.
func WithIfNotExists() IssueOption {
	return func(o *IssueOptions) {
		o.IfNotExists = true
	}
}

// WithMethod configures the index access method. e.g. "gin".
func WithMethod(m string) IssueOption {
	return func(o *IssueOptions) {
		o.Method = m
	}
}

// WithInclude configures the non-key columns of the index.
func WithInclude(columns ...string) IssueOption {
	return func(o *IssueOptions) {
		o.Include = append(o.Include, columns...)
	}
}

// WithWhere configures the predicate of a partial index.
func WithWhere(p string) IssueOption {
	return func(o *IssueOptions) {
		o.Where = p
	}
}

// WithLockTimeout configures the lock_timeout of the build session.
func WithLockTimeout(d time.Duration) IssueOption {
	return func(o *IssueOptions) {
		o.LockTimeout = d
	}
}

// WithStatementTimeout configures the statement_timeout of the build session.
func WithStatementTimeout(d time.Duration) IssueOption {
	return func(o *IssueOptions) {
		o.StatementTimeout = d
	}
}

// WithForce configures the Issuer to drop invalid indexes even if they are
// reported as being built. e.g. a failed build on servers without build
// progress reporting.
func WithForce() IssueOption {
	return func(o *IssueOptions) {
		o.Force = true
	}
}

// Change returns the schema change that builds the given index concurrently.
func (i *Issuer) Change(idx *schema.Index) *schema.AddIndex {
	c := *idx
	c.Attrs = append([]schema.Attr(nil), idx.Attrs...)
	if i.opts.Method != "" && !schema.Has[*IndexType](c.Attrs, nil) {
		c.Attrs = append(c.Attrs, &IndexType{T: i.opts.Method})
	}
	if len(i.opts.Include) > 0 && !schema.Has[*IndexInclude](c.Attrs, nil) {
		include := &IndexInclude{}
		for _, name := range i.opts.Include {
			include.Columns = append(include.Columns, schema.NewColumn(name))
		}
		c.Attrs = append(c.Attrs, include)
	}
	if i.opts.Where != "" && !schema.Has[*IndexPredicate](c.Attrs, nil) {
		c.Attrs = append(c.Attrs, &IndexPredicate{P: i.opts.Where})
	}
	add := &schema.AddIndex{I: &c, Extra: []schema.Clause{&Concurrently{}}}
	if i.opts.IfNotExists {
		add.Extra = append(add.Extra, &IfNotExists{})
	}
	return add
}

// Statement returns the statement that builds the given index concurrently.
// For example:
//
//	CREATE INDEX CONCURRENTLY "name_idx" ON product("name");
func (i *Issuer) Statement(ctx context.Context, idx *schema.Index, opts ...migrate.PlanOption) (string, error) {
	plan, err := i.drv.PlanChanges(ctx, "create_index", []schema.Change{i.Change(idx)}, opts...)
	if err != nil {
		return "", err
	}
	return plan.Changes[0].Cmd + ";", nil
}

// Create builds the given index concurrently and returns its state. The build
// is rejected before any statement is executed if the driver is bound to a
// transaction, if the table or the columns do not exist, or if the index name
// is taken. A build that failed after it started, and left an invalid index
// behind, is reported with an InvalidIndexError. The invalid index must be
// dropped (see Repair) before the build is retried.
func (i *Issuer) Create(ctx context.Context, idx *schema.Index) (*IndexState, error) {
	if idx.Table == nil {
		return nil, fmt.Errorf("%w: index %q has no table", schema.ErrInvalidIndex, idx.Name)
	}
	plan, err := i.drv.PlanChanges(ctx, "create_index", []schema.Change{i.Change(idx)})
	if err != nil {
		return nil, err
	}
	stmt := plan.Changes[0].Cmd
	if i.drv.tx {
		return nil, &TxWrappedError{Stmt: stmt}
	}
	ns := tableSchema(idx.Table)
	if err := i.checkTable(ctx, ns, idx); err != nil {
		return nil, err
	}
	switch s, err := i.checkName(ctx, ns, idx); {
	case err != nil:
		return nil, err
	case s != nil:
		return s, nil
	}
	return i.build(ctx, stmt, ns, idx.Name)
}

// DropInvalid drops the invalid index with the given name concurrently.
// Valid indexes are never dropped, and indexes that are still being built
// are dropped only if the Issuer was configured with WithForce.
func (i *Issuer) DropInvalid(ctx context.Context, schemaName, name string) error {
	s, err := i.drv.InspectIndex(ctx, schemaName, name)
	if err != nil {
		return err
	}
	switch s.Status() {
	case StatusValid:
		return fmt.Errorf("postgres: refusing to drop index %q: %w", name, ErrValidIndex)
	case StatusBuilding:
		if i.opts.Force {
			break
		}
		return fmt.Errorf("postgres: refusing to drop index %q: a build is in progress", name)
	}
	plan, err := i.drv.PlanChanges(ctx, "drop_index", []schema.Change{
		&schema.DropIndex{I: schema.NewIndex(name), Extra: []schema.Clause{&Concurrently{}}},
	}, migrate.PlanWithSchemaQualifier(s.Schema))
	if err != nil {
		return err
	}
	stmt := plan.Changes[0].Cmd
	if i.drv.tx {
		return &TxWrappedError{Stmt: stmt}
	}
	if _, err := i.drv.ExecContext(ctx, stmt); err != nil {
		if cerr := classify(stmt, s.Schema, name, err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("postgres: drop index %q: %w", name, err)
	}
	return nil
}

// Repair drops the invalid index that was left by a failed build of
// the given index, and builds it again.
func (i *Issuer) Repair(ctx context.Context, idx *schema.Index) (*IndexState, error) {
	if idx.Table == nil {
		return nil, fmt.Errorf("%w: index %q has no table", schema.ErrInvalidIndex, idx.Name)
	}
	if err := i.DropInvalid(ctx, tableSchema(idx.Table), idx.Name); err != nil {
		return nil, err
	}
	return i.Create(ctx, idx)
}

// reCreateIndex matches the prefix of index definitions returned by pg_get_indexdef.
var reCreateIndex = regexp.MustCompile(`^CREATE (UNIQUE )?INDEX `)

// CreateStmt returns the statement that builds the index concurrently
// from its catalog definition.
func (s *IndexState) CreateStmt() (string, error) {
	if !reCreateIndex.MatchString(s.Def) {
		return "", fmt.Errorf("postgres: unexpected definition for index %q: %q", s.Name, s.Def)
	}
	return reCreateIndex.ReplaceAllString(s.Def, "CREATE ${1}INDEX CONCURRENTLY "), nil
}

// DropStmt returns the statement that drops the index concurrently.
func (s *IndexState) DropStmt() string {
	b := Build("DROP INDEX CONCURRENTLY")
	if s.Schema != "" {
		b.Ident(s.Schema)
		b.WriteByte('.')
	}
	return b.Ident(s.Name).String()
}

// Rebuild drops the invalid index with the given name, and builds it
// again concurrently from its catalog definition.
func (i *Issuer) Rebuild(ctx context.Context, schemaName, name string) (*IndexState, error) {
	s, err := i.drv.InspectIndex(ctx, schemaName, name)
	if err != nil {
		return nil, err
	}
	stmt, err := s.CreateStmt()
	if err != nil {
		return nil, err
	}
	if err := i.DropInvalid(ctx, schemaName, name); err != nil {
		return nil, err
	}
	return i.build(ctx, stmt, s.Schema, name)
}

// Reindex rebuilds the given index concurrently, replacing the existing
// index only when the new one is valid. Requires PostgreSQL 12 or above.
func (i *Issuer) Reindex(ctx context.Context, schemaName, name string) (*IndexState, error) {
	if !i.drv.supports(reindexConcurrent) {
		return nil, fmt.Errorf("postgres: REINDEX CONCURRENTLY is not supported by version %s", i.drv.version)
	}
	b := Build("REINDEX INDEX CONCURRENTLY")
	if schemaName != "" {
		b.Ident(schemaName)
		b.WriteByte('.')
	}
	stmt := b.Ident(name).String()
	if i.drv.tx {
		return nil, &TxWrappedError{Stmt: stmt}
	}
	return i.build(ctx, stmt, schemaName, name)
}

// checkTable checks the table and the columns of the index exist.
func (i *Issuer) checkTable(ctx context.Context, ns string, idx *schema.Index) error {
	t, err := i.drv.InspectTable(ctx, ns, idx.Table.Name)
	if err != nil {
		return err
	}
	columns := idx.Columns()
	var include *IndexInclude
	if schema.Has(i.Change(idx).I.Attrs, &include) {
		for _, c := range include.Columns {
			columns = append(columns, c.Name)
		}
	}
	for _, c := range columns {
		if _, ok := t.Column(c); !ok {
			return &schema.NotExistError{Err: fmt.Errorf("postgres: column %q does not exist in table %q", c, t.Name)}
		}
	}
	return nil
}

// checkName checks the index name is not taken by another relation. A non-nil
// state is returned if a valid index exists and the IfNotExists option is set.
func (i *Issuer) checkName(ctx context.Context, ns string, idx *schema.Index) (*IndexState, error) {
	kind, err := i.drv.RelationKind(ctx, ns, idx.Name)
	switch {
	case err != nil:
		return nil, err
	case kind == "":
		return nil, nil
	case kind != relKinds["i"]:
		return nil, &NameConflictError{Schema: ns, Name: idx.Name, Kind: kind}
	}
	s, err := i.drv.InspectIndex(ctx, ns, idx.Name)
	if err != nil {
		return nil, err
	}
	switch s.Status() {
	case StatusInvalid:
		return nil, &InvalidIndexError{Index: s}
	case StatusValid:
		if i.opts.IfNotExists && s.Table == idx.Table.Name {
			return s, nil
		}
	}
	return nil, &NameConflictError{Schema: ns, Name: idx.Name, Kind: kind}
}

// build executes the given build statement and verifies the index is valid.
func (i *Issuer) build(ctx context.Context, stmt, ns, name string) (*IndexState, error) {
	if err := i.exec(ctx, stmt); err != nil {
		if cerr := classify(stmt, ns, name, err); cerr != nil {
			return nil, cerr
		}
		// The build may have been interrupted after the index was added
		// to the catalog. The context may be canceled at this stage.
		s, ierr := i.drv.InspectIndex(context.WithoutCancel(ctx), ns, name)
		if ierr == nil && !s.Valid {
			return nil, &InvalidIndexError{Index: s, Cause: err}
		}
		return nil, fmt.Errorf("postgres: create index %q: %w", name, err)
	}
	s, err := i.drv.InspectIndex(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	if !s.Valid {
		return nil, &InvalidIndexError{Index: s}
	}
	return s, nil
}

// exec executes the statement with the session timeouts, if configured.
func (i *Issuer) exec(ctx context.Context, stmt string) error {
	if i.opts.LockTimeout <= 0 && i.opts.StatementTimeout <= 0 {
		_, err := i.drv.ExecContext(ctx, stmt)
		return err
	}
	conn, err := sqlx.SingleConn(ctx, i.drv.ExecQuerier)
	if err != nil {
		return err
	}
	defer conn.Close()
	var reset []string
	for _, s := range []struct {
		name string
		d    time.Duration
	}{
		{name: "lock_timeout", d: i.opts.LockTimeout},
		{name: "statement_timeout", d: i.opts.StatementTimeout},
	} {
		if s.d <= 0 {
			continue
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET %s = %d", s.name, s.d.Milliseconds())); err != nil {
			return fmt.Errorf("postgres: setting %s: %w", s.name, err)
		}
		reset = append(reset, s.name)
	}
	_, err = conn.ExecContext(ctx, stmt)
	for _, name := range reset {
		if _, rerr := conn.ExecContext(context.WithoutCancel(ctx), "RESET "+name); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// tableSchema returns the schema name of the table, or an
// empty string if it is not set (i.e. the current schema).
func tableSchema(t *schema.Table) string {
	if t.Schema != nil {
		return t.Schema.Name
	}
	return ""
}
