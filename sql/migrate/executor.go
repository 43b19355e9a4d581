// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Executor is responsible to manage and execute a set of migration files against a database.
	Executor struct {
		drv      Driver             // The Driver to access and manage the database.
		dir      Dir                // The Dir with migration files to use.
		rrw      RevisionReadWriter // The RevisionReadWriter to read and write database revisions to.
		log      Logger             // The Logger to use.
		operator string             // The version of the operator executing the migrations.
	}

	// ExecutorOption allows configuring an Executor using functional arguments.
	ExecutorOption func(*Executor) error
)

// NewExecutor creates a new Executor with default values.
func NewExecutor(drv Driver, dir Dir, rrw RevisionReadWriter, opts ...ExecutorOption) (*Executor, error) {
	if drv == nil {
		return nil, errors.New("sql/migrate: execute: no driver given")
	}
	if dir == nil {
		return nil, errors.New("sql/migrate: execute: no dir given")
	}
	if rrw == nil {
		return nil, errors.New("sql/migrate: execute: no revision storage given")
	}
	ex := &Executor{drv: drv, dir: dir, rrw: rrw}
	for _, opt := range opts {
		if err := opt(ex); err != nil {
			return nil, err
		}
	}
	if ex.log == nil {
		ex.log = NopLogger{}
	}
	return ex, nil
}

// WithLogger sets the Logger of an Executor.
func WithLogger(log Logger) ExecutorOption {
	return func(ex *Executor) error {
		ex.log = log
		return nil
	}
}

// WithOperatorVersion sets the operator version to save on the revisions
// when executing migration files.
func WithOperatorVersion(v string) ExecutorOption {
	return func(ex *Executor) error {
		ex.operator = v
		return nil
	}
}

// Pending returns all pending (not fully applied) migration files in the migration directory.
func (e *Executor) Pending(ctx context.Context) ([]File, error) {
	files, err := e.dir.Files()
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: execute: select migration files: %w", err)
	}
	revs, err := e.rrw.ReadRevisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: execute: read revisions: %w", err)
	}
	done := make(map[string]bool, len(revs))
	for _, r := range revs {
		done[r.Version] = r.Done()
	}
	var pending []File
	for _, f := range files {
		if !done[f.Version()] {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNoPendingFiles
	}
	return pending, nil
}

// Execute executes the given migration file on the database. If it sees a file, that has been partially applied, it
// will continue with the next statement in line.
func (e *Executor) Execute(ctx context.Context, m File) error {
	stmts, err := m.Stmts()
	if err != nil {
		return fmt.Errorf("sql/migrate: execute: scanning statements from %q: %w", m.Name(), err)
	}
	mode, err := FileTxMode(m)
	if err != nil {
		return fmt.Errorf("sql/migrate: execute: %w", err)
	}
	r, err := e.rrw.ReadRevision(ctx, m.Version())
	if err != nil && !errors.Is(err, ErrRevisionNotExist) {
		return fmt.Errorf("sql/migrate: execute: read revision: %w", err)
	}
	if errors.Is(err, ErrRevisionNotExist) {
		r = &Revision{Version: m.Version(), Description: m.Desc()}
	}
	// Continue from the last applied statement of a partially
	// applied file, and reset the error of the previous attempt.
	skip := r.Applied
	if skip > len(stmts) {
		return fmt.Errorf("sql/migrate: execute: revision %q applied %d statements but file %q has %d", r.Version, skip, m.Name(), len(stmts))
	}
	r.Total, r.Error, r.ErrorStmt = len(stmts), "", ""
	r.ExecutedAt, r.OperatorVersion = time.Now(), e.operator
	e.log.Log(LogFile{File: m, Version: m.Version(), Desc: m.Desc(), Skip: skip, Mode: mode})
	for _, stmt := range stmts[skip:] {
		e.log.Log(LogStmt{SQL: stmt})
		if _, err := e.drv.ExecContext(ctx, stmt); err != nil {
			e.log.Log(LogError{SQL: stmt, Error: err})
			r.Error, r.ErrorStmt = err.Error(), stmt
			r.ExecutionTime = time.Since(r.ExecutedAt)
			if err2 := e.rrw.WriteRevision(ctx, r); err2 != nil {
				err = fmt.Errorf("%w: %v", err, err2)
			}
			return fmt.Errorf("sql/migrate: execute: executing statement %q from version %q: %w", stmt, r.Version, err)
		}
		r.Applied++
	}
	r.ExecutionTime = time.Since(r.ExecutedAt)
	if err := e.rrw.WriteRevision(ctx, r); err != nil {
		return fmt.Errorf("sql/migrate: execute: write revision: %w", err)
	}
	return nil
}

// FileMode returns the transaction mode the given file is executed with
// when running in the given global mode. A file directive overrides the
// global "file" mode and is rejected in the "all" mode.
func FileMode(f File, global TxMode) (TxMode, error) {
	mode, err := FileTxMode(f)
	if err != nil {
		return "", &TxModeError{File: f.Name(), Mode: global, Reason: err.Error()}
	}
	switch {
	case mode == "":
		return global, nil
	case global == TxModeAll:
		return "", &TxModeError{
			File:   f.Name(),
			Mode:   global,
			Reason: fmt.Sprintf("cannot set txmode directive to %q in %q when txmode %q is set globally", mode, f.Name(), TxModeAll),
		}
	default:
		return mode, nil
	}
}

// ValidateTxMode checks that all given files can be executed in the given
// global transaction mode. Files with statements that cannot run inside a
// transaction block, as reported by the driver, must be executed without
// one. The check runs before anything is executed, and none of the files are
// executed if it fails.
func ValidateTxMode(drv Driver, files []File, global TxMode) error {
	chk, ok := drv.(TxChecker)
	for _, f := range files {
		mode, err := FileMode(f, global)
		if err != nil {
			return err
		}
		if mode == TxModeNone || !ok {
			continue
		}
		stmts, err := f.Stmts()
		if err != nil {
			return fmt.Errorf("sql/migrate: scanning statements from %q: %w", f.Name(), err)
		}
		for _, s := range stmts {
			if !chk.NoTx(s) {
				continue
			}
			reason := fmt.Sprintf("statement %q in %q cannot run inside a transaction block", s, f.Name())
			if global == TxModeAll {
				reason += fmt.Sprintf(` and txmode %q is set globally`, TxModeAll)
			} else {
				reason += `: add the "-- idxctl:txmode none" directive to the file header`
			}
			return &TxModeError{File: f.Name(), Mode: mode, Stmt: s, Reason: reason}
		}
	}
	return nil
}

// LatestVersion returns the version of the last file in the slice, or the empty string.
func LatestVersion(files []File) string {
	if len(files) == 0 {
		return ""
	}
	return files[len(files)-1].Version()
}

// LogIntro gathers some meta information from the migration files and stored
// revisions to log some general information prior to actual execution.
func LogIntro(l Logger, revs []*Revision, files []File, mode TxMode) {
	var from string
	for _, r := range revs {
		if r.Done() && r.Version > from {
			from = r.Version
		}
	}
	l.Log(LogExecution{From: from, To: LatestVersion(files), Files: files, Mode: mode})
}
