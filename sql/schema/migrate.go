// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

import (
	"context"
	"time"
)

type (
	// A Change represents a schema change. The types below implement this
	// interface and can be used for describing schema changes.
	Change interface {
		change()
	}

	// AddIndex describes an index creation change.
	AddIndex struct {
		I     *Index
		Extra []Clause // Extra clauses and options.
	}

	// DropIndex describes an index removal change.
	DropIndex struct {
		I     *Index
		Extra []Clause // Extra clauses and options.
	}

	// Changes is a list of changes allow for searching and mutating changes.
	Changes []Change
)

// IndexAddIndex returns the index of the first AddIndex change
// that creates the index with the given name, or -1.
func (c Changes) IndexAddIndex(name string) int {
	for i := range c {
		if add, ok := c[i].(*AddIndex); ok && add.I.Name == name {
			return i
		}
	}
	return -1
}

// IndexDropIndex returns the index of the first DropIndex change
// that drops the index with the given name, or -1.
func (c Changes) IndexDropIndex(name string) int {
	for i := range c {
		if drop, ok := c[i].(*DropIndex); ok && drop.I.Name == name {
			return i
		}
	}
	return -1
}

// HasClause reports if the given clauses contain one with the same type as T.
func HasClause[T Clause](clauses []Clause) bool {
	for i := range clauses {
		if _, ok := clauses[i].(T); ok {
			return true
		}
	}
	return false
}

type (
	// Execer wraps the method for executing schema changes.
	Execer interface {
		// Exec executes the given changeset.
		Exec(context.Context, []Change) error
	}

	// UnlockFunc is returned by the Locker to explicitly
	// release the named "advisory lock".
	UnlockFunc func() error

	// Locker is an interface that is optionally implemented by the different drivers
	// for obtaining an "advisory lock" with the given name.
	Locker interface {
		// Lock acquires a named "advisory lock", using the given timeout. Negative value means no timeout,
		// and the zero value means a "try lock" mode. i.e. return immediately if the lock is already taken.
		// The returned unlock function is used to release the advisory lock acquired by the session.
		//
		// An ErrLocked is returned if the operation failed to obtain the lock in all different timeout modes.
		Lock(ctx context.Context, name string, timeout time.Duration) (UnlockFunc, error)
	}
)

func (*AddIndex) change()  {}
func (*DropIndex) change() {}
