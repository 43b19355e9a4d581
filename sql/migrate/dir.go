// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type (
	// Dir wraps the functionality used to interact with a migration directory.
	Dir interface {
		fs.FS
		// WriteFile writes the data to the named file.
		WriteFile(string, []byte) error

		// Files returns a set of files stored in this Dir to be executed on a database.
		Files() ([]File, error)
	}

	// File represents a single migration file.
	File interface {
		// Name returns the name of the migration file.
		Name() string
		// Desc returns the description of the migration File.
		Desc() string
		// Version returns the version of the migration File.
		Version() string
		// Bytes returns the read content of the file.
		Bytes() []byte
		// Stmts returns the set of SQL statements this file holds.
		Stmts() ([]string, error)
		// StmtDecls returns the set of SQL statements this file holds alongside its preceding comments.
		StmtDecls() ([]*Stmt, error)
		// Directive returns the file-level directives with the given name.
		Directive(string) []string
	}
)

// LocalDir implements Dir for a local migration
// directory with default idxctl formatting.
type LocalDir struct {
	path string
}

var _ Dir = (*LocalDir)(nil)

// NewLocalDir returns a new the Dir used by a Planner to work on the given local path.
func NewLocalDir(path string) (*LocalDir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("sql/migrate: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("sql/migrate: %q is not a dir", path)
	}
	return &LocalDir{path: path}, nil
}

// Path returns the local path used for opening this dir.
func (d *LocalDir) Path() string {
	return d.path
}

// Open implements fs.FS.
func (d *LocalDir) Open(name string) (fs.File, error) {
	return os.Open(filepath.Join(d.path, name))
}

// WriteFile implements Dir.WriteFile.
func (d *LocalDir) WriteFile(name string, b []byte) error {
	return os.WriteFile(filepath.Join(d.path, name), b, 0644)
}

// Files implements Dir.Files. It looks for all files with .sql suffix and orders them by filename.
func (d *LocalDir) Files() ([]File, error) {
	names, err := fs.Glob(d, "*.sql")
	if err != nil {
		return nil, err
	}
	// Sort files lexicographically.
	sort.Slice(names, func(i, j int) bool {
		return names[i] < names[j]
	})
	ret := make([]File, len(names))
	for i, n := range names {
		b, err := fs.ReadFile(d, n)
		if err != nil {
			return nil, fmt.Errorf("sql/migrate: read file %q: %w", n, err)
		}
		ret[i] = NewLocalFile(n, b)
	}
	return ret, nil
}

// FileByVersion returns the first file in the directory with the given version.
func FileByVersion(dir Dir, version string) (File, error) {
	files, err := dir.Files()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Version() == version {
			return f, nil
		}
	}
	return nil, fmt.Errorf("sql/migrate: file with version %q: %w", version, fs.ErrNotExist)
}

// LocalFile is used by LocalDir to implement the Scanner interface.
type LocalFile struct {
	n string
	b []byte
}

var _ File = (*LocalFile)(nil)

// NewLocalFile returns a new local file.
func NewLocalFile(name string, data []byte) *LocalFile {
	return &LocalFile{n: name, b: data}
}

// Name implements File.Name.
func (f *LocalFile) Name() string {
	return f.n
}

// Desc implements File.Desc.
func (f *LocalFile) Desc() string {
	parts := strings.SplitN(strings.TrimSuffix(f.n, ".sql"), "_", 2)
	if len(parts) == 1 {
		return ""
	}
	return parts[1]
}

// Version implements File.Version.
func (f *LocalFile) Version() string {
	return strings.SplitN(strings.TrimSuffix(f.n, ".sql"), "_", 2)[0]
}

// Bytes returns local file data.
func (f *LocalFile) Bytes() []byte {
	return f.b
}

// Stmts returns the SQL statement exists in the local file.
func (f *LocalFile) Stmts() ([]string, error) {
	s, err := stmts(string(f.b))
	if err != nil {
		return nil, err
	}
	stmts := make([]string, len(s))
	for i := range s {
		stmts[i] = s[i].Text
	}
	return stmts, nil
}

// StmtDecls returns the all statement declarations exist in the local file.
func (f *LocalFile) StmtDecls() ([]*Stmt, error) {
	return stmts(string(f.b))
}

// Directive returns the (global) file directives that match the provided name.
// File directives are located at the top of the file and should not be associated
// with any statement. Hence, double new lines are used to separate file directives
// from its content.
func (f *LocalFile) Directive(name string) (ds []string) {
	for _, c := range fileHeader(string(f.b)) {
		if d, ok := Directive(c, directivePrefixSQL, name); ok {
			ds = append(ds, strings.TrimSpace(d))
		}
	}
	return ds
}

// fileHeader returns the comment lines at the top of the file, if
// they are followed by an empty line (or the end of the file).
func fileHeader(content string) []string {
	var lines []string
	for strings.HasPrefix(content, "--") {
		i := strings.IndexByte(content, '\n')
		if i == -1 {
			return append(lines, content)
		}
		lines = append(lines, strings.TrimSuffix(content[:i], "\r"))
		content = content[i+1:]
	}
	if content != "" && !strings.HasPrefix(strings.TrimPrefix(content, "\r"), "\n") {
		return nil
	}
	return lines
}

// FileTxMode returns the transaction mode set by the file directive, or
// the empty string if no directive is set.
func FileTxMode(f File) (TxMode, error) {
	ds := f.Directive(directiveTxMode)
	switch len(ds) {
	case 0:
		return "", nil
	case 1:
		switch m := TxMode(ds[0]); m {
		case TxModeNone, TxModeFile:
			return m, nil
		default:
			return "", fmt.Errorf("unknown txmode %q found in file directive %q", ds[0], f.Name())
		}
	default:
		return "", fmt.Errorf("multiple txmode values found in file %q: %q", f.Name(), ds)
	}
}

// ErrNoPendingFiles is returned if there are no pending migration files to execute on the managed database.
var ErrNoPendingFiles = errors.New("sql/migrate: no pending migration files")
