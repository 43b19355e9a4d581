// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package cmdlog holds the reports of the idxctl commands and the
// templates they are rendered with.
package cmdlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/postgres"
	"github.com/idxctl/idxctl/sql/sqlclient"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

var (
	// ColorTemplateFuncs are globally available functions to color strings in a report template.
	ColorTemplateFuncs = template.FuncMap{
		"cyan":         color.CyanString,
		"green":        color.HiGreenString,
		"red":          color.HiRedString,
		"redBgWhiteFg": color.New(color.FgHiWhite, color.BgHiRed).SprintFunc(),
		"yellow":       color.YellowString,
	}
)

// WithColorFuncs extends the given template.FuncMap with the color functions.
func WithColorFuncs(f template.FuncMap) template.FuncMap {
	for k, v := range ColorTemplateFuncs {
		f[k] = v
	}
	return f
}

type (
	// Env holds the environment information.
	Env struct {
		Driver string         `json:"Driver,omitempty"` // Driver name.
		URL    *sqlclient.URL `json:"URL,omitempty"`    // URL to the database.
		Dir    string         `json:"Dir,omitempty"`    // Path to migration directory.
	}

	// Files is a slice of migrate.File. Implements json.Marshaler.
	Files []migrate.File

	// File wraps migrate.File to implement json.Marshaler.
	File struct{ migrate.File }

	// StmtError groups a statement with its execution error.
	StmtError struct {
		Stmt string `json:"Stmt,omitempty"` // SQL statement that failed.
		Text string `json:"Text,omitempty"` // Error message as returned by the database.
	}
)

// MarshalJSON implements json.Marshaler.
func (f File) MarshalJSON() ([]byte, error) {
	type local struct {
		Name        string `json:"Name,omitempty"`
		Version     string `json:"Version,omitempty"`
		Description string `json:"Description,omitempty"`
	}
	return json.Marshal(local{f.Name(), f.Version(), f.Desc()})
}

// MarshalJSON implements json.Marshaler.
func (f Files) MarshalJSON() ([]byte, error) {
	files := make([]File, len(f))
	for i := range f {
		files[i] = File{f[i]}
	}
	return json.Marshal(files)
}

// NewEnv returns an initialized Env. Both arguments are optional.
func NewEnv(c *sqlclient.Client, dir migrate.Dir) Env {
	var e Env
	if c != nil {
		e.Driver, e.URL = c.Name, c.URL
	}
	if p, ok := dir.(interface{ Path() string }); ok {
		e.Dir = p.Path()
	}
	return e
}

var (
	// SQLTemplateFuncs are global functions available in 'migrate sql' templates.
	SQLTemplateFuncs = WithColorFuncs(template.FuncMap{
		"json": jsonEncode,
		"content": func(f migrate.File) string {
			return string(f.Bytes())
		},
	})

	// MigrateSQLTemplate holds the default template of the 'migrate sql' command. It prints
	// the migration files as they are written to the migration directory.
	MigrateSQLTemplate = template.Must(template.New("sql").
				Funcs(SQLTemplateFuncs).
				Parse(`{{- range $i, $f := .Files }}{{ if $i }}{{ println }}{{ end }}{{ content $f }}{{ end }}`))
)

// MigrateSQL contains the migration plans of the descriptors
// and the migration files they are formatted into.
type MigrateSQL struct {
	Plans []*migrate.Plan `json:"Plans,omitempty"`
	Files Files           `json:"Files,omitempty"`
}

// NewMigrateSQL formats the given plans using the formatter.
func NewMigrateSQL(f migrate.Formatter, plans ...*migrate.Plan) (*MigrateSQL, error) {
	r := &MigrateSQL{Plans: plans}
	for _, p := range plans {
		files, err := f.Format(p)
		if err != nil {
			return nil, err
		}
		r.Files = append(r.Files, files...)
	}
	return r, nil
}

var (
	// StatusTemplateFuncs are global functions available in status report templates.
	StatusTemplateFuncs = WithColorFuncs(template.FuncMap{
		"json":  jsonEncode,
		"table": table,
		"default": func(report *MigrateStatus) (string, error) {
			var buf bytes.Buffer
			t, err := template.New("report").Funcs(ColorTemplateFuncs).Parse(`Migration Status:
{{- if eq .Status "OK"      }} {{ green .Status }}{{ end }}
{{- if eq .Status "PENDING" }} {{ yellow .Status }}{{ end }}
  {{ yellow "--" }} Current Version: {{ cyan .Current }}
{{- if gt .Total 0 }}{{ printf " (%s statements applied)" (yellow "%d" .Count) }}{{ end }}
  {{ yellow "--" }} Next Version:    {{ cyan .Next }}
{{- if gt .Total 0 }}{{ printf " (%s statements left)" (yellow "%d" .Left) }}{{ end }}
  {{ yellow "--" }} Executed Files:  {{ len .Applied }}{{ if gt .Total 0 }} (last one partially){{ end }}
  {{ yellow "--" }} Pending Files:   {{ len .Pending }}
{{ if .Error }}
Last migration attempt had errors:
  {{ yellow "--" }} SQL:   {{ .SQL }}
  {{ yellow "--" }} {{ red "ERROR:" }} {{ .Error }}
{{ end }}`)
			if err != nil {
				return "", err
			}
			err = t.Execute(&buf, report)
			return buf.String(), err
		},
	})

	// MigrateStatusTemplate holds the default template of the 'migrate status' command.
	MigrateStatusTemplate = template.Must(template.New("report").Funcs(StatusTemplateFuncs).Parse("{{ default . }}"))
)

// List of migration statuses.
const (
	StatusOK      = "OK"
	StatusPending = "PENDING"
)

// MigrateStatus contains a summary of the migration status of a database.
type MigrateStatus struct {
	Env       `json:"Env"`
	Available Files               `json:"Available,omitempty"` // Available migration files
	Pending   Files               `json:"Pending,omitempty"`   // Pending migration files
	Applied   []*migrate.Revision `json:"Applied,omitempty"`   // Applied migration files
	Current   string              `json:"Current,omitempty"`   // Current migration version
	Next      string              `json:"Next,omitempty"`      // Next migration version
	Count     int                 `json:"Count,omitempty"`     // Count of applied statements of the last revision
	Total     int                 `json:"Total,omitempty"`     // Total statements of the last migration
	Status    string              `json:"Status,omitempty"`    // Status of migration (OK, PENDING)
	Error     string              `json:"Error,omitempty"`     // Last Error that occurred
	SQL       string              `json:"SQL,omitempty"`       // SQL that caused the last Error
}

// NewMigrateStatus returns a new MigrateStatus.
func NewMigrateStatus(c *sqlclient.Client, dir migrate.Dir) (*MigrateStatus, error) {
	files, err := dir.Files()
	if err != nil {
		return nil, err
	}
	return &MigrateStatus{
		Env:       NewEnv(c, dir),
		Available: files,
	}, nil
}

// Compute fills the status fields from the pending files and the revisions
// stored in the database.
func (r *MigrateStatus) Compute(pending []migrate.File, revs []*migrate.Revision) {
	r.Pending, r.Applied = pending, revs
	r.Count, r.Total, r.Error, r.SQL = 0, 0, "", ""
	r.Current, r.Next = "No migration applied yet", "Already at latest version"
	for _, rev := range revs {
		if rev.Done() {
			r.Current = rev.Version
		}
	}
	r.Status = StatusOK
	if len(pending) > 0 {
		r.Status = StatusPending
		r.Next = pending[0].Version()
	}
	// The last attempt failed or was interrupted.
	if len(revs) > 0 {
		if last := revs[len(revs)-1]; !last.Done() {
			r.Count, r.Total = last.Applied, last.Total
			r.Error, r.SQL = last.Error, last.ErrorStmt
		}
	}
}

// Left returns the amount of statements left to apply (if any).
func (r *MigrateStatus) Left() int { return r.Total - r.Count }

func table(report *MigrateStatus) (string, error) {
	var buf strings.Builder
	tbl := tablewriter.NewWriter(&buf)
	tbl.SetRowLine(true)
	tbl.SetAutoMergeCellsByColumnIndex([]int{0})
	tbl.SetHeader([]string{
		"Version",
		"Description",
		"Status",
		"Count",
		"Executed At",
		"Execution Time",
		"Error",
		"SQL",
	})
	for _, r := range report.Applied {
		status := "applied"
		if !r.Done() {
			status = "partially applied"
		}
		tbl.Append([]string{
			r.Version,
			r.Description,
			status,
			fmt.Sprintf("%d/%d", r.Applied, r.Total),
			r.ExecutedAt.Format("2006-01-02 15:04:05 MST"),
			r.ExecutionTime.String(),
			r.Error,
			r.ErrorStmt,
		})
	}
	for _, f := range report.Pending {
		if len(report.Applied) > 0 && report.Applied[len(report.Applied)-1].Version == f.Version() {
			continue
		}
		tbl.Append([]string{
			f.Version(),
			f.Desc(),
			"pending",
			"", "", "", "", "",
		})
	}
	tbl.Render()
	return buf.String(), nil
}

var (
	// ApplyTemplateFuncs are global functions available in apply report templates.
	ApplyTemplateFuncs = WithColorFuncs(template.FuncMap{
		"dec":   dec,
		"upper": strings.ToUpper,
		"json":  jsonEncode,
	})

	// MigrateApplyTemplate holds the default template of the 'migrate apply' command.
	MigrateApplyTemplate = template.Must(template.
				New("report").
				Funcs(ApplyTemplateFuncs).
				Parse(`{{- if not .Pending -}}
No migration files to execute
{{- else if .Check -}}
{{ redBgWhiteFg .Check }}
{{- else -}}
Migrating to version {{ cyan .Target }}{{ with .Current }} from {{ cyan . }}{{ end }} ({{ len .Pending }} migrations in total):
{{ range $i, $f := .Applied }}
  {{ yellow "--" }} migrating version {{ cyan $f.File.Version }}{{ if eq $f.Mode "none" }} (no transaction){{ end }}{{ range $f.Applied }}
    {{ cyan "->" }} {{ . }}{{ end }}
  {{- with .Error }}
    {{ redBgWhiteFg .Text }}
  {{- else }}
  {{ yellow "--" }} ok ({{ yellow (.End.Sub .Start).String }})
  {{- end }}
{{ end }}
  {{ cyan "-------------------------" }}
  {{ yellow "--" }} {{ .End.Sub .Start }}
{{- $files := len .Applied }}
{{- $stmts := .CountStmts }}
{{- if .Error }}
  {{ yellow "--" }} {{ dec $files }} migrations ok (1 with errors)
  {{ yellow "--" }} {{ $stmts }} sql statements ok (1 with errors)
{{- else }}
  {{ yellow "--" }} {{ len .Applied }} migrations
  {{ yellow "--" }} {{ .CountStmts }} sql statements
{{- end }}
{{- end }}
`))
)

type (
	// MigrateApply contains a summary of a migration applying attempt on a database.
	MigrateApply struct {
		Env
		RunID   string         `json:"RunID"`             // Identifier of the execution.
		Mode    migrate.TxMode `json:"Mode,omitempty"`    // Global transaction mode.
		Pending Files          `json:"Pending,omitempty"` // Pending migration files
		Applied []*AppliedFile `json:"Applied,omitempty"` // Applied files
		Current string         `json:"Current,omitempty"` // Current migration version
		Target  string         `json:"Target,omitempty"`  // Target migration version
		// Check holds the error of the pre-execution checks, if they failed.
		// In this case, no statement was executed.
		Check string    `json:"Check,omitempty"`
		Start time.Time `json:"Start"`
		End   time.Time `json:"End"`
		// Error is set even then, if it was not caused by a statement in a migration file,
		// but by idxctl, e.g. when committing or rolling back a transaction.
		Error string `json:"Error,omitempty"`
	}

	// AppliedFile is part of an MigrateApply containing information about an applied file in a migration attempt.
	AppliedFile struct {
		File
		Mode    migrate.TxMode // Transaction mode of the file directive, if any.
		Start   time.Time
		End     time.Time
		Skipped int      // Amount of skipped SQL statements in a partially applied file.
		Applied []string // SQL statements applied with success
		Error   *StmtError
	}
)

// NewMigrateApply returns an MigrateApply.
func NewMigrateApply(client *sqlclient.Client, dir migrate.Dir) *MigrateApply {
	return &MigrateApply{
		Env:   NewEnv(client, dir),
		RunID: uuid.NewString(),
	}
}

// Log implements migrate.Logger.
func (a *MigrateApply) Log(e migrate.LogEntry) {
	switch e := e.(type) {
	case migrate.LogExecution:
		a.Start = time.Now()
		a.Current = e.From
		a.Target = e.To
		a.Pending = e.Files
		a.Mode = e.Mode
	case migrate.LogCheck:
		if e.Error != nil {
			a.Check = e.Error.Error()
			a.End = time.Now()
		}
	case migrate.LogFile:
		if l := len(a.Applied); l > 0 {
			f := a.Applied[l-1]
			f.End = time.Now()
		}
		a.Applied = append(a.Applied, &AppliedFile{
			File:    File{e.File},
			Mode:    e.Mode,
			Start:   time.Now(),
			Skipped: e.Skip,
		})
	case migrate.LogStmt:
		f := a.Applied[len(a.Applied)-1]
		f.Applied = append(f.Applied, e.SQL)
	case migrate.LogError:
		a.End = time.Now()
		if l := len(a.Applied); l > 0 && e.SQL != "" {
			f := a.Applied[l-1]
			f.End = a.End
			// The failed statement is not counted as applied.
			if n := len(f.Applied); n > 0 && f.Applied[n-1] == e.SQL {
				f.Applied = f.Applied[:n-1]
			}
			f.Error = &StmtError{
				Stmt: e.SQL,
				Text: e.Error.Error(),
			}
		}
		a.Error = e.Error.Error()
	case migrate.LogDone:
		a.End = time.Now()
		if l := len(a.Applied); l > 0 {
			a.Applied[l-1].End = a.End
		}
	}
}

// CountStmts returns the amount of applied statements.
func (a *MigrateApply) CountStmts() (n int) {
	for _, f := range a.Applied {
		n += len(f.Applied)
	}
	return
}

// MarshalJSON implements json.Marshaler.
func (f *AppliedFile) MarshalJSON() ([]byte, error) {
	type local struct {
		Name        string         `json:"Name,omitempty"`
		Version     string         `json:"Version,omitempty"`
		Description string         `json:"Description,omitempty"`
		Mode        migrate.TxMode `json:"Mode,omitempty"`
		Start       time.Time      `json:"Start,omitempty"`
		End         time.Time      `json:"End,omitempty"`
		Skipped     int            `json:"Skipped,omitempty"`
		Stmts       []string       `json:"Applied,omitempty"`
		Error       *StmtError     `json:"Error,omitempty"`
	}
	return json.Marshal(local{
		Name:        f.Name(),
		Version:     f.Version(),
		Description: f.Desc(),
		Mode:        f.Mode,
		Start:       f.Start,
		End:         f.End,
		Skipped:     f.Skipped,
		Stmts:       f.Applied,
		Error:       f.Error,
	})
}

var (
	// IndexTemplateFuncs are global functions available in index report templates.
	IndexTemplateFuncs = WithColorFuncs(template.FuncMap{
		"json":        jsonEncode,
		"statusColor": statusColor,
		"indexes":     indexesTable,
	})

	// IndexStatusTemplate holds the default template of the 'index status' command.
	IndexStatusTemplate = template.Must(template.New("status").
				Funcs(IndexTemplateFuncs).
				Parse(`{{- if .Indexes -}}
{{ indexes .Indexes }}
{{- $n := len .Indexes }}{{ red "%d" $n }} invalid index{{ if gt $n 1 }}es{{ end }} found. Run 'idxctl index repair NAME' to drop and rebuild {{ if gt $n 1 }}them{{ else }}it{{ end }}.
{{ else -}}
{{ green "No invalid indexes found" }}
{{ end -}}`))

	// IndexCreateTemplate holds the default template of the 'index create' and 'index repair' commands.
	IndexCreateTemplate = template.Must(template.New("create").
				Funcs(IndexTemplateFuncs).
				Parse(`{{- range .Stmts }}{{ . }}
{{ end -}}
{{- with .State }}Index {{ cyan .Name }} on table {{ cyan .Table }} is {{ statusColor .Status }}
{{ end -}}`))
)

type (
	// IndexStatus contains the invalid indexes of a database.
	IndexStatus struct {
		Env
		Schema  string                 `json:"Schema,omitempty"`  // Schema the indexes were read from, if any.
		Indexes []*postgres.IndexState `json:"Indexes,omitempty"` // Invalid indexes.
	}

	// IndexCreate contains the result of an index build.
	IndexCreate struct {
		Env
		Stmts []string             `json:"Stmts,omitempty"` // Statements that were (or would be) executed.
		State *postgres.IndexState `json:"State,omitempty"` // State of the index after the build, if executed.
	}
)

func statusColor(s string) string {
	switch s {
	case postgres.StatusValid:
		return color.HiGreenString(s)
	case postgres.StatusBuilding:
		return color.YellowString(s)
	default:
		return color.HiRedString(s)
	}
}

func indexesTable(idx []*postgres.IndexState) (string, error) {
	var buf strings.Builder
	tbl := tablewriter.NewWriter(&buf)
	tbl.SetAutoWrapText(false)
	tbl.SetHeader([]string{"Schema", "Table", "Index", "Status", "Definition"})
	for _, s := range idx {
		tbl.Append([]string{s.Schema, s.Table, s.Name, s.Status(), s.Def})
	}
	tbl.Render()
	return buf.String(), nil
}

const (
	indent2 = "  "
	indent4 = indent2 + indent2
)

// LogTTY is a migrate.Logger that pretty prints execution progress as it
// happens. If the connected out is not a tty, colors are disabled by the
// color package.
type LogTTY struct {
	out         io.Writer
	start       time.Time
	fileStart   time.Time
	fileCounter int
	stmtCounter int
}

// NewLogTTY returns a LogTTY writing to the given writer.
func NewLogTTY(w io.Writer) *LogTTY {
	return &LogTTY{out: w}
}

// Log implements the migrate.Logger interface.
func (l *LogTTY) Log(e migrate.LogEntry) {
	var (
		cyan   = color.CyanString
		yellow = color.YellowString
		red    = color.HiRedString
		dash   = yellow("--")
	)
	switch e := e.(type) {
	case migrate.LogExecution:
		l.start = time.Now()
		fmt.Fprintf(l.out, "Migrating to version %v", cyan(e.To))
		if e.From != "" {
			fmt.Fprintf(l.out, " from %v", cyan(e.From))
		}
		fmt.Fprintf(l.out, " (%d migrations in total, txmode %s):\n", len(e.Files), e.Mode)
	case migrate.LogCheck:
		if e.Error != nil {
			fmt.Fprintf(l.out, "\n%s\n%s%s\n\n", red("Error: Pre-execution checks failed, no statement was executed:"), indent2, e.Error)
		}
	case migrate.LogFile:
		l.fileCounter++
		if !l.fileStart.IsZero() {
			l.reportFileEnd()
		}
		l.fileStart = time.Now()
		fmt.Fprintf(l.out, "\n%s%v migrating version %v", indent2, dash, cyan(e.Version))
		if e.Mode == migrate.TxModeNone {
			fmt.Fprint(l.out, " (no transaction)")
		}
		if e.Skip > 0 {
			fmt.Fprintf(l.out, " (partially applied - skipping %s statements)", yellow("%d", e.Skip))
		}
		fmt.Fprint(l.out, "\n")
	case migrate.LogStmt:
		l.stmtCounter++
		fmt.Fprintf(l.out, "%s%v %s\n", indent4, cyan("->"), e.SQL)
	case migrate.LogDone:
		if !l.fileStart.IsZero() {
			l.reportFileEnd()
		}
		fmt.Fprintf(l.out, "\n%s%v\n", indent2, cyan(strings.Repeat("-", 25)))
		fmt.Fprintf(l.out, "%s%v %v\n", indent2, dash, time.Since(l.start))
		fmt.Fprintf(l.out, "%s%v %v migrations\n", indent2, dash, l.fileCounter)
		fmt.Fprintf(l.out, "%s%v %v sql statements\n", indent2, dash, l.stmtCounter)
	case migrate.LogError:
		redBgWhiteFg := color.New(color.FgHiWhite, color.BgHiRed).SprintFunc()
		fmt.Fprintf(l.out, "%s %s\n", indent4, redBgWhiteFg(e.Error.Error()))
		fmt.Fprintf(l.out, "\n%s%v\n", indent2, cyan(strings.Repeat("-", 25)))
		fmt.Fprintf(l.out, "%s%v %v\n", indent2, dash, time.Since(l.start))
		fmt.Fprintf(l.out, "%s%v %v migrations ok (%s)\n", indent2, dash, zero(l.fileCounter-1), red("1 with errors"))
		fmt.Fprintf(l.out, "%s%v %v sql statements ok (%s)\n", indent2, dash, zero(l.stmtCounter-1), red("1 with errors"))
	}
}

func (l *LogTTY) reportFileEnd() {
	fmt.Fprintf(l.out, "%s%v ok (%v)\n", indent2, color.YellowString("--"), color.YellowString("%s", time.Since(l.fileStart)))
}

func zero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func jsonEncode(v any, args ...string) (string, error) {
	var (
		b   []byte
		err error
	)
	switch len(args) {
	case 0:
		b, err = json.Marshal(v)
	case 1:
		b, err = json.MarshalIndent(v, "", args[0])
	default:
		b, err = json.MarshalIndent(v, args[0], args[1])
	}
	return string(b), err
}

func dec(i int) int {
	return i - 1
}
