package config

// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a loaded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"warehouse/internal/audit"
	"warehouse/internal/schema"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "dedupe.fields[2]"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline. Checks for a stage are skipped when the
// stage is not enabled in runtime.stages.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, errorAt("job", "job must not be empty; it is used for metrics labeling and identifying runs"))
	}
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateTypes(p.Types)...)
	issues = append(issues, validateLog(p.Log)...)

	if p.Enabled(StageLoad) {
		issues = append(issues, validateSource(p.Source)...)
	}
	if p.Enabled(StageMerge) {
		issues = append(issues, validateMerge(p.Merge)...)
	}
	if p.Enabled(StageDedupe) {
		issues = append(issues, validateDedupe(p)...)
	}
	if p.Enabled(StageJoin) {
		issues = append(issues, validateJoin(p)...)
	}
	return issues
}

func errorAt(path, msg string) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: msg}
}

func warningAt(path, msg string) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: msg}
}

// ident checks a required table or column name.
func ident(path, name string) []Issue {
	if strings.TrimSpace(name) == "" {
		return []Issue{errorAt(path, path+" must not be empty")}
	}
	if !schema.ValidIdent(name) {
		return []Issue{errorAt(path, fmt.Sprintf("%q is not a valid identifier (want [a-z_][a-z0-9_]*, at most 63 bytes)", name))}
	}
	return nil
}

func idents(path string, names []string) []Issue {
	var issues []Issue
	for i, n := range names {
		issues = append(issues, ident(fmt.Sprintf("%s[%d]", path, i), n)...)
	}
	return issues
}

func validateSource(s Source) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Root) == "" {
		issues = append(issues, errorAt("source.root", "source.root must not be empty"))
	}
	if strings.TrimSpace(strings.TrimPrefix(s.Ext, ".")) == "" {
		issues = append(issues, errorAt("source.ext", "source.ext must not be empty"))
	}
	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, errorAt("storage.kind", "storage.kind must not be empty"))
	}
	known := map[string]struct{}{
		"postgres": {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, warningAt("storage.kind",
			fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind)))
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, errorAt("storage.dsn",
			"storage.dsn must not be empty (for postgres it can also be built from DB_HOST, DB_PORT, DB_NAME, DB_USER, DB_PASSWORD)"))
	}
	if s.MaxConns < 0 {
		issues = append(issues, errorAt("storage.max_conns", "max_conns must not be negative"))
	}
	if s.BatchSize <= 0 {
		issues = append(issues, warningAt("storage.batch_size",
			fmt.Sprintf("batch_size=%d; non-positive batch sizes fall back to the backend default", s.BatchSize)))
	}
	return issues
}

func validateTypes(types map[string]string) []Issue {
	var issues []Issue
	for name, typ := range types {
		path := "types." + name
		if !schema.ValidIdent(name) {
			issues = append(issues, errorAt(path, fmt.Sprintf("%q is not a valid column name", name)))
			continue
		}
		if _, err := schema.ParseDBType(typ); err != nil {
			issues = append(issues, errorAt(path, err.Error()))
		}
	}
	return issues
}

func validateMerge(m Merge) []Issue {
	issues := ident("merge.target", m.Target)
	issues = append(issues, idents("merge.sources", m.Sources)...)
	for i, s := range m.Sources {
		if s == m.Target {
			issues = append(issues, errorAt(fmt.Sprintf("merge.sources[%d]", i), "the merge target cannot also be a source"))
		}
	}
	switch {
	case len(m.Sources) > 0 && m.SourcesFile != "":
		issues = append(issues, warningAt("merge.sources_file", "merge.sources is set; sources_file is ignored"))
	case len(m.Sources) == 0 && m.SourcesFile == "" && m.SourcePrefix == "":
		issues = append(issues, errorAt("merge",
			"no merge sources: set merge.sources, merge.sources_file or merge.source_prefix"))
	}
	return issues
}

func validateDedupe(p Pipeline) []Issue {
	d := p.Dedupe
	issues := ident("dedupe.table", p.DedupeTable())
	if len(d.Fields) == 0 && d.TimeColumn == "" {
		issues = append(issues, errorAt("dedupe.fields", "duplicate key is empty: set dedupe.fields or dedupe.time_column"))
	}
	issues = append(issues, idents("dedupe.fields", d.Fields)...)
	if d.TimeColumn != "" {
		issues = append(issues, ident("dedupe.time_column", d.TimeColumn)...)
	}
	switch {
	case d.Tolerance < 0:
		issues = append(issues, errorAt("dedupe.tolerance", "tolerance must not be negative"))
	case d.Tolerance == 0 && d.TimeColumn != "":
		issues = append(issues, warningAt("dedupe.tolerance", "tolerance is 0; only identical timestamps match"))
	}
	if d.BatchSize <= 0 {
		issues = append(issues, warningAt("dedupe.batch_size",
			fmt.Sprintf("batch_size=%d; the default of 1000 is used", d.BatchSize)))
	}
	if _, err := audit.ParseMode(p.Audit.Mode); err != nil {
		issues = append(issues, errorAt("audit.mode", err.Error()))
	}
	if strings.TrimSpace(p.Audit.Path) == "" {
		issues = append(issues, warningAt("audit.path", "audit.path is empty; deleted rows will not be recorded"))
	}
	return issues
}

func validateJoin(p Pipeline) []Issue {
	j := p.Join
	issues := ident("join.primary", p.JoinPrimary())
	issues = append(issues, ident("join.secondary", j.Secondary)...)
	issues = append(issues, ident("join.column", j.Column)...)
	issues = append(issues, idents("join.columns", j.Columns)...)
	if j.Secondary != "" && j.Secondary == p.JoinPrimary() {
		issues = append(issues, errorAt("join.secondary", "cannot join a table with itself"))
	}
	return issues
}

func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	switch {
	case r.LoaderWorkers < 0:
		issues = append(issues, errorAt("runtime.loader_workers", "loader_workers must not be negative"))
	case r.LoaderWorkers == 0:
		issues = append(issues, warningAt("runtime.loader_workers", "loader_workers=0; files are loaded one at a time"))
	}

	if len(r.Stages) == 0 {
		issues = append(issues, warningAt("runtime.stages", "no stages enabled; the run does nothing"))
	}
	known := map[string]struct{}{}
	for _, s := range Stages {
		known[s] = struct{}{}
	}
	for i, s := range r.Stages {
		if _, ok := known[s]; !ok {
			issues = append(issues, errorAt(fmt.Sprintf("runtime.stages[%d]", i),
				fmt.Sprintf("unknown stage %q (want one of %s)", s, strings.Join(Stages, ", "))))
		}
	}
	return issues
}

func validateLog(l Log) []Issue {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return []Issue{errorAt("log.level", err.Error())}
	}
	return nil
}
