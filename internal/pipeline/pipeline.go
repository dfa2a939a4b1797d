// Package pipeline runs the warehouse stages in order against one store:
// load every CSV file of the source tree, merge the period tables, remove
// near-duplicate rows and enrich the result from a secondary table.
//
// Stages are sequential. Only the load stage fans out, one worker per file,
// bounded by runtime.loader_workers. A file that fails to describe or load is
// logged and skipped; a failing merge, dedupe or join ends the run.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warehouse/internal/audit"
	"warehouse/internal/config"
	"warehouse/internal/datasource/file"
	"warehouse/internal/errs"
	"warehouse/internal/metrics"
	"warehouse/internal/probe"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
	"warehouse/internal/warehouse"
)

// Outcome is the result of one stage.
type Outcome struct {
	Op      string
	Err     error
	Elapsed time.Duration
}

// FileResult is the load result of one source file.
type FileResult struct {
	Path  string
	Table string
	Rows  int64
	Err   error

	checksum uint64
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Outcomes []Outcome
	Files    []FileResult

	Loaded  int64 // rows loaded over every file
	Skipped int   // files that failed
	Merged  int64
	Cleared []string // merge target columns left NULL, refilled by the join
	Dedupe  warehouse.DedupeResult
	Join    warehouse.JoinResult
}

// LoadedTables returns the tables that received at least one file, sorted.
func (r *Report) LoadedTables() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range r.Files {
		if f.Err != nil || f.Table == "" || seen[f.Table] {
			continue
		}
		seen[f.Table] = true
		out = append(out, f.Table)
	}
	sort.Strings(out)
	return out
}

// Runner holds the dependencies of one run.
type Runner struct {
	cfg   config.Pipeline
	repo  storage.Repository
	fs    afero.Fs
	types schema.TypeMap
	log   *zap.Logger

	report *Report
}

// Run executes every enabled stage of cfg. The report is returned even when
// a stage fails.
func Run(ctx context.Context, cfg config.Pipeline, repo storage.Repository, fs afero.Fs, log *zap.Logger) (*Report, error) {
	r, err := New(cfg, repo, fs, log)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// New builds a Runner. It fails when cfg.Types cannot be merged into the
// default type map.
func New(cfg config.Pipeline, repo storage.Repository, fs afero.Fs, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	types, err := schema.NewTypeMap(schema.DefaultTypeMap(), cfg.Types)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Runner{
		cfg:    cfg,
		repo:   repo,
		fs:     fs,
		types:  types,
		log:    log.With(zap.String("run_id", id), zap.String("job", cfg.Job)),
		report: &Report{RunID: id},
	}, nil
}

// Run executes the enabled stages in order.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	r.log.Info("run started",
		zap.String("storage", r.repo.Dialect().Name()),
		zap.Strings("stages", r.cfg.Runtime.Stages))

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{config.StageLoad, r.load},
		{config.StageMerge, r.merge},
		{config.StageDedupe, r.dedupe},
		{config.StageJoin, r.join},
	}
	for _, s := range stages {
		if !r.cfg.Enabled(s.name) {
			r.log.Debug("stage disabled", zap.String("stage", s.name))
			continue
		}
		if err := r.step(ctx, s.name, s.fn); err != nil {
			return r.report, err
		}
	}

	r.log.Info("run finished",
		zap.Int64("loaded", r.report.Loaded),
		zap.Int("skipped_files", r.report.Skipped),
		zap.Int64("merged", r.report.Merged),
		zap.Int64("deleted", r.report.Dedupe.Deleted),
		zap.Int64("enriched", r.report.Join.Updated),
		zap.Duration("elapsed", time.Since(start)))
	return r.report, nil
}

// step runs fn as stage op and records its outcome.
func (r *Runner) step(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	o := Outcome{Op: op, Err: err, Elapsed: time.Since(start)}
	r.report.Outcomes = append(r.report.Outcomes, o)
	metrics.RecordStep(r.cfg.Job, op, err, o.Elapsed)

	if err != nil {
		r.log.Error("stage failed",
			zap.String("stage", op),
			zap.Stringer("kind", errs.KindOf(err)),
			zap.Duration("elapsed", o.Elapsed),
			zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	r.log.Info("stage done", zap.String("stage", op), zap.Duration("elapsed", o.Elapsed))
	return nil
}

func (r *Runner) load(ctx context.Context) error {
	src := r.cfg.Source
	sources, skips, err := file.Discover(r.fs, src.Root, src.Ext, src.Recursive)
	if err != nil {
		return err
	}
	r.log.Info("discovered files",
		zap.String("root", src.Root), zap.Int("files", len(sources)), zap.Int("skipped", len(skips)))
	for _, s := range skips {
		r.log.Warn("skipping file", zap.String("path", s.Path), zap.Error(s.Err))
		r.report.Files = append(r.report.Files, FileResult{Path: s.Path, Err: s.Err})
	}

	loader := warehouse.NewLoader(r.repo, r.fs, r.types, r.log)
	results := make([]FileResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Runtime.LoaderWorkers, 1))
	for i, s := range sources {
		i, s := i, s
		g.Go(func() error {
			results[i] = r.loadFile(gctx, loader, s)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.warnIdentical(results)
	r.report.Files = append(r.report.Files, results...)
	for _, f := range r.report.Files {
		if f.Err != nil {
			r.report.Skipped++
			continue
		}
		r.report.Loaded += f.Rows
	}
	metrics.RecordRow(r.cfg.Job, metrics.KindLoaded, r.report.Loaded)
	metrics.RecordRow(r.cfg.Job, metrics.KindSkipped, int64(r.report.Skipped))
	return nil
}

// loadFile describes, creates and loads one file. Errors are logged and
// kept in the result.
func (r *Runner) loadFile(ctx context.Context, loader *warehouse.Loader, s file.Source) FileResult {
	res := FileResult{Path: s.Path, Table: s.TableName}
	fail := func(err error) FileResult {
		res.Err = err
		r.log.Warn("file not loaded",
			zap.String("path", s.Path),
			zap.String("table", s.TableName),
			zap.Stringer("kind", errs.KindOf(err)),
			zap.Error(err))
		return res
	}

	d, err := probe.Describe(r.fs, s.Path)
	if err != nil {
		return fail(err)
	}
	res.checksum = d.Checksum
	r.log.Debug("described file", d.Field())
	r.warnTypes(d)

	if err := loader.Prepare(ctx, d); err != nil {
		return fail(err)
	}
	n, err := loader.Load(ctx, d.TableName, d)
	if err != nil {
		return fail(err)
	}
	res.Rows = n
	return res
}

// warnTypes logs columns whose values do not look like their mapped type.
func (r *Runner) warnTypes(d probe.Descriptor) {
	for _, c := range d.Columns {
		t, err := r.types.TypeOf(c.Name)
		if err != nil || c.Inferred.Compatible(t) {
			continue
		}
		r.log.Warn("column values do not match mapped type",
			zap.String("path", d.SourcePath),
			zap.String("column", c.Name),
			zap.Stringer("inferred", c.Inferred),
			zap.Stringer("mapped", t))
	}
}

// warnIdentical logs files whose content equals an earlier file's.
func (r *Runner) warnIdentical(results []FileResult) {
	first := map[uint64]string{}
	for _, f := range results {
		if f.Err != nil || f.checksum == 0 {
			continue
		}
		if prev, ok := first[f.checksum]; ok {
			r.log.Warn("file content identical to another source",
				zap.String("path", f.Path), zap.String("same_as", prev))
			continue
		}
		first[f.checksum] = f.Path
	}
}

func (r *Runner) merge(ctx context.Context) error {
	sources, err := r.mergeSources()
	if err != nil {
		return err
	}
	spec := warehouse.MergeSpec{Sources: sources, Target: r.cfg.Merge.Target}
	res, err := warehouse.NewMerger(r.repo, r.log).Merge(ctx, spec)
	if err != nil {
		return err
	}
	r.report.Merged = res.Rows
	r.report.Cleared = res.Cleared
	metrics.RecordRow(r.cfg.Job, metrics.KindMerged, res.Rows)

	if !r.cfg.Merge.DropSources {
		return nil
	}
	for _, s := range sources {
		if err := r.repo.DropTable(ctx, s); err != nil {
			return errs.E("drop table", errs.StoreFailure, fmt.Errorf("%s: %w", s, err))
		}
		r.log.Info("dropped source table", zap.String("table", s))
	}
	return nil
}

// mergeSources resolves the tables to merge: the explicit list, then the
// list file, then the tables loaded in this run whose name has the
// configured prefix.
func (r *Runner) mergeSources() ([]string, error) {
	m := r.cfg.Merge
	switch {
	case len(m.Sources) > 0:
		return m.Sources, nil
	case m.SourcesFile != "":
		list, err := file.ReadList(r.fs, m.SourcesFile)
		if err != nil {
			return nil, errs.E("merge sources", errs.NotFound, fmt.Errorf("%w: %v", errs.ErrFileUnreadable, err))
		}
		return list, nil
	}
	var out []string
	for _, t := range r.report.LoadedTables() {
		if t != m.Target && strings.HasPrefix(t, m.SourcePrefix) {
			out = append(out, t)
		}
	}
	r.log.Debug("merge sources by prefix", zap.String("prefix", m.SourcePrefix), zap.Strings("tables", out))
	return out, nil
}

func (r *Runner) dedupe(ctx context.Context) (err error) {
	mode, err := audit.ParseMode(r.cfg.Audit.Mode)
	if err != nil {
		return errs.E("dedupe", errs.SchemaMismatch, err)
	}
	rec, err := audit.Open(r.fs, r.cfg.Audit.Path, mode, r.log)
	if err != nil {
		return errs.E("dedupe", errs.StoreFailure, err)
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil && err == nil {
			err = errs.E("dedupe", errs.StoreFailure, cerr)
		}
	}()

	c := r.cfg.Dedupe
	key := warehouse.DuplicateKey{Fields: c.Fields, TimeColumn: c.TimeColumn, Tolerance: c.Tolerance}
	d := warehouse.NewDeduper(r.repo, key, c.BatchSize, rec, r.log)

	d.OnProgress = func(p warehouse.Progress) {
		if p.State == warehouse.Deleting {
			r.log.Info("deleting duplicates", zap.String("table", p.Table),
				zap.Int("chunk", p.Chunk), zap.Int64("deleted_so_far", p.Deleted))
		}
	}

	res, err := d.Dedupe(ctx, r.cfg.DedupeTable())
	r.report.Dedupe = res
	metrics.RecordRow(r.cfg.Job, metrics.KindDeleted, res.Deleted)
	metrics.RecordBatches(r.cfg.Job, int64(res.Chunks))
	return err
}

func (r *Runner) join(ctx context.Context) error {
	j := r.cfg.Join
	spec := warehouse.JoinSpec{
		Primary:   r.cfg.JoinPrimary(),
		Secondary: j.Secondary,
		Column:    j.Column,
		Columns:   j.Columns,
	}
	if spec.Primary == r.cfg.Merge.Target {
		spec.Refill = r.report.Cleared
	}
	res, err := warehouse.NewJoiner(r.repo, r.types, r.log).Enrich(ctx, spec)
	if err != nil {
		return err
	}
	r.report.Join = res
	metrics.RecordRow(r.cfg.Job, metrics.KindEnriched, res.Updated)
	return nil
}
