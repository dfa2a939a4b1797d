package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warehouse/internal/ddl"
	"warehouse/internal/errs"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
)

// JoinSpec enriches Primary with the columns of Secondary, matching rows on
// Column. Columns, when set, is the exact set of secondary columns to copy;
// otherwise every secondary column Primary lacks is copied.
//
// Refill names primary columns another stage emptied, such as those a merge
// left NULL. The ones Secondary also has are copied again; the rest are
// ignored.
type JoinSpec struct {
	Primary   string
	Secondary string
	Column    string
	Columns   []string
	Refill    []string
}

// JoinResult reports what Enrich changed.
type JoinResult struct {
	Added   []string // columns created on Primary
	Filled  []string // columns written by the update
	Updated int64    // primary rows that had a match
}

// Joiner adds columns from one table to another.
type Joiner struct {
	repo  storage.Repository
	types schema.TypeMap
	log   *zap.Logger
}

// NewJoiner returns a Joiner typing new columns through types.
func NewJoiner(repo storage.Repository, types schema.TypeMap, log *zap.Logger) *Joiner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Joiner{repo: repo, types: types, log: log}
}

// Enrich adds the secondary-only columns to the primary table and fills
// them from the secondary row with the same join value. Primary rows
// without a match keep NULL. Columns the primary already had are written
// only when pinned in spec.Columns or named in spec.Refill, and re-running
// adds nothing new.
func (j *Joiner) Enrich(ctx context.Context, spec JoinSpec) (JoinResult, error) {
	const op = "join"
	var res JoinResult

	for _, id := range []struct{ what, name string }{
		{"primary table", spec.Primary},
		{"secondary table", spec.Secondary},
		{"join column", spec.Column},
	} {
		if err := checkIdent(op, id.what, id.name); err != nil {
			return res, err
		}
	}
	if spec.Primary == spec.Secondary {
		return res, errs.Errorf(op, errs.SchemaMismatch, "cannot join %s with itself", spec.Primary)
	}

	pcols, err := requireTable(ctx, op, j.repo, spec.Primary)
	if err != nil {
		return res, err
	}
	scols, err := requireTable(ctx, op, j.repo, spec.Secondary)
	if err != nil {
		return res, err
	}
	primary, secondary := columnSet(pcols), columnSet(scols)
	for _, t := range []struct {
		name string
		cols map[string]storage.Column
	}{{spec.Primary, primary}, {spec.Secondary, secondary}} {
		if _, ok := t.cols[spec.Column]; !ok {
			return res, errs.E(op, errs.SchemaMismatch,
				fmt.Errorf("%w %q in %s", errs.ErrMissingJoinColumn, spec.Column, t.name))
		}
	}

	// Net-new columns, typed up front so a bad one fails before any ALTER.
	var adds []ddl.ColumnDef
	for _, c := range scols {
		if c.Name == spec.Column {
			continue
		}
		if _, ok := primary[c.Name]; ok {
			continue
		}
		typ, err := j.types.TypeOf(c.Name)
		if err != nil {
			return res, errs.E(op, errs.Other, fmt.Errorf("%s.%s: %w", spec.Secondary, c.Name, err))
		}
		adds = append(adds, ddl.ColumnDef{Name: c.Name, SQLType: typ.SQL(), Nullable: true})
		res.Added = append(res.Added, c.Name)
	}

	res.Filled = res.Added
	if len(spec.Columns) > 0 {
		res.Filled, err = j.pinned(op, spec, primary, secondary, res.Added)
		if err != nil {
			return res, err
		}
	}
	res.Filled = refill(spec, primary, secondary, res.Filled)
	if len(res.Filled) == 0 {
		j.log.Info("nothing to enrich",
			zap.String("primary", spec.Primary), zap.String("secondary", spec.Secondary))
		return res, nil
	}

	start := time.Now()
	err = storage.WithTx(ctx, j.repo, func(tx storage.Tx) error {
		for _, c := range adds {
			stmt, err := ddl.BuildAddColumn(spec.Primary, c)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s: %w", c.Name, err)
			}
		}
		n, err := tx.Exec(ctx, updateStatement(spec, res.Filled))
		if err != nil {
			return fmt.Errorf("update %s: %w", spec.Primary, err)
		}
		res.Updated = n
		return nil
	})
	if err != nil {
		return JoinResult{}, storeErr(op, err)
	}

	j.log.Info("enriched table",
		zap.String("primary", spec.Primary),
		zap.String("secondary", spec.Secondary),
		zap.String("on", spec.Column),
		zap.Strings("added", res.Added),
		zap.Strings("filled", res.Filled),
		zap.Int64("rows", res.Updated),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// pinned validates spec.Columns: each must exist in the secondary table and
// be either absent from the primary (it will be added) or already present
// there from an earlier enrichment. The join column is never filled.
func (j *Joiner) pinned(op string, spec JoinSpec, primary, secondary map[string]storage.Column, added []string) ([]string, error) {
	adding := make(map[string]bool, len(added))
	for _, a := range added {
		adding[a] = true
	}
	out := make([]string, 0, len(spec.Columns))
	seen := make(map[string]bool, len(spec.Columns))
	for _, c := range spec.Columns {
		if err := checkIdent(op, "column", c); err != nil {
			return nil, err
		}
		if c == spec.Column {
			return nil, errs.Errorf(op, errs.SchemaMismatch, "join column %q cannot be filled", c)
		}
		if _, ok := secondary[c]; !ok {
			return nil, errs.E(op, errs.NotFound, fmt.Errorf("%w %q in %s", errs.ErrUnknownColumn, c, spec.Secondary))
		}
		if _, ok := primary[c]; !ok && !adding[c] {
			return nil, errs.E(op, errs.NotFound, fmt.Errorf("%w %q in %s", errs.ErrUnknownColumn, c, spec.Primary))
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// refill appends the spec.Refill columns both tables have to filled.
func refill(spec JoinSpec, primary, secondary map[string]storage.Column, filled []string) []string {
	if len(spec.Refill) == 0 {
		return filled
	}
	out := append([]string(nil), filled...)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, c := range spec.Refill {
		if seen[c] || c == spec.Column {
			continue
		}
		_, inP := primary[c]
		_, inS := secondary[c]
		if inP && inS {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// updateStatement renders
//
//	UPDATE "p" SET "c1" = s."c1", ... FROM "sec" AS s WHERE "p"."k" = s."k"
//
// which both postgres and sqlite (3.33+) accept.
func updateStatement(spec JoinSpec, cols []string) string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = storage.QuoteIdent(c) + " = " + qualified("s", c)
	}
	p := storage.QuoteIdent(spec.Primary)
	return fmt.Sprintf("UPDATE %s SET %s FROM %s AS s WHERE %s.%s = %s",
		p, strings.Join(set, ", "),
		storage.QuoteIdent(spec.Secondary),
		p, storage.QuoteIdent(spec.Column), qualified("s", spec.Column))
}
