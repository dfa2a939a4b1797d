package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warehouse/internal/ddl"
	"warehouse/internal/errs"
	"warehouse/internal/storage"
)

// MergeSpec names the period tables to union into Target.
type MergeSpec struct {
	Sources []string
	Target  string
}

// MergeResult reports what Merge wrote.
type MergeResult struct {
	Rows int64 // rows in the target afterwards
	// Cleared are target columns outside the sources' signature, such as
	// columns added by an earlier join. The merge leaves them NULL.
	Cleared []string
}

// Merger replaces a target table's contents with the union of its sources.
type Merger struct {
	repo storage.Repository
	log  *zap.Logger
}

// NewMerger returns a Merger.
func NewMerger(repo storage.Repository, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{repo: repo, log: log}
}

// Merge validates spec, then in one transaction creates the target from the
// sources' shared signature if needed, clears it and inserts every source
// row.
//
// Columns the target has beyond the sources' (added by an earlier join) are
// kept and left NULL; they are reported in MergeResult.Cleared.
func (m *Merger) Merge(ctx context.Context, spec MergeSpec) (MergeResult, error) {
	const op = "merge"
	var res MergeResult

	sig, target, err := m.validate(ctx, op, spec)
	if err != nil {
		return res, err
	}
	names := storage.ColumnNames(sig)
	inSig := columnSet(sig)
	for _, c := range target {
		if _, ok := inSig[c.Name]; !ok {
			res.Cleared = append(res.Cleared, c.Name)
		}
	}
	cols := storage.QuoteColumns(names)

	selects := make([]string, len(spec.Sources))
	for i, s := range spec.Sources {
		selects[i] = fmt.Sprintf("SELECT %s FROM %s", cols, storage.QuoteIdent(s))
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s)\n%s",
		storage.QuoteIdent(spec.Target), cols, strings.Join(selects, "\nUNION ALL\n"))

	start := time.Now()
	var rows int64
	err = storage.WithTx(ctx, m.repo, func(tx storage.Tx) error {
		if target == nil {
			stmt, err := ddl.BuildCreateTableSQL(ddl.FromColumns(spec.Target, sig))
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", spec.Target, err)
			}
		}
		if _, err := tx.Exec(ctx, m.repo.Dialect().Truncate(spec.Target)); err != nil {
			return fmt.Errorf("clear %s: %w", spec.Target, err)
		}
		n, err := tx.Exec(ctx, insert)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", spec.Target, err)
		}
		rows = n
		return nil
	})
	if err != nil {
		return MergeResult{}, storeErr(op, err)
	}
	res.Rows = rows

	m.log.Info("merged tables",
		zap.Strings("sources", spec.Sources),
		zap.String("target", spec.Target),
		zap.Int64("rows", rows),
		zap.Strings("cleared", res.Cleared),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// validate checks spec against the store and returns the shared source
// signature and the columns of the target, nil when it does not exist yet.
func (m *Merger) validate(ctx context.Context, op string, spec MergeSpec) ([]storage.Column, []storage.Column, error) {
	if strings.TrimSpace(spec.Target) == "" {
		return nil, nil, errs.E(op, errs.SchemaMismatch, errs.ErrMissingTargetName)
	}
	if len(spec.Sources) == 0 {
		return nil, nil, errs.E(op, errs.EmptyInput, errs.ErrNoSourceTables)
	}
	if err := checkIdent(op, "target table", spec.Target); err != nil {
		return nil, nil, err
	}

	var sig []storage.Column
	seen := make(map[string]bool, len(spec.Sources))
	for _, s := range spec.Sources {
		if err := checkIdent(op, "source table", s); err != nil {
			return nil, nil, err
		}
		if s == spec.Target {
			return nil, nil, errs.Errorf(op, errs.SchemaMismatch, "table %s is both source and target", s)
		}
		if seen[s] {
			return nil, nil, errs.Errorf(op, errs.SchemaMismatch, "source %s listed twice", s)
		}
		seen[s] = true

		cols, err := requireTable(ctx, op, m.repo, s)
		if err != nil {
			return nil, nil, err
		}
		if sig == nil {
			sig = cols
			continue
		}
		if err := sameSignature(sig, cols); err != nil {
			return nil, nil, errs.E(op, errs.SchemaMismatch,
				fmt.Errorf("%s and %s: %w", spec.Sources[0], s, err))
		}
	}

	exists, err := m.repo.TableExists(ctx, spec.Target)
	if err != nil {
		return nil, nil, storeErr(op, err)
	}
	if !exists {
		return sig, nil, nil
	}
	tcols, err := m.repo.Columns(ctx, spec.Target)
	if err != nil {
		return nil, nil, storeErr(op, err)
	}
	have := columnSet(tcols)
	for _, c := range sig {
		if _, ok := have[c.Name]; !ok {
			return nil, nil, errs.Errorf(op, errs.SchemaMismatch,
				"target %s has no column %q", spec.Target, c.Name)
		}
	}
	return sig, tcols, nil
}

func sameSignature(a, b []storage.Column) error {
	if len(a) != len(b) {
		return fmt.Errorf("column count %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return fmt.Errorf("column %d is %q vs %q", i+1, a[i].Name, b[i].Name)
		}
		if !sameType(a[i].Type, b[i].Type) {
			return fmt.Errorf("column %q has type %s vs %s", a[i].Name, a[i].Type, b[i].Type)
		}
	}
	return nil
}
