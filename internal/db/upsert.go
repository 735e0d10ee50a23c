package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ErrDuplicateKey is returned when two rows of one batch share a conflict
// key. Postgres would otherwise abort the merge with "ON CONFLICT DO UPDATE
// command cannot affect row a second time".
var ErrDuplicateKey = eris.New("db: upsert: duplicate conflict key in batch")

// UpsertConfig describes a batch merge into Table keyed on ConflictKeys.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string // must name a unique constraint; each must appear in Columns
	UpdateCols   []string // nil updates every column outside ConflictKeys
}

// upsertPlan holds the statements for one BulkUpsert call.
type upsertPlan struct {
	stage  pgx.Identifier
	create string
	merge  string
	keyIdx []int
}

func planUpsert(cfg UpsertConfig) (*upsertPlan, error) {
	if len(cfg.Columns) == 0 {
		return nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return nil, eris.New("db: upsert: no conflict keys specified")
	}

	pos := make(map[string]int, len(cfg.Columns))
	for i, c := range cfg.Columns {
		pos[c] = i
	}
	keyIdx := make([]int, len(cfg.ConflictKeys))
	isKey := make(map[string]bool, len(cfg.ConflictKeys))
	for i, k := range cfg.ConflictKeys {
		p, ok := pos[k]
		if !ok {
			return nil, eris.Errorf("db: upsert: conflict key %q is not among the columns", k)
		}
		keyIdx[i] = p
		isKey[k] = true
	}

	update := cfg.UpdateCols
	if update == nil {
		for _, c := range cfg.Columns {
			if !isKey[c] {
				update = append(update, c)
			}
		}
	}

	stage := pgx.Identifier{"_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")}
	target := sanitizeTable(cfg.Table)
	cols := quoteAndJoin(cfg.Columns)

	action := "DO NOTHING"
	if len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			q := pgx.Identifier{c}.Sanitize()
			sets[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return &upsertPlan{
		stage:  stage,
		create: fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stage.Sanitize(), target),
		merge: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
			target, cols, cols, stage.Sanitize(), quoteAndJoin(cfg.ConflictKeys), action),
		keyIdx: keyIdx,
	}, nil
}

// checkDuplicates rejects a batch in which two rows share a conflict key.
// Nil key values compare equal, matching UNIQUE NULLS NOT DISTINCT.
func (p *upsertPlan) checkDuplicates(cfg UpsertConfig, rows [][]any) error {
	seen := make(map[string]int, len(rows))
	var b strings.Builder
	for n, r := range rows {
		if len(r) != len(cfg.Columns) {
			return eris.Errorf("db: upsert: row %d has %d values for %d columns", n, len(r), len(cfg.Columns))
		}
		b.Reset()
		for _, i := range p.keyIdx {
			b.WriteString(keyPart(r[i]))
			b.WriteByte(0x1f)
		}
		k := b.String()
		if first, dup := seen[k]; dup {
			return eris.Wrapf(ErrDuplicateKey, "%s rows %d and %d", cfg.Table, first, n)
		}
		seen[k] = n
	}
	return nil
}

// keyPart renders one key value, following pointers so that two *string
// holding the same text compare equal.
func keyPart(v any) string {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "\x00"
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return "\x00"
	}
	return fmt.Sprintf("%T:%v", rv.Interface(), rv.Interface())
}

// BulkUpsert merges rows into cfg.Table in one transaction: the rows are
// COPYed into a temp table that mirrors the target, then inserted with ON
// CONFLICT. It returns the number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	plan, err := planUpsert(cfg)
	if err != nil {
		return 0, err
	}
	if err := plan.checkDuplicates(cfg, rows); err != nil {
		return 0, err
	}

	var affected int64
	err = WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, plan.create); err != nil {
			return eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
		}
		if _, err := tx.CopyFrom(ctx, plan.stage, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
		}
		tag, err := tx.Exec(ctx, plan.merge)
		if err != nil {
			return eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
