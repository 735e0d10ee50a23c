package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "autopilot_thresholds",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "autopilot_thresholds",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_autopilot_thresholds"}, []string{"k", "v"}).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      []string{"k", "v"},
		ConflictKeys: []string{"k"},
	}, [][]any{{"a", 1}, {"b", 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_autopilot_thresholds"}, []string{"k"}).WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      []string{"k"},
		ConflictKeys: []string{"k"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_DuplicateConflictKey(t *testing.T) {
	acme, acme2 := "acme", "acme"
	tests := []struct {
		name string
		rows [][]any
	}{
		{"same scalar key", [][]any{{"a", 1}, {"b", 2}, {"a", 3}}},
		{"same pointer text", [][]any{{&acme, 1}, {&acme2, 2}}},
		{"both null", [][]any{{(*string)(nil), 1}, {nil, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
				Table:        "autopilot_thresholds",
				Columns:      []string{"k", "v"},
				ConflictKeys: []string{"k"},
			}, tt.rows)
			require.ErrorIs(t, err, ErrDuplicateKey)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBulkUpsert_CompositeKeyDistinct(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	org := "acme"
	rows := [][]any{
		{(*string)(nil), "send_email", 1},
		{&org, "send_email", 2},
		{(*string)(nil), "log_call", 3},
	}
	cols := []string{"org_id", "action_type", "min_signals"}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_autopilot_thresholds" \(LIKE "autopilot_thresholds" INCLUDING DEFAULTS\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_autopilot_thresholds"}, cols).WillReturnResult(3)
	mock.ExpectExec(`ON CONFLICT \("org_id", "action_type"\) DO UPDATE SET "min_signals" = EXCLUDED."min_signals"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      cols,
		ConflictKeys: []string{"org_id", "action_type"},
	}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_RejectsBadShape(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      []string{"k", "v"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", 1}})
	assert.ErrorContains(t, err, `conflict key "id" is not among the columns`)

	_, err = BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      []string{"k", "v"},
		ConflictKeys: []string{"k"},
	}, [][]any{{"a", 1}, {"b"}})
	assert.ErrorContains(t, err, "row 1 has 1 values for 2 columns")
}

func TestBulkUpsert_KeyOnlyDoesNothing(t *testing.T) {
	plan, err := planUpsert(UpsertConfig{Table: "audit.keys", Columns: []string{"k"}, ConflictKeys: []string{"k"}})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "audit"."keys" ("k") SELECT "k" FROM "_tmp_upsert_audit_keys" ON CONFLICT ("k") DO NOTHING`, plan.merge)
	assert.Equal(t, []int{0}, plan.keyIdx)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"audit.signals", `"audit"."signals"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
