// Package writeback is the durable queue of CRM writes and the workers that
// drain it. Items are claimed with FOR UPDATE SKIP LOCKED so any number of
// workers can share the table, retried on a fixed backoff schedule and
// dead-lettered once their attempt budget is spent.
package writeback

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

var (
	// ErrNotFound is returned for an unknown item id.
	ErrNotFound = eris.New("writeback: item not found")
	// ErrNotDeadLetter is returned when retrying an item that is not dead-lettered.
	ErrNotDeadLetter = eris.New("writeback: item is not in dead_letter")
	// ErrFinished is returned when failing an item that already completed or
	// was dead-lettered.
	ErrFinished = eris.New("writeback: item already finished")
	// ErrDuplicatePending is returned when a retry would collide with a pending
	// item carrying the same dedupe key.
	ErrDuplicatePending = eris.New("writeback: a pending item with the same dedupe_key exists")
)

// Backoff is the retry schedule indexed by attempt number, starting at 1.
// Attempts past the end reuse the last delay.
var Backoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// BackoffFor returns the delay before retrying an item that has made
// attempts attempts.
func BackoffFor(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(Backoff) {
		i = len(Backoff) - 1
	}
	return Backoff[i]
}

const itemColumns = `id, org_id, source, entity_type, external_record_id, local_record_id, operation, payload,
	status, priority, attempts, max_attempts, last_error, next_retry_at, locked_until, dedupe_key,
	created_at, updated_at, completed_at`

// Queue is the Postgres-backed write-back queue.
type Queue struct {
	pool        db.Pool
	maxAttempts int
	nowFunc     func() time.Time
}

// NewQueue creates a Queue. maxAttempts applies to items enqueued without
// their own budget; zero means model.DefaultMaxAttempts.
func NewQueue(pool db.Pool, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	return &Queue{
		pool:        pool,
		maxAttempts: maxAttempts,
		nowFunc:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides time.Now. Intended for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.nowFunc = now
	return q
}

// Enqueue authorizes caller for the item's org and enqueues it.
func (q *Queue) Enqueue(ctx context.Context, caller authz.Caller, item model.QueueItem) (string, error) {
	if err := authz.CanUseQueue(caller, item.OrgID); err != nil {
		return "", err
	}
	return q.EnqueueTx(ctx, q.pool, item)
}

// EnqueueTx enqueues item using tx, which may be the caller's transaction.
// An item with a dedupe_key collapses onto the newest pending or failed item
// of the same org and key: its payload is replaced and its id returned.
func (q *Queue) EnqueueTx(ctx context.Context, tx db.Querier, item model.QueueItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	now := q.nowFunc()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = q.maxAttempts
	}
	if item.Priority < 0 {
		item.Priority = model.DefaultPriority
	}
	if len(item.Payload) == 0 {
		item.Payload = []byte(`{}`)
	}
	var dedupe *string
	if item.DedupeKey != "" {
		dedupe = &item.DedupeKey
	}

	if dedupe != nil {
		var id string
		err := tx.QueryRow(ctx, `UPDATE crm_writeback_queue
			SET payload = $3, priority = LEAST(priority, $4),
				external_record_id = COALESCE($5, external_record_id), updated_at = $6
			WHERE id = (
				SELECT id FROM crm_writeback_queue
				WHERE org_id = $1 AND dedupe_key = $2 AND status IN ('pending', 'failed')
				ORDER BY created_at DESC
				LIMIT 1
				FOR UPDATE
			)
			RETURNING id`,
			item.OrgID, item.DedupeKey, item.Payload, item.Priority, item.ExternalRecordID, now,
		).Scan(&id)
		if err == nil {
			zap.L().Debug("writeback: collapsed onto existing item",
				zap.String("id", id), zap.String("dedupe_key", item.DedupeKey))
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", eris.Wrap(err, "writeback: dedupe lookup")
		}
	}

	var id string
	err := tx.QueryRow(ctx, `INSERT INTO crm_writeback_queue (id, org_id, source, entity_type, external_record_id,
			local_record_id, operation, payload, status, priority, attempts, max_attempts, next_retry_at, dedupe_key,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, 0, $10, $11, $12, $11, $11)
		ON CONFLICT (org_id, dedupe_key) WHERE dedupe_key IS NOT NULL AND status = 'pending'
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		RETURNING id`,
		item.ID, item.OrgID, item.Source, item.EntityType, item.ExternalRecordID,
		item.LocalRecordID, string(item.Operation), item.Payload, item.Priority, item.MaxAttempts, now, dedupe,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "writeback: enqueue %s %s", item.Operation, item.EntityType)
	}
	return id, nil
}

// Dequeue atomically claims up to batchSize due items, marking them
// processing and locked for lockDuration. Items are returned ordered by
// priority then next_retry_at. Concurrent callers never receive the same
// item.
func (q *Queue) Dequeue(ctx context.Context, batchSize int, lockDuration time.Duration) ([]model.QueueItem, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := q.nowFunc()
	rows, err := q.pool.Query(ctx, `UPDATE crm_writeback_queue w
		SET status = 'processing', attempts = w.attempts + 1, locked_until = $3, updated_at = $1
		FROM (
			SELECT id FROM crm_writeback_queue
			WHERE status IN ('pending', 'failed') AND next_retry_at <= $1 AND attempts < max_attempts
			ORDER BY priority, next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) claimed
		WHERE w.id = claimed.id
		RETURNING w.id, w.org_id, w.source, w.entity_type, w.external_record_id, w.local_record_id, w.operation,
			w.payload, w.status, w.priority, w.attempts, w.max_attempts, w.last_error, w.next_retry_at,
			w.locked_until, w.dedupe_key, w.created_at, w.updated_at, w.completed_at`,
		now, batchSize, now.Add(lockDuration),
	)
	if err != nil {
		return nil, eris.Wrap(err, "writeback: dequeue")
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].NextRetryAt.Before(items[j].NextRetryAt)
	})
	return items, nil
}

// Complete marks a processing item done, recording externalID when given.
func (q *Queue) Complete(ctx context.Context, id, externalID string) error {
	now := q.nowFunc()
	tag, err := q.pool.Exec(ctx, `UPDATE crm_writeback_queue
		SET status = 'completed', completed_at = $2, updated_at = $2, last_error = '', locked_until = NULL,
			external_record_id = COALESCE(NULLIF($3, ''), external_record_id)
		WHERE id = $1 AND status = 'processing'`,
		id, now, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "writeback: complete %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("writeback: complete %s: item is not processing", id)
	}
	return nil
}

// Fail records a failed attempt. The item is dead-lettered when
// moveToDeadLetter is set or its attempts are exhausted; otherwise it is
// rescheduled after BackoffFor(attempts). The resulting status is returned.
func (q *Queue) Fail(ctx context.Context, id, reason string, moveToDeadLetter bool) (model.QueueStatus, error) {
	now := q.nowFunc()
	var status model.QueueStatus
	err := db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		var (
			current               string
			attempts, maxAttempts int
		)
		err := tx.QueryRow(ctx, `SELECT status, attempts, max_attempts FROM crm_writeback_queue WHERE id = $1 FOR UPDATE`, id).
			Scan(&current, &attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "writeback: fail %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "writeback: fail %s", id)
		}
		switch model.QueueStatus(current) {
		case model.QueueCompleted, model.QueueDeadLetter:
			return eris.Wrapf(ErrFinished, "writeback: fail %s (%s)", id, current)
		}

		status = model.QueueFailed
		next := now.Add(BackoffFor(attempts))
		if moveToDeadLetter || attempts >= maxAttempts {
			status = model.QueueDeadLetter
			next = now
		}
		_, err = tx.Exec(ctx, `UPDATE crm_writeback_queue
			SET status = $2, last_error = $3, next_retry_at = $4, locked_until = NULL, updated_at = $5
			WHERE id = $1`,
			id, string(status), reason, next, now,
		)
		return eris.Wrapf(err, "writeback: fail %s", id)
	})
	if err != nil {
		return "", err
	}
	if status == model.QueueDeadLetter {
		zap.L().Warn("writeback: item dead-lettered", zap.String("id", id), zap.String("error", reason))
	}
	return status, nil
}

// Retry moves a dead-lettered item back to pending with a fresh attempt
// budget. Only org admins may retry.
func (q *Queue) Retry(ctx context.Context, caller authz.Caller, id string) error {
	now := q.nowFunc()
	return db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		var orgID, current string
		err := tx.QueryRow(ctx, `SELECT org_id, status FROM crm_writeback_queue WHERE id = $1 FOR UPDATE`, id).
			Scan(&orgID, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "writeback: retry %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "writeback: retry %s", id)
		}
		if err := authz.CanRetryDeadLetter(caller, orgID); err != nil {
			return err
		}
		if model.QueueStatus(current) != model.QueueDeadLetter {
			return eris.Wrapf(ErrNotDeadLetter, "writeback: retry %s (%s)", id, current)
		}

		_, err = tx.Exec(ctx, `UPDATE crm_writeback_queue
			SET status = 'pending', attempts = 0, last_error = '', next_retry_at = $2, locked_until = NULL, updated_at = $2
			WHERE id = $1`,
			id, now,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicatePending, "writeback: retry %s", id)
		}
		return eris.Wrapf(err, "writeback: retry %s", id)
	})
}

// ReapExpired returns processing items whose lock has lapsed to failed, due
// immediately, or to dead_letter when their attempts are exhausted. It
// returns the number of items reaped.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.nowFunc()
	tag, err := q.pool.Exec(ctx, `UPDATE crm_writeback_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead_letter' ELSE 'failed' END,
			last_error = 'lock expired while processing', next_retry_at = $1, locked_until = NULL, updated_at = $1
		WHERE status = 'processing' AND locked_until < $1`,
		now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "writeback: reap expired")
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		metrics.ReapedItems.Add(float64(n))
		zap.L().Warn("writeback: reaped expired locks", zap.Int("count", n))
	}
	return n, nil
}

// Stats counts items per status for orgID, or across all orgs when orgID is
// empty.
func (q *Queue) Stats(ctx context.Context, orgID string) (*model.QueueStats, error) {
	var s model.QueueStats
	err := q.pool.QueryRow(ctx, `SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'dead_letter'),
			COALESCE(avg(attempts) FILTER (WHERE status = 'completed'), 0)::float8
		FROM crm_writeback_queue
		WHERE ($1 = '' OR org_id = $1)`,
		orgID,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.DeadLetter, &s.AvgCompletedRetries)
	if err != nil {
		return nil, eris.Wrap(err, "writeback: stats")
	}
	return &s, nil
}

// StaleProcessing counts processing items locked since before cutoff.
func (q *Queue) StaleProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM crm_writeback_queue
		WHERE status = 'processing' AND updated_at < $1`, cutoff).Scan(&n)
	return n, eris.Wrap(err, "writeback: count stale processing")
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+itemColumns+` FROM crm_writeback_queue WHERE id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "writeback: get %s", id)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "writeback: get %s", id)
	}
	return &items[0], nil
}

func collectItems(rows pgx.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var (
			it        model.QueueItem
			op, st    string
			dedupeKey *string
		)
		err := rows.Scan(&it.ID, &it.OrgID, &it.Source, &it.EntityType, &it.ExternalRecordID, &it.LocalRecordID, &op,
			&it.Payload, &st, &it.Priority, &it.Attempts, &it.MaxAttempts, &it.LastError, &it.NextRetryAt,
			&it.LockedUntil, &dedupeKey, &it.CreatedAt, &it.UpdatedAt, &it.CompletedAt)
		if err != nil {
			return nil, eris.Wrap(err, "writeback: scan item")
		}
		it.Operation = model.Operation(op)
		it.Status = model.QueueStatus(st)
		if dedupeKey != nil {
			it.DedupeKey = *dedupeKey
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "writeback: iterate items")
}
