// Package eventlog is the append-only audit trail of tier events. Events are
// written inside the transaction that performs the tier change and are never
// updated or deleted.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

const eventSelect = `SELECT id, user_id, org_id, action_type, event_type, from_tier, to_tier,
	confidence_score, approval_stats, threshold_config, trigger_reason, cooldown_until, actor_id, created_at
	FROM autopilot_events`

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

// Append inserts e using q, which is normally the caller's transaction. A
// missing ID or CreatedAt is filled in and the stored event is returned.
func Append(ctx context.Context, q db.Querier, e model.Event) (model.Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UserID == "" || e.OrgID == "" || e.ActionType == "" || e.Type == "" {
		return e, eris.New("eventlog: user_id, org_id, action_type and event_type are required")
	}

	_, err := q.Exec(ctx,
		`INSERT INTO autopilot_events (id, user_id, org_id, action_type, event_type, from_tier, to_tier,
			confidence_score, approval_stats, threshold_config, trigger_reason, cooldown_until, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.UserID, e.OrgID, e.ActionType, string(e.Type), string(e.FromTier), string(e.ToTier),
		e.ConfidenceScore, e.ApprovalStats, e.ThresholdConfig, e.TriggerReason, e.CooldownUntil, e.ActorID, e.CreatedAt,
	)
	if err != nil {
		return e, eris.Wrapf(err, "eventlog: append %s for %s/%s", e.Type, e.UserID, e.ActionType)
	}
	return e, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID     string
	OrgID      string
	ActionType string
	Types      []model.EventType
	Since      time.Time
	Limit      int
}

// List returns matching events, newest first.
func List(ctx context.Context, q db.Querier, f Filter) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.ActionType != "" {
		add("action_type = $%d", f.ActionType)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	sql := eventSelect
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "eventlog: list")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "eventlog: iterate")
}

// Latest returns the pair's newest event of one of types, or nil.
func Latest(ctx context.Context, q db.Querier, userID, actionType string, types ...model.EventType) (*model.Event, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	row := q.QueryRow(ctx, eventSelect+`
		WHERE user_id = $1 AND action_type = $2 AND event_type = ANY($3)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		userID, actionType, names,
	)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "eventlog: latest for %s/%s", userID, actionType)
	}
	return e, nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e             model.Event
		typ, from, to string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.OrgID, &e.ActionType, &typ, &from, &to,
		&e.ConfidenceScore, &e.ApprovalStats, &e.ThresholdConfig, &e.TriggerReason, &e.CooldownUntil, &e.ActorID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "eventlog: scan")
	}
	e.Type = model.EventType(typ)
	e.FromTier = model.Tier(from)
	e.ToTier = model.Tier(to)
	return &e, nil
}

// OpenProposals returns promotion proposals not yet followed by an accept,
// decline, override or demotion for the same pair. An empty orgID spans
// every org.
func OpenProposals(ctx context.Context, q db.Querier, orgID string) ([]model.Event, error) {
	rows, err := q.Query(ctx, `SELECT id, user_id, org_id, action_type, event_type, from_tier, to_tier,
		confidence_score, approval_stats, threshold_config, trigger_reason, cooldown_until, actor_id, created_at
		FROM (
			SELECT DISTINCT ON (user_id, action_type) *
			FROM autopilot_events
			WHERE event_type = ANY($1) AND ($2 = '' OR org_id = $2)
			ORDER BY user_id, action_type, created_at DESC, id DESC
		) latest
		WHERE event_type = 'promotion_proposed'
		ORDER BY created_at`,
		proposalFamily(), orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "eventlog: open proposals")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "eventlog: iterate")
}

// ProposalFamily lists the event types that open or close a promotion
// proposal.
var ProposalFamily = []model.EventType{
	model.EventPromotionProposed,
	model.EventPromotionAccepted,
	model.EventPromotionDeclined,
	model.EventPromotionNever,
	model.EventManualOverride,
	model.EventDemotionAuto,
	model.EventDemotionEmergency,
}

func proposalFamily() []string {
	out := make([]string, len(ProposalFamily))
	for i, t := range ProposalFamily {
		out[i] = string(t)
	}
	return out
}
