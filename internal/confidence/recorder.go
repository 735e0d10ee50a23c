package confidence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

// Enqueuer enqueues a write-back item inside an existing transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, q db.Querier, item model.QueueItem) (string, error)
}

// RecordInput is one signal plus an optional external write that must be
// queued atomically with it.
type RecordInput struct {
	Signal    model.Signal     `json:"signal"`
	WriteBack *model.QueueItem `json:"write_back,omitempty"`
}

// RecordResult is what RecordSignal persisted.
type RecordResult struct {
	Signal      model.Signal `json:"signal"`
	Scores      model.Scores `json:"scores"`
	WriteBackID string       `json:"write_back_id,omitempty"`
}

// Recorder inserts signals and keeps the scorer-owned snapshot fields in
// step with them.
type Recorder struct {
	pool     db.Pool
	params   Params
	catalog  map[string]bool
	enqueuer Enqueuer
	nowFunc  func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithParams overrides the scoring parameters.
func WithParams(p Params) RecorderOption {
	return func(r *Recorder) { r.params = p.withDefaults() }
}

// WithActionCatalog restricts accepted action types. An empty catalog
// accepts any action type.
func WithActionCatalog(actionTypes []string) RecorderOption {
	return func(r *Recorder) {
		if len(actionTypes) == 0 {
			r.catalog = nil
			return
		}
		r.catalog = make(map[string]bool, len(actionTypes))
		for _, a := range actionTypes {
			r.catalog[a] = true
		}
	}
}

// WithEnqueuer enables write-back items attached to signals.
func WithEnqueuer(e Enqueuer) RecorderOption {
	return func(r *Recorder) { r.enqueuer = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.nowFunc = now }
}

// NewRecorder creates a Recorder on pool.
func NewRecorder(pool db.Pool, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		pool:    pool,
		params:  DefaultParams(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ClockSkew is how far past the server clock a caller-supplied created_at
// may be.
const ClockSkew = 5 * time.Minute

func (r *Recorder) validate(s model.Signal, now time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.CreatedAt.After(now.Add(ClockSkew)) {
		return eris.Wrapf(model.ErrInvalidSignal, "created_at %s is in the future", s.CreatedAt.Format(time.RFC3339))
	}
	if r.catalog != nil && !r.catalog[s.ActionType] {
		return eris.Wrapf(model.ErrInvalidSignal, "unknown action_type %q", s.ActionType)
	}
	return nil
}

// RecordSignal validates and authorizes the signal, then inserts it,
// recomputes the pair's scores and queues any attached write-back in one
// transaction. Nothing is written if any step fails.
func (r *Recorder) RecordSignal(ctx context.Context, caller authz.Caller, in RecordInput) (*RecordResult, error) {
	sig := in.Signal
	now := r.nowFunc()
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}

	if err := r.validate(sig, now); err != nil {
		return nil, err
	}
	if err := authz.CanRecordSignal(caller, sig.UserID, sig.OrgID); err != nil {
		return nil, err
	}
	if in.WriteBack != nil {
		if r.enqueuer == nil {
			return nil, eris.New("confidence: write-back attached but no queue configured")
		}
		if in.WriteBack.OrgID == "" {
			in.WriteBack.OrgID = sig.OrgID
		}
		if in.WriteBack.OrgID != sig.OrgID {
			return nil, eris.Wrap(model.ErrInvalidSignal, "write-back org_id must match the signal")
		}
	}

	key := model.PairKey{UserID: sig.UserID, ActionType: sig.ActionType}
	res := &RecordResult{Signal: sig}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := LockPair(ctx, tx, key); err != nil {
			return err
		}
		if err := InsertSignal(ctx, tx, sig); err != nil {
			return err
		}
		scores, err := r.rescore(ctx, tx, key, sig.OrgID, now)
		if err != nil {
			return err
		}
		res.Scores = scores

		if in.WriteBack != nil {
			id, err := r.enqueuer.EnqueueTx(ctx, tx, *in.WriteBack)
			if err != nil {
				return eris.Wrap(err, "confidence: enqueue write-back")
			}
			res.WriteBackID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SignalsRecorded.WithLabelValues(string(sig.Kind)).Inc()
	metrics.ConfidenceScore.Observe(res.Scores.Score)
	zap.L().Debug("confidence: signal recorded",
		zap.String("user_id", sig.UserID),
		zap.String("action_type", sig.ActionType),
		zap.String("signal", string(sig.Kind)),
		zap.Float64("score", res.Scores.Score),
		zap.Bool("promotion_eligible", res.Scores.PromotionEligible),
	)
	return res, nil
}

// rescore loads the pair's window, computes and upserts its scores. The
// caller must hold the pair lock.
func (r *Recorder) rescore(ctx context.Context, q db.Querier, key model.PairKey, orgID string, now time.Time) (model.Scores, error) {
	signals, err := LoadSignals(ctx, q, key.UserID, key.ActionType, now.Add(-r.params.Window()), 0)
	if err != nil {
		return model.Scores{}, err
	}
	scores := r.params.Compute(signals, now)
	if err := UpsertScores(ctx, q, key, orgID, scores, now); err != nil {
		return model.Scores{}, err
	}
	return scores, nil
}

// Recompute re-runs the scorer for a pair without a new signal. Running it
// twice at the same instant yields identical scores.
func (r *Recorder) Recompute(ctx context.Context, key model.PairKey) (*model.Scores, error) {
	now := r.nowFunc()
	var out model.Scores
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := LockPair(ctx, tx, key); err != nil {
			return err
		}
		snap, err := LockSnapshot(ctx, tx, key)
		if err != nil {
			return err
		}
		orgID := ""
		if snap != nil {
			orgID = snap.OrgID
		} else {
			latest, err := LoadSignals(ctx, tx, key.UserID, key.ActionType, time.Time{}, 1)
			if err != nil {
				return err
			}
			if len(latest) == 0 {
				return ErrNotFound
			}
			orgID = latest[0].OrgID
		}

		out, err = r.rescore(ctx, tx, key, orgID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot returns a pair's snapshot after checking the caller may read it.
func (r *Recorder) Snapshot(ctx context.Context, caller authz.Caller, key model.PairKey) (*model.ConfidenceSnapshot, error) {
	snap, err := GetSnapshot(ctx, r.pool, key)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	if err := authz.CanReadSnapshot(caller, snap.UserID, snap.OrgID); err != nil {
		return nil, err
	}
	return snap, nil
}
