package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/eventlog"
	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/threshold"
)

func pairFrom(r *http.Request) model.PairKey {
	return model.PairKey{UserID: chi.URLParam(r, "userID"), ActionType: chi.URLParam(r, "actionType")}
}

func (s *Server) handleRecordSignal(w http.ResponseWriter, r *http.Request) {
	var in confidence.RecordInput
	if err := decode(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.WriteBack != nil {
		if err := in.WriteBack.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	res, err := s.deps.Signals.RecordSignal(r.Context(), callerFrom(r), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var key model.PairKey
	if err := decode(r, &key); err != nil || key.UserID == "" || key.ActionType == "" {
		respondError(w, http.StatusBadRequest, "user_id and action_type are required")
		return
	}
	if err := authz.CanEvaluate(callerFrom(r)); err != nil {
		respondErr(w, err)
		return
	}
	scores, err := s.deps.Signals.Recompute(r.Context(), key)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, scores)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Signals.Snapshot(r.Context(), callerFrom(r), pairFrom(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := threshold.ListFilter{
		OrgID:           q.Get("org_id"),
		ActionType:      q.Get("action_type"),
		IncludeDefaults: q.Get("include_defaults") != "false",
	}
	rows, err := s.deps.Thresholds.List(r.Context(), callerFrom(r), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"thresholds": rows})
}

func (s *Server) handleSaveThreshold(w http.ResponseWriter, r *http.Request) {
	var t model.Threshold
	if err := decode(r, &t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := t.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Thresholds.Save(r.Context(), callerFrom(r), t)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleResolveThreshold(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID, action := q.Get("org_id"), q.Get("action_type")
	from, err := model.ParseTier(q.Get("from"))
	if err != nil || orgID == "" || action == "" {
		respondError(w, http.StatusBadRequest, "org_id, action_type, from and to are required")
		return
	}
	to, err := model.ParseTier(q.Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c := callerFrom(r); !c.IsService() && !c.IsOrgAdmin(orgID) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	th, err := s.deps.Thresholds.Resolve(r.Context(), orgID, action, from, to)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"threshold": th})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if err := authz.CanEvaluate(callerFrom(r)); err != nil {
		respondErr(w, err)
		return
	}
	sum, err := s.deps.Tiers.EvaluateAll(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type adminRequest struct {
	Never  bool       `json:"never"`
	Tier   model.Tier `json:"tier"`
	Reason string     `json:"reason"`
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, c authz.Caller, key model.PairKey, req adminRequest) (*model.Event, error)) {
	var req adminRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ev, err := fn(r.Context(), callerFrom(r), pairFrom(r), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, c authz.Caller, key model.PairKey, _ adminRequest) (*model.Event, error) {
		return s.deps.Tiers.AcceptProposal(ctx, c, key)
	})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, c authz.Caller, key model.PairKey, req adminRequest) (*model.Event, error) {
		return s.deps.Tiers.DeclinePromotion(ctx, c, key, req.Never, req.Reason)
	})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Tier.Valid() || req.Reason == "" {
		respondError(w, http.StatusBadRequest, "a valid tier and a reason are required")
		return
	}
	ev, err := s.deps.Tiers.ManualOverride(r.Context(), callerFrom(r), pairFrom(r), req.Tier, req.Reason)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleNeverPromote(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, c authz.Caller, key model.PairKey, req adminRequest) (*model.Event, error) {
		return s.deps.Tiers.SetNeverPromote(ctx, c, key, req.Never)
	})
}

// handleListEvents scopes the filter to what the caller may see: members
// their own events, org admins their org.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventlog.Filter{
		UserID:     q.Get("user_id"),
		OrgID:      q.Get("org_id"),
		ActionType: q.Get("action_type"),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, model.EventType(t))
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	c := callerFrom(r)
	switch {
	case c.IsPlatformAdmin(), c.IsService():
	case c.IsOrgAdmin(c.OrgID):
		f.OrgID = c.OrgID
	default:
		f.OrgID = c.OrgID
		f.UserID = c.UserID
	}

	events, err := s.deps.Events.List(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var item model.QueueItem
	if err := decode(r, &item); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := item.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Queue.Enqueue(r.Context(), callerFrom(r), item)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if err := authz.CanUseQueue(callerFrom(r), orgID); err != nil {
		respondErr(w, err)
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context(), orgID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Retry(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// PoolEvents lists events from a database pool.
type PoolEvents struct {
	Q db.Querier
}

// List implements Events.
func (p PoolEvents) List(ctx context.Context, f eventlog.Filter) ([]model.Event, error) {
	return eventlog.List(ctx, p.Q, f)
}
