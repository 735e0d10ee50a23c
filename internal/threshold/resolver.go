package threshold

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

// Pick applies the resolution rule to the candidate rows for one key: an
// enabled org row wins outright, otherwise an enabled platform row, otherwise
// nothing. Rows are never merged.
func Pick(candidates []model.Threshold, orgID string) *model.Threshold {
	var org, platform *model.Threshold
	for i := range candidates {
		c := &candidates[i]
		switch {
		case c.OrgID == nil:
			platform = c
		case *c.OrgID == orgID:
			org = c
		}
	}
	if org != nil && org.Enabled {
		return org
	}
	if platform != nil && platform.Enabled {
		return platform
	}
	return nil
}

// Resolver returns the effective threshold for an org, optionally through a
// cache.
type Resolver struct {
	store *Store
	cache Cache
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(store *Store, cache Cache) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// Resolve returns the effective threshold for orgID's from→to transition
// of actionType, or nil when none applies.
func (r *Resolver) Resolve(ctx context.Context, orgID, actionType string, from, to model.Tier) (*model.Threshold, error) {
	key := model.ThresholdKey{ActionType: actionType, FromTier: from, ToTier: to}

	if r.cache != nil {
		th, found, err := r.cache.Get(ctx, orgID, key)
		if err != nil {
			zap.L().Warn("threshold: cache get failed", zap.String("key", key.String()), zap.Error(err))
		} else if found {
			metrics.ThresholdCache.WithLabelValues("hit").Inc()
			return th, nil
		}
		metrics.ThresholdCache.WithLabelValues("miss").Inc()
	}

	candidates, err := r.store.Candidates(ctx, orgID, key)
	if err != nil {
		return nil, err
	}
	th := Pick(candidates, orgID)

	if r.cache != nil {
		if err := r.cache.Set(ctx, orgID, key, th); err != nil {
			zap.L().Warn("threshold: cache set failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return th, nil
}

// Save authorizes and upserts t, then drops any cached resolution that may
// depend on it.
func (r *Resolver) Save(ctx context.Context, caller authz.Caller, t model.Threshold) (string, error) {
	if err := authz.CanManageThreshold(caller, t.OrgID); err != nil {
		return "", err
	}
	id, err := r.store.Upsert(ctx, t)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, t.ThresholdKey); err != nil {
			return id, eris.Wrap(err, "threshold: invalidate cache")
		}
	}
	return id, nil
}

// List authorizes and lists thresholds. Org admins see their org's rows plus
// the platform defaults.
func (r *Resolver) List(ctx context.Context, caller authz.Caller, f ListFilter) ([]model.Threshold, error) {
	if f.OrgID != "" && !caller.IsOrgAdmin(f.OrgID) && !caller.IsService() {
		return nil, eris.Wrap(authz.ErrForbidden, "list thresholds")
	}
	return r.store.List(ctx, f)
}
