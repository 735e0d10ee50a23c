package api

import (
	"net/http"

	"github.com/sells-group/autopilot/internal/authz"
)

// Identity headers set by the upstream gateway after authentication.
const (
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Org-ID"
	headerRole   = "X-Role"
)

// requireCaller builds the authz.Caller from identity headers and rejects
// requests without one.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := authz.Caller{
			UserID: r.Header.Get(headerUserID),
			OrgID:  r.Header.Get(headerOrgID),
			Role:   authz.Role(r.Header.Get(headerRole)),
		}
		if c.UserID == "" || !c.Role.Valid() {
			respondError(w, http.StatusUnauthorized, "missing or invalid caller identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.WithCaller(r.Context(), c)))
	})
}

func callerFrom(r *http.Request) authz.Caller {
	c, _ := authz.FromContext(r.Context())
	return c
}
