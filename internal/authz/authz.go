// Package authz checks an explicitly supplied caller identity against the
// operation being performed. Identity is resolved upstream; nothing here
// reads ambient session state.
package authz

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
)

// Role is the caller's privilege level.
type Role string

const (
	RoleMember        Role = "member"
	RoleAdmin         Role = "admin"
	RolePlatformAdmin Role = "platform_admin"
	RoleService       Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RolePlatformAdmin, RoleService:
		return true
	}
	return false
}

// ErrForbidden is returned when the caller may not perform an operation.
var ErrForbidden = eris.New("forbidden")

// Caller identifies who is invoking an operation.
type Caller struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   Role   `json:"role"`
}

// System is the caller used by in-process jobs (evaluator, worker, reaper).
var System = Caller{UserID: "system", Role: RoleService}

// IsPlatformAdmin reports whether c administers the whole platform.
func (c Caller) IsPlatformAdmin() bool { return c.Role == RolePlatformAdmin }

// IsService reports whether c is a trusted backend process.
func (c Caller) IsService() bool { return c.Role == RoleService }

// IsOrgAdmin reports whether c administers orgID. Platform admins
// administer every org.
func (c Caller) IsOrgAdmin(orgID string) bool {
	if c.IsPlatformAdmin() {
		return true
	}
	return c.Role == RoleAdmin && c.OrgID != "" && c.OrgID == orgID
}

func forbidden(c Caller, action string) error {
	return eris.Wrapf(ErrForbidden, "%s: user %q role %q", action, c.UserID, c.Role)
}

// CanRecordSignal allows users to record their own signals within their own
// org, and services to record on anyone's behalf.
func CanRecordSignal(c Caller, userID, orgID string) error {
	if c.IsService() {
		return nil
	}
	if c.UserID != "" && c.UserID == userID && c.OrgID == orgID {
		return nil
	}
	return forbidden(c, "record signal")
}

// CanReadSnapshot allows users to read their own snapshot and org admins to
// read any snapshot in their org.
func CanReadSnapshot(c Caller, userID, orgID string) error {
	if c.IsService() || c.IsOrgAdmin(orgID) {
		return nil
	}
	if c.UserID != "" && c.UserID == userID && c.OrgID == orgID {
		return nil
	}
	return forbidden(c, "read snapshot")
}

// CanManageThreshold allows org admins to manage their org's overrides and
// platform admins to manage platform defaults (orgID nil).
func CanManageThreshold(c Caller, orgID *string) error {
	if orgID == nil {
		if c.IsPlatformAdmin() {
			return nil
		}
		return forbidden(c, "manage platform threshold")
	}
	if c.IsOrgAdmin(*orgID) {
		return nil
	}
	return forbidden(c, "manage org threshold")
}

// CanAdministerTier allows org admins to accept, decline and override tiers.
func CanAdministerTier(c Caller, orgID string) error {
	if c.IsOrgAdmin(orgID) {
		return nil
	}
	return forbidden(c, "administer tier")
}

// CanEvaluate allows services and platform admins to trigger an evaluation
// batch.
func CanEvaluate(c Caller) error {
	if c.IsService() || c.IsPlatformAdmin() {
		return nil
	}
	return forbidden(c, "run evaluation")
}

// CanUseQueue allows services and org admins to enqueue and read queue
// items of an org.
func CanUseQueue(c Caller, orgID string) error {
	if c.IsService() || c.IsOrgAdmin(orgID) {
		return nil
	}
	return forbidden(c, "use write-back queue")
}

// CanRetryDeadLetter allows org admins to requeue dead-lettered items.
func CanRetryDeadLetter(c Caller, orgID string) error {
	if c.IsOrgAdmin(orgID) {
		return nil
	}
	return forbidden(c, "retry dead letter")
}

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

type ctxKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored by WithCaller.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}
