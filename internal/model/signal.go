package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SignalKind is the outcome a user (or an automated process) gave to a
// proposed action.
type SignalKind string

const (
	SignalApproved       SignalKind = "approved"
	SignalApprovedEdited SignalKind = "approved_edited"
	SignalRejected       SignalKind = "rejected"
	SignalExpired        SignalKind = "expired"
	SignalUndone         SignalKind = "undone"
	SignalAutoExecuted   SignalKind = "auto_executed"
	SignalAutoUndone     SignalKind = "auto_undone"
)

// SignalKinds lists every recognised kind in a stable order.
var SignalKinds = []SignalKind{
	SignalApproved,
	SignalApprovedEdited,
	SignalRejected,
	SignalExpired,
	SignalUndone,
	SignalAutoExecuted,
	SignalAutoUndone,
}

// Valid reports whether k is a recognised signal kind.
func (k SignalKind) Valid() bool {
	for _, known := range SignalKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsApproval reports whether k counts toward the approved counter.
func (k SignalKind) IsApproval() bool {
	return k == SignalApproved || k == SignalApprovedEdited
}

// IsUndo reports whether k counts toward the undone counter.
func (k SignalKind) IsUndo() bool {
	return k == SignalUndone || k == SignalAutoUndone
}

// ErrInvalidSignal is returned when a signal fails validation.
var ErrInvalidSignal = eris.New("invalid signal")

// Signal is one observed outcome for one proposed action. Signals are
// immutable once written.
type Signal struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	OrgID         string         `json:"org_id"`
	ActionType    string         `json:"action_type"`
	Kind          SignalKind     `json:"signal"`
	RubberStamp   bool           `json:"rubber_stamp"`
	TimeToRespond *time.Duration `json:"time_to_respond,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsCleanApproval reports whether the signal is a plain approval that was
// not flagged as a rubber stamp.
func (s Signal) IsCleanApproval() bool {
	return s.Kind == SignalApproved && !s.RubberStamp
}

// Validate checks the fields every signal must carry.
func (s Signal) Validate() error {
	switch {
	case s.UserID == "":
		return eris.Wrap(ErrInvalidSignal, "user_id is required")
	case s.OrgID == "":
		return eris.Wrap(ErrInvalidSignal, "org_id is required")
	case s.ActionType == "":
		return eris.Wrap(ErrInvalidSignal, "action_type is required")
	case !s.Kind.Valid():
		return eris.Wrapf(ErrInvalidSignal, "unknown signal kind %q", s.Kind)
	case s.TimeToRespond != nil && *s.TimeToRespond < 0:
		return eris.Wrap(ErrInvalidSignal, "time_to_respond must be >= 0")
	}
	return nil
}
