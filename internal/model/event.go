package model

import (
	"encoding/json"
	"time"
)

// EventType classifies a tier-related audit event.
type EventType string

const (
	EventPromotionProposed EventType = "promotion_proposed"
	EventPromotionAccepted EventType = "promotion_accepted"
	EventPromotionDeclined EventType = "promotion_declined"
	EventPromotionNever    EventType = "promotion_never"
	EventDemotionWarning   EventType = "demotion_warning"
	EventDemotionAuto      EventType = "demotion_auto"
	EventDemotionEmergency EventType = "demotion_emergency"
	EventManualOverride    EventType = "manual_override"
)

// Event is an immutable audit record of a tier occurrence. FromTier equals
// ToTier for proposals and warnings.
type Event struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	OrgID           string          `json:"org_id"`
	ActionType      string          `json:"action_type"`
	Type            EventType       `json:"event_type"`
	FromTier        Tier            `json:"from_tier"`
	ToTier          Tier            `json:"to_tier"`
	ConfidenceScore float64         `json:"confidence_score"`
	ApprovalStats   json.RawMessage `json:"approval_stats,omitempty"`
	ThresholdConfig json.RawMessage `json:"threshold_config,omitempty"`
	TriggerReason   string          `json:"trigger_reason"`
	CooldownUntil   *time.Time      `json:"cooldown_until,omitempty"`
	ActorID         string          `json:"actor_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
