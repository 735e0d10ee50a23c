package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// QueueStatus is the lifecycle state of a write-back item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueDeadLetter QueueStatus = "dead_letter"
)

// Operation is the kind of external write a queue item performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
)

// Valid reports whether op is a supported operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpUpsert:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when an item is enqueued without a retry budget.
const DefaultMaxAttempts = 5

// DefaultPriority is assigned to items enqueued without a priority. Lower
// values are claimed first; zero is the most urgent.
const DefaultPriority = 100

// PriorityUnset asks the queue to assign DefaultPriority. Any negative
// priority is treated the same way.
const PriorityUnset = -1

// QueueItem is one pending external write.
type QueueItem struct {
	ID               string          `json:"id"`
	OrgID            string          `json:"org_id"`
	Source           string          `json:"source"`
	EntityType       string          `json:"entity_type"`
	ExternalRecordID *string         `json:"external_record_id,omitempty"`
	LocalRecordID    string          `json:"local_record_id"`
	Operation        Operation       `json:"operation"`
	Payload          json.RawMessage `json:"payload"`
	Status           QueueStatus     `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	LastError        string          `json:"last_error,omitempty"`
	NextRetryAt      time.Time       `json:"next_retry_at"`
	LockedUntil      *time.Time      `json:"locked_until,omitempty"`
	DedupeKey        string          `json:"dedupe_key,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// UnmarshalJSON decodes q, defaulting priority to DefaultPriority when the
// field is absent so that an explicit 0 survives.
func (q *QueueItem) UnmarshalJSON(b []byte) error {
	type plain QueueItem
	p := plain{Priority: DefaultPriority}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = QueueItem(p)
	return nil
}

// Validate checks the fields an enqueue caller must supply.
func (q QueueItem) Validate() error {
	switch {
	case q.OrgID == "":
		return eris.New("queue item: org_id is required")
	case q.Source == "":
		return eris.New("queue item: source is required")
	case q.EntityType == "":
		return eris.New("queue item: entity_type is required")
	case !q.Operation.Valid():
		return eris.Errorf("queue item: unsupported operation %q", q.Operation)
	case q.MaxAttempts < 0:
		return eris.New("queue item: max_attempts must be >= 0")
	}
	if len(q.Payload) > 0 && !json.Valid(q.Payload) {
		return eris.New("queue item: payload must be valid JSON")
	}
	return nil
}

// QueueStats aggregates queue depth for monitoring.
type QueueStats struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	DeadLetter          int     `json:"dead_letter"`
	AvgCompletedRetries float64 `json:"avg_completed_retries"`
}

// Total returns the number of items across all statuses.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.DeadLetter
}
