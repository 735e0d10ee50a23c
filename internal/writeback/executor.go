package writeback

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/resilience"
	"github.com/sells-group/autopilot/pkg/salesforce"
)

// Executor performs one queue item's external write and returns the
// external record id. Errors should be marked with resilience.Permanent when
// retrying cannot help.
type Executor interface {
	Execute(ctx context.Context, item model.QueueItem) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item model.QueueItem) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, item model.QueueItem) (string, error) {
	return f(ctx, item)
}

// SourceSalesforce is the queue source handled by SalesforceExecutor.
const SourceSalesforce = "salesforce"

// SalesforceExecutor writes queue items to Salesforce. entity_type is the
// SObject name and the payload is the field map.
type SalesforceExecutor struct {
	client salesforce.Client
}

// NewSalesforceExecutor creates a SalesforceExecutor.
func NewSalesforceExecutor(client salesforce.Client) *SalesforceExecutor {
	return &SalesforceExecutor{client: client}
}

// Execute creates or updates the record. An upsert updates when the item
// already knows its external id and creates otherwise.
func (e *SalesforceExecutor) Execute(ctx context.Context, item model.QueueItem) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(item.Payload, &fields); err != nil {
		return "", resilience.Permanent(eris.Wrapf(err, "writeback: decode payload for %s", item.ID))
	}
	if len(fields) == 0 {
		return "", resilience.Permanentf("writeback: empty payload for %s", item.ID)
	}

	externalID := ""
	if item.ExternalRecordID != nil {
		externalID = *item.ExternalRecordID
	}

	switch item.Operation {
	case model.OpCreate:
		return e.client.InsertOne(ctx, item.EntityType, fields)
	case model.OpUpdate:
		if externalID == "" {
			return "", resilience.Permanentf("writeback: update %s without external_record_id", item.ID)
		}
		return externalID, e.client.UpdateOne(ctx, item.EntityType, externalID, fields)
	case model.OpUpsert:
		if externalID != "" {
			return externalID, e.client.UpdateOne(ctx, item.EntityType, externalID, fields)
		}
		return e.client.InsertOne(ctx, item.EntityType, fields)
	}
	return "", resilience.Permanentf("writeback: unsupported operation %q", item.Operation)
}
