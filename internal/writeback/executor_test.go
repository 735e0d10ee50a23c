package writeback

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/resilience"
	"github.com/sells-group/autopilot/pkg/salesforce/mocks"
)

func sfItem(op model.Operation, externalID string) model.QueueItem {
	it := newItem()
	it.ID = "item-1"
	it.Operation = op
	if externalID != "" {
		it.ExternalRecordID = &externalID
	}
	return it
}

var doeFields = map[string]any{"LastName": "Doe"}

func TestSalesforceExecutor_Create(t *testing.T) {
	sf := mocks.NewMockClient(t)
	sf.On("InsertOne", mock.Anything, "Contact", doeFields).Return("003new", nil).Once()

	id, err := NewSalesforceExecutor(sf).Execute(context.Background(), sfItem(model.OpCreate, ""))
	require.NoError(t, err)
	assert.Equal(t, "003new", id)
}

func TestSalesforceExecutor_Update(t *testing.T) {
	sf := mocks.NewMockClient(t)
	sf.On("UpdateOne", mock.Anything, "Contact", "003old", doeFields).Return(nil).Once()

	id, err := NewSalesforceExecutor(sf).Execute(context.Background(), sfItem(model.OpUpdate, "003old"))
	require.NoError(t, err)
	assert.Equal(t, "003old", id)
}

func TestSalesforceExecutor_Upsert(t *testing.T) {
	sf := mocks.NewMockClient(t)
	sf.On("UpdateOne", mock.Anything, "Contact", "003old", doeFields).Return(nil).Once()
	sf.On("InsertOne", mock.Anything, "Contact", doeFields).Return("003new", nil).Once()
	e := NewSalesforceExecutor(sf)

	id, err := e.Execute(context.Background(), sfItem(model.OpUpsert, "003old"))
	require.NoError(t, err)
	assert.Equal(t, "003old", id)

	id, err = e.Execute(context.Background(), sfItem(model.OpUpsert, ""))
	require.NoError(t, err)
	assert.Equal(t, "003new", id)
}

func TestSalesforceExecutor_PropagatesClientError(t *testing.T) {
	sf := mocks.NewMockClient(t)
	sf.On("InsertOne", mock.Anything, "Contact", doeFields).
		Return("", resilience.NewTransientError(eris.New("sf: insert Contact: 503"), 503)).Once()

	_, err := NewSalesforceExecutor(sf).Execute(context.Background(), sfItem(model.OpCreate, ""))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSalesforceExecutor_Permanent(t *testing.T) {
	sf := mocks.NewMockClient(t)
	e := NewSalesforceExecutor(sf)
	ctx := context.Background()

	_, err := e.Execute(ctx, sfItem(model.OpUpdate, ""))
	assert.True(t, resilience.IsPermanent(err))

	bad := sfItem(model.OpCreate, "")
	bad.Payload = json.RawMessage(`[1,2]`)
	_, err = e.Execute(ctx, bad)
	assert.True(t, resilience.IsPermanent(err))

	empty := sfItem(model.OpCreate, "")
	empty.Payload = json.RawMessage(`{}`)
	_, err = e.Execute(ctx, empty)
	assert.True(t, resilience.IsPermanent(err))

	sf.AssertNotCalled(t, "InsertOne", mock.Anything, mock.Anything, mock.Anything)
	sf.AssertNotCalled(t, "UpdateOne", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
