package salesforce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSFClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	return NewClient(sf)
}

func TestSFClient_InsertOne(t *testing.T) {
	var body map[string]any
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Contains(t, r.URL.Path, "/sobjects/Contact")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "003new", "success": true, "errors": []any{}})
	}))

	id, err := client.InsertOne(context.Background(), "Contact", map[string]any{"LastName": "Doe"})
	require.NoError(t, err)
	assert.Equal(t, "003new", id)
	assert.Equal(t, "Doe", body["LastName"])
}

func TestSFClient_InsertOne_Unsuccessful(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "",
			"success": false,
			"errors":  []map[string]any{{"message": "required field missing"}},
		})
	}))

	_, err := client.InsertOne(context.Background(), "Account", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert Account failed")
}

func TestSFClient_UpdateOne(t *testing.T) {
	var body map[string]any
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusNoContent)
	}))

	fields := map[string]any{"Industry": "Technology"}
	require.NoError(t, client.UpdateOne(context.Background(), "Account", "001xx", fields))
	assert.Equal(t, "Technology", body["Industry"])
	assert.NotContains(t, fields, "Id")
}

func TestSFClient_UpdateOne_Error(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid field", "errorCode": "INVALID_FIELD"},
		})
	}))

	err := client.UpdateOne(context.Background(), "Account", "001xx", map[string]any{"BadField": "value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: update Account 001xx")
}
