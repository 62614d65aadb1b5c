package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) Service {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewClient(&config.ModelsConfig{
		Default:        "test-model",
		RequestTimeout: 5 * time.Second,
		Endpoints: []config.ModelEndpoint{
			{
				Name:    "test",
				BaseURL: server.URL,
				APIKey:  "test-key",
				Models: []config.ModelInfo{
					{ID: "test-model", Name: "Test", MaxTokens: 256},
				},
			},
		},
	}, log)
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "Hello back"}},
			},
		})
	})

	reply, err := client.Complete(context.Background(), "test-model", []models.Message{
		{Role: models.RoleSystem, Content: "p"},
		{Role: models.RoleUser, Content: "hi"},
	}, 0.7)

	require.NoError(t, err)
	assert.Equal(t, "Hello back", reply)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, float64(256), gotBody["max_tokens"])
	assert.Len(t, gotBody["messages"], 2)
}

func TestCompleteNon200IsProviderError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	})

	_, err := client.Complete(context.Background(), "test-model", nil, 0.7)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, http.StatusServiceUnavailable, providerErr.StatusCode)
	assert.Equal(t, "test-model", providerErr.Model)
}

func TestCompleteEmptyChoicesIsProviderError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	})

	_, err := client.Complete(context.Background(), "test-model", nil, 0.7)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
}

func TestCompleteUnknownModel(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := client.Complete(context.Background(), "ghost-model", nil, 0.7)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "ghost-model", providerErr.Model)
}

func TestGetModelByID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {})

	model, err := client.GetModelByID("test-model")
	require.NoError(t, err)
	assert.Equal(t, "test", model.EndpointName)

	_, err = client.GetModelByID("ghost")
	assert.Error(t, err)
}
