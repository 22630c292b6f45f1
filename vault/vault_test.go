package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/scp/logging"
)

func TestResolveReadsKV2NestedField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/slack", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{"token": "xoxb-123"},
			},
		})
	}))
	defer server.Close()

	client, err := New(server.URL, "test-token", true, logging.NoOp{})
	require.NoError(t, err)

	value, err := client.Resolve(context.Background(), "secret/data/slack#token")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-123", value)
}

func TestResolveDefaultsToValueField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"value": "sk-abc"},
		})
	}))
	defer server.Close()

	client, err := New(server.URL, "test-token", true, logging.NoOp{})
	require.NoError(t, err)

	value, err := client.Resolve(context.Background(), "secret/llm/anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", value)
}

func TestResolveMissingFieldErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"other": "x"},
		})
	}))
	defer server.Close()

	client, err := New(server.URL, "test-token", true, logging.NoOp{})
	require.NoError(t, err)

	_, err = client.Resolve(context.Background(), "secret/data/slack#token")
	assert.Error(t, err)
}

func TestDisabledClientAlwaysFails(t *testing.T) {
	client, err := New("", "", false, logging.NoOp{})
	require.NoError(t, err)

	_, err = client.Resolve(context.Background(), "secret/data/slack#token")
	assert.Error(t, err)
}

func TestResolveSecretsResolvesEveryRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": map[string]interface{}{"apiKey": "sk-xyz"}},
		})
	}))
	defer server.Close()

	client, err := New(server.URL, "test-token", true, logging.NoOp{})
	require.NoError(t, err)

	secrets, err := client.ResolveSecrets(context.Background(), map[string]string{"apiKey": "secret/data/anthropic#apiKey"})
	require.NoError(t, err)
	assert.Equal(t, "sk-xyz", secrets["apiKey"])
}
