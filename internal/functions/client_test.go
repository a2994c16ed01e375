package functions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/arcano/internal/config"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestInvokePostsWithServiceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send-email-campaign", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(4), body["campaign_id"])
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(config.Config{FunctionsBaseURL: srv.URL + "/", ServiceKey: "secret"}, discard)
	out, err := client.Invoke(context.Background(), "send-email-campaign", map[string]any{"campaign_id": 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestInvokeReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(config.Config{FunctionsBaseURL: srv.URL}, discard)
	_, err := client.Invoke(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestInvokeWithoutBaseURL(t *testing.T) {
	client := NewClient(config.Config{}, discard)
	_, err := client.Invoke(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
