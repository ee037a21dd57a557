package embedding

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "create a strength plan", req["input"])

		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	vec, err := client.Embed(context.Background(), "create a strength plan")
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestClientEmbedErrors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := NewClient(server.URL, time.Second)
		_, err := client.Embed(context.Background(), "query")
		require.Error(t, err)
		require.Contains(t, err.Error(), "503")
		require.Contains(t, err.Error(), "model overloaded")
	})

	t.Run("empty vector", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{}})
		}))
		defer server.Close()

		client := NewClient(server.URL, time.Second)
		_, err := client.Embed(context.Background(), "query")
		require.Error(t, err)
		require.Contains(t, err.Error(), "empty vector")
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := NewClient(server.URL, time.Second)
		_, err := client.Embed(context.Background(), "query")
		require.Error(t, err)
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body first: the server only notices the client
			// disconnect (and cancels r.Context()) once the request body has
			// been consumed.
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer server.Close()

		client := NewClient(server.URL, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := client.Embed(ctx, "query")
		require.Error(t, err)
	})
}

func TestClientDisabled(t *testing.T) {
	require.Nil(t, NewClient("", time.Second))

	var client *Client
	_, err := client.Embed(context.Background(), "query")
	require.Error(t, err)
}
