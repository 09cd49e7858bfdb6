package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return &Client{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, srv
}

func sseBody(chunks ...string) string {
	var out string
	for _, c := range chunks {
		out += fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
	}
	out += "data: [DONE]\n\n"
	return out
}

func TestStreamCompletion(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody("Hel", "lo ", "world"))
	})
	defer srv.Close()

	var deltas []string
	full, err := client.StreamCompletion(context.Background(), "nebula-mini",
		[]Message{{Role: "user", Content: "hi"}},
		func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", full)
	assert.Equal(t, []string{"Hel", "lo ", "world"}, deltas)
}

func TestStreamCompletionSkipsMalformedFrames(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, sseBody("ok"))
	})
	defer srv.Close()

	full, err := client.StreamCompletion(context.Background(), "nebula-mini", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", full)
}

func TestStreamCompletionServerError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := client.StreamCompletion(context.Background(), "nebula-mini", nil, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestStreamCompletionClientError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	})
	defer srv.Close()

	_, err := client.StreamCompletion(context.Background(), "nebula-mini", nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestStreamCompletionOnChunkAbort(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody("one", "two", "three"))
	})
	defer srv.Close()

	stop := fmt.Errorf("client went away")
	full, err := client.StreamCompletion(context.Background(), "nebula-mini", nil,
		func(delta string) error {
			if delta == "two" {
				return stop
			}
			return nil
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "onetwo", full)
}

func TestStreamCompletionStopsWhenContextCanceled(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// Upstream goes silent; only cancellation can unblock the reader.
		<-r.Context().Done()
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	full, err := client.StreamCompletion(ctx, "nebula-mini", nil,
		func(delta string) error {
			cancel()
			return nil
		})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, "one", full)
}
