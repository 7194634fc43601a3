package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neurax/internal/domain"
)

// ---------------------------------------------------------------------------
// chatURL helper
// ---------------------------------------------------------------------------

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// resolveAPIKey
// ---------------------------------------------------------------------------

// fakeSource is a minimal TokenSource stub for use within this package.
type fakeSource struct {
	val   string
	err   error
	calls int
}

func (f *fakeSource) Token(_ context.Context) (string, error) {
	f.calls++
	return f.val, f.err
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient()
	require.Equal(t, "https://api.openai.com/v1", c.baseURL)
	require.NotNil(t, c.httpClient)
}

func TestResolveAPIKey_NoCredential(t *testing.T) {
	_, err := NewClient().resolveAPIKey(context.Background())
	require.ErrorIs(t, err, domain.ErrMissingAPIKey)
}

func TestResolveAPIKey_StaticKeyWins(t *testing.T) {
	src := &fakeSource{val: "sk-from-ssm"}
	c := NewClient(WithAPIKey(" sk-static "), WithTokenSource(src))
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-static", key)
	require.Zero(t, src.calls)
}

func TestResolveAPIKey_SourceFetchedOnce(t *testing.T) {
	src := &fakeSource{val: "sk-from-ssm"}
	c := NewClient(WithTokenSource(src))

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, src.calls, "token source must only be called once after success")
}

func TestResolveAPIKey_SourceErrorIsRetried(t *testing.T) {
	src := &fakeSource{err: errors.New("ssm unavailable")}
	c := NewClient(WithTokenSource(src))

	_, err := c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	src.err = nil
	src.val = "sk-later"
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-later", key)
	require.Equal(t, 2, src.calls)
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(
		WithAPIKey("sk-test"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
}

func testRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       "gpt-mock",
		Messages:    []domain.ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens:   150,
		Temperature: 0.8,
	}
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var got chatRequest
		require.NoError(t, json.Unmarshal(reqBody, &got))
		require.Equal(t, "gpt-mock", got.Model)
		require.Equal(t, 150, got.MaxTokens)
		require.NotNil(t, got.Temperature)
		require.InDelta(t, 0.8, *got.Temperature, 1e-9)
		require.Len(t, got.Messages, 1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "  Hello from mock\n" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", resp)
}

func TestClient_Complete_ZeroTemperatureIsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"temperature":0`)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	in := testRequest()
	in.Temperature = 0
	_, err := newTestClient(t, srv).Complete(context.Background(), in)
	require.NoError(t, err)
}

func TestClient_Complete_MissingKey(t *testing.T) {
	_, err := NewClient().Complete(context.Background(), testRequest())
	require.ErrorIs(t, err, domain.ErrMissingAPIKey)
}

func TestClient_Complete_Non200(t *testing.T) {
	cases := []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError}
	for _, status := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		c := newTestClient(t, srv)
		_, err := c.Complete(context.Background(), testRequest())
		srv.Close()

		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected status")
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
	}
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Complete(context.Background(), testRequest())
	require.Error(t, err)
}

func TestClient_Complete_NetworkError(t *testing.T) {
	c := NewClient(WithAPIKey("sk-test"), WithBaseURL("http://127.0.0.1:1"))
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err := c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

func TestClient_Complete_EmptyModel(t *testing.T) {
	_, err := NewClient(WithAPIKey("sk-test")).Complete(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}
