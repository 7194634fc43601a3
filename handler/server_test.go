package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"neurax/internal/domain"
	"neurax/internal/usecase"
)

func serve(t *testing.T, svc *stubService, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := NewServer(newTestHandler(t, svc))
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Chat(t *testing.T) {
	svc := &stubService{chatOut: usecase.ChatOutput{
		Response:  "Hi!",
		Tokens:    2,
		SessionID: "greetings",
		History:   []domain.ChatMessage{{Role: "user", Content: "Hello there"}, {Role: "assistant", Content: "Hi!"}},
	}}

	rec := serve(t, svc, http.MethodPost, "/api/chat",
		`{"message":"Hello there","history":[{"role":"system","content":"be brief"}],"sessionId":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "x", svc.chatIn.SessionID)
	require.Len(t, svc.chatIn.History, 1)

	out := decode[chatResponse](t, rec)
	require.Equal(t, "greetings", out.SessionID)
	require.Len(t, out.FullHistory, 2)
}

func TestServer_ChatInvalidJSON(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodPost, "/api/chat", `{"message":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(usecase.ErrorInvalidInput), decode[errorResponse](t, rec).Code)
}

func TestServer_SessionRoutes(t *testing.T) {
	svc := &stubService{
		sessions:  []string{"one", "two"},
		history:   []domain.ChatMessage{{Role: "user", Content: "hi"}},
		renameOut: usecase.RenameOutput{SessionID: "three", Message: "Session renamed from one to three"},
		deleteMsg: "Session two deleted successfully.",
	}

	rec := serve(t, svc, http.MethodGet, "/api/get_sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"one", "two"}, decode[sessionsResponse](t, rec).Sessions)

	rec = serve(t, svc, http.MethodGet, "/api/load_session/one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "one", svc.loadID)

	rec = serve(t, svc, http.MethodPost, "/api/rename_session/one", `{"new_name":"three"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "three", decode[renameResponse](t, rec).NewSessionID)
	require.Equal(t, "one", svc.renameOld)

	rec = serve(t, svc, http.MethodDelete, "/api/delete_session/two", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "two", svc.deleteID)
}

func TestServer_EncodedSessionIDs(t *testing.T) {
	cases := []struct {
		target string
		want   string
	}{
		{"/api/load_session/notes%20%28v2%29%2Fdraft", "notes (v2)/draft"},
		{"/api/load_session/what%27s%20up%3F", "what's up?"},
		{"/api/load_session/what's%20up%3F", "what's up?"},
		{"/api/load_session/plain-id", "plain-id"},
	}
	for _, tc := range cases {
		t.Run(tc.target, func(t *testing.T) {
			svc := &stubService{}
			rec := serve(t, svc, http.MethodGet, tc.target, "")
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, tc.want, svc.loadID)
		})
	}

	svc := &stubService{renameOut: usecase.RenameOutput{SessionID: "draft", Message: "ok"}}
	rec := serve(t, svc, http.MethodPost, "/api/rename_session/notes%20%28v2%29%2Fdraft", `{"new_name":"draft"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "notes (v2)/draft", svc.renameOld)

	svc = &stubService{deleteMsg: "gone"}
	rec = serve(t, svc, http.MethodDelete, "/api/delete_session/what%27s%20up%3F", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "what's up?", svc.deleteID)
}

func TestServer_NotFoundFromService(t *testing.T) {
	svc := &stubService{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found", Message: "Session not found"}}

	rec := serve(t, svc, http.MethodGet, "/api/load_session/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	out := decode[errorResponse](t, rec)
	require.Equal(t, "Session not found", out.Error)
	require.Equal(t, string(usecase.ErrorNotFound), out.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(usecase.ErrorNotFound), decode[errorResponse](t, rec).Code)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestServer_Index(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "/api/get_sessions")
}

func TestServer_EchoesCorrelationID(t *testing.T) {
	e := NewServer(newTestHandler(t, &stubService{}))
	req := httptest.NewRequest(http.MethodGet, "/api/get_sessions", nil)
	req.Header.Set("X-Correlation-Id", "corr-9")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, "corr-9", rec.Header().Get("X-Correlation-Id"))
}
