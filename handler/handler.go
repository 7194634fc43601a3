package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"neurax/internal/domain"
	"neurax/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ChatService is the application surface the routes delegate to.
type ChatService interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	ListSessions(ctx context.Context) ([]string, error)
	LoadSession(ctx context.Context, id string) ([]domain.ChatMessage, error)
	RenameSession(ctx context.Context, oldID, newName string) (usecase.RenameOutput, error)
	DeleteSession(ctx context.Context, id string) (string, error)
}

type Handler struct {
	svc ChatService
	log *slog.Logger
}

type chatRequest struct {
	Message   string               `json:"message"`
	History   []domain.ChatMessage `json:"history"`
	SessionID string               `json:"sessionId"`
}

type chatResponse struct {
	Response    string               `json:"response"`
	Tokens      int                  `json:"tokens"`
	SessionID   string               `json:"sessionId"`
	FullHistory []domain.ChatMessage `json:"fullHistory"`
}

type sessionsResponse struct {
	Sessions []string `json:"sessions"`
}

type historyResponse struct {
	History []domain.ChatMessage `json:"history"`
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

type renameResponse struct {
	Message      string `json:"message"`
	NewSessionID string `json:"new_session_id"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func NewHandler(svc ChatService, log *slog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}, nil
}

// Handle serves API Gateway proxy events with the same routes as the HTTP
// server.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID)

	var (
		status  int
		payload any
	)
	body, err := requestBody(req)
	if err != nil {
		log.WarnContext(ctx, "invalid base64 request body", "err", err)
		status, payload = http.StatusBadRequest, errorResponse{Error: "Invalid base64 body", Code: string(usecase.ErrorInvalidInput)}
	} else {
		status, payload = h.route(ctx, log, req.HTTPMethod, req.Path, body)
	}
	headers := map[string]string{correlationHeader: correlationID}

	if html, ok := payload.([]byte); ok {
		headers["Content-Type"] = "text/html; charset=utf-8"
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(html)}, nil
	}

	out, err := json.Marshal(payload)
	if err != nil {
		log.ErrorContext(ctx, "marshal response failed", "err", err)
		status = http.StatusInternalServerError
		out = []byte(`{"error":"Internal server error","code":"INTERNAL_ERROR"}`)
	}
	headers["Content-Type"] = "application/json"
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(out)}, nil
}

// sessionRoutes take the session id as the last path segment.
var sessionRoutes = []struct {
	prefix string
	method string
}{
	{"/api/load_session/", http.MethodGet},
	{"/api/rename_session/", http.MethodPost},
	{"/api/delete_session/", http.MethodDelete},
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, method, path string, body []byte) (int, any) {
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	var (
		id      string
		allowed string
	)
	switch {
	case path == "/":
		allowed = http.MethodGet
	case path == "/api/chat":
		allowed = http.MethodPost
	case path == "/api/get_sessions":
		allowed = http.MethodGet
	default:
		for _, r := range sessionRoutes {
			rest, ok := strings.CutPrefix(path, r.prefix)
			if !ok || rest == "" || strings.Contains(rest, "/") {
				continue
			}
			unescaped, err := url.PathUnescape(rest)
			if err != nil {
				return http.StatusBadRequest, errorResponse{Error: "Invalid session id", Code: string(usecase.ErrorInvalidInput)}
			}
			id, allowed, path = unescaped, r.method, r.prefix
			break
		}
	}
	if allowed == "" {
		return http.StatusNotFound, errorResponse{Error: "Not found", Code: string(usecase.ErrorNotFound)}
	}
	if method != allowed {
		return http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed", Code: string(usecase.ErrorInvalidInput)}
	}

	switch path {
	case "/":
		return http.StatusOK, indexHTML
	case "/api/chat":
		return h.chat(ctx, log, body)
	case "/api/get_sessions":
		return h.listSessions(ctx, log)
	case "/api/load_session/":
		return h.loadSession(ctx, log, id)
	case "/api/rename_session/":
		return h.renameSession(ctx, log, id, body)
	default:
		return h.deleteSession(ctx, log, id)
	}
}

func (h *Handler) chat(ctx context.Context, log *slog.Logger, body []byte) (int, any) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.WarnContext(ctx, "invalid chat request body", "err", err)
		return http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Code: string(usecase.ErrorInvalidInput)}
	}
	out, err := h.svc.Chat(ctx, usecase.ChatInput{
		Message:   req.Message,
		History:   req.History,
		SessionID: req.SessionID,
	})
	if err != nil {
		return h.fail(ctx, log, err)
	}
	history := out.History
	if history == nil {
		history = []domain.ChatMessage{}
	}
	return http.StatusOK, chatResponse{
		Response:    out.Response,
		Tokens:      out.Tokens,
		SessionID:   out.SessionID,
		FullHistory: history,
	}
}

func (h *Handler) listSessions(ctx context.Context, log *slog.Logger) (int, any) {
	ids, err := h.svc.ListSessions(ctx)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return http.StatusOK, sessionsResponse{Sessions: ids}
}

func (h *Handler) loadSession(ctx context.Context, log *slog.Logger, id string) (int, any) {
	history, err := h.svc.LoadSession(ctx, id)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	if history == nil {
		history = []domain.ChatMessage{}
	}
	return http.StatusOK, historyResponse{History: history}
}

func (h *Handler) renameSession(ctx context.Context, log *slog.Logger, id string, body []byte) (int, any) {
	var req renameRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.WarnContext(ctx, "invalid rename request body", "err", err)
		return http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Code: string(usecase.ErrorInvalidInput)}
	}
	out, err := h.svc.RenameSession(ctx, id, req.NewName)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return http.StatusOK, renameResponse{Message: out.Message, NewSessionID: out.SessionID}
}

func (h *Handler) deleteSession(ctx context.Context, log *slog.Logger, id string) (int, any) {
	msg, err := h.svc.DeleteSession(ctx, id)
	if err != nil {
		return h.fail(ctx, log, err)
	}
	return http.StatusOK, messageResponse{Message: msg}
}

func (h *Handler) fail(ctx context.Context, log *slog.Logger, err error) (int, any) {
	status, resp := errorStatus(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	var ucErr *usecase.Error
	reason := "unexpected"
	if errors.As(err, &ucErr) {
		reason = ucErr.Reason
	}
	log.Log(ctx, level, "request failed", "code", resp.Code, "reason", reason, "err", err)
	return status, resp
}

func errorStatus(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: string(usecase.ErrorInternal)}
	}
	msg := ucErr.Message
	if msg == "" {
		msg = http.StatusText(statusForCode(ucErr.Code))
	}
	return statusForCode(ucErr.Code), errorResponse{Error: msg, Code: string(ucErr.Code)}
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
