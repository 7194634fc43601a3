package domain

import "errors"

// Roles accepted in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrMissingAPIKey is returned by completion clients that have no credential
// configured.
var ErrMissingAPIKey = errors.New("completion API key is not configured")

// ChatMessage is the provider-agnostic chat message shape used by the handler,
// the session store and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// CompletionRequest describes a single chat-completion call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Session store errors shared by every backend.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)
