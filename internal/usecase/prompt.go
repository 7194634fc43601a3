package usecase

import (
	"errors"
	"fmt"

	"neurax/internal/domain"
)

// DefaultPersona is the system instruction prepended to every chat request.
const DefaultPersona = "You are 'NeuraX', a  AI assistant. "

const titleInstruction = "You are a title generator. Create a very short title (max 5 words, lowercase, separate words with hyphens) for a chat conversation based on the user's first message."

const missingKeyReply = "Please set the AI_API_KEY environment variable to use the chat functionality."

func buildChatMessages(persona string, history []domain.ChatMessage) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: persona})
	return append(messages, history...)
}

func buildTitleMessages(firstMessage string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: titleInstruction},
		{Role: domain.RoleUser, Content: firstMessage},
	}
}

// upstreamReply is the assistant text shown in place of a reply the
// completion client could not produce.
func upstreamReply(err error) string {
	if errors.Is(err, domain.ErrMissingAPIKey) {
		return missingKeyReply
	}
	return fmt.Sprintf("An error occurred while communicating with the AI: %v", err)
}
