package domain

// Session is a named, ordered conversation history.
type Session struct {
	ID      string
	History []ChatMessage
}
