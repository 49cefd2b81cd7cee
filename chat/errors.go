package chat

import "errors"

var (
	// ErrEmptyMessage rejects requests with a missing or blank message before
	// anything is persisted.
	ErrEmptyMessage = errors.New("chat: message is required")

	// ErrConversationNotFound covers stale ids and ids belonging to another
	// user or session.
	ErrConversationNotFound = errors.New("chat: conversation not found")

	// ErrConversationClosed rejects new messages into a closed conversation.
	ErrConversationClosed = errors.New("chat: conversation is closed")

	// ErrInvalidRating rejects ratings outside 1..5.
	ErrInvalidRating = errors.New("chat: rating must be between 1 and 5")
)
