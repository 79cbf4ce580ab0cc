package chat

import "errors"

var (
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	ErrEmptyContent         = errors.New("chat: message content is empty")
	ErrContentTooLong       = errors.New("chat: message content too long")
	ErrInvalidCounterpart   = errors.New("chat: invalid counterpart")
	ErrMessageNotFound      = errors.New("chat: message not found")
	ErrNotRetryable         = errors.New("chat: message is not retryable")
	ErrMessagePending       = errors.New("chat: message is still being sent")
)
