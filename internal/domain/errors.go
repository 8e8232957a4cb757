package domain

import "errors"

var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMember        = errors.New("user is not an active member of the chat")
	ErrNotAdmin         = errors.New("user is not a chat admin")
	ErrLastAdmin        = errors.New("chat must keep at least one admin")
	ErrAlreadyExists    = errors.New("already exists")
	ErrMalformedInput   = errors.New("malformed input")
	ErrEmptyMessage     = errors.New("message has neither content nor voice")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInvalidReference = errors.New("referenced message is not accessible")
	ErrNotSender        = errors.New("only the sender can edit a message")
)
