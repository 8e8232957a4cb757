package domain

import (
	"strings"
	"time"
)

type MessageID string

// Message is the stored, server-authoritative representation of a chat
// message. SentAt is strictly increasing within a chat and Seq follows it.
type Message struct {
	ID          MessageID  `db:"id"`
	ChatID      ChatID     `db:"chat_id"`
	SenderID    *UserID    `db:"sender_id"`
	Content     *string    `db:"content"`
	Voice       []byte     `db:"voice"`
	ReplyTo     *MessageID `db:"reply_to"`
	ForwardFrom *MessageID `db:"forward_from"`
	Seq         int64      `db:"seq"`
	IsEdited    bool       `db:"is_edited"`
	SentAt      time.Time  `db:"sent_at"`
}

// NewMessage is the input of an append.
type NewMessage struct {
	ChatID      ChatID
	SenderID    UserID
	Content     *string
	Voice       []byte
	ReplyTo     *MessageID
	ForwardFrom *MessageID
}

// Normalize trims the text content and drops it when blank.
func (m *NewMessage) Normalize() {
	if m.Content == nil {
		return
	}
	s := strings.TrimSpace(*m.Content)
	if s == "" {
		m.Content = nil
		return
	}
	m.Content = &s
}

func (m NewMessage) Empty() bool {
	return (m.Content == nil || *m.Content == "") && len(m.Voice) == 0
}
