package domain

import "time"

type ChatID string

type UserID string

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatPrivate, ChatGroup, ChatChannel:
		return true
	}
	return false
}

type Chat struct {
	ID        ChatID    `db:"id"`
	Name      *string   `db:"name"`
	CreatorID *UserID   `db:"creator_id"`
	Type      ChatType  `db:"chat_type"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}
