package domain

import "time"

// Membership is unique per (chat, user). Removing a member flips IsActive;
// rejoining re-activates the same row.
type Membership struct {
	ChatID   ChatID    `db:"chat_id"`
	UserID   UserID    `db:"user_id"`
	IsActive bool      `db:"is_active"`
	IsAdmin  bool      `db:"is_admin"`
	JoinedAt time.Time `db:"joined_at"`
}
