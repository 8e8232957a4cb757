package domain

import "time"

type NotificationKind string

const (
	NotifyChatInvite  NotificationKind = "chat_invite"
	NotifyMemberAdded NotificationKind = "chat_member_added"
	NotifyChatRemoved NotificationKind = "chat_removed"
)

type Notification struct {
	ID          string           `db:"id"`
	UserID      UserID           `db:"user_id"`
	Kind        NotificationKind `db:"kind"`
	Title       string           `db:"title"`
	Description string           `db:"description"`
	ChatID      *ChatID          `db:"chat_id"`
	CreatedAt   time.Time        `db:"created_at"`
}
