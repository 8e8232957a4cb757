package service

import (
	"context"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

type ChatRepository interface {
	// Create stores the chat together with the creator's admin membership.
	Create(ctx context.Context, chat *domain.Chat) error
	Get(ctx context.Context, id domain.ChatID) (*domain.Chat, error)
	ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Chat, error)
	// Rename sets or clears the chat name.
	Rename(ctx context.Context, id domain.ChatID, name *string) (*domain.Chat, error)
	// Delete removes the chat with its memberships and messages.
	Delete(ctx context.Context, id domain.ChatID) error
}

type MemberRepository interface {
	// Get returns domain.ErrNotMember when no row exists, active or not.
	Get(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (*domain.Membership, error)
	// Activate inserts an active membership or re-activates an existing row.
	Activate(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error
	// Deactivate reports false when there was no active membership.
	Deactivate(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error)
	ListActive(ctx context.Context, chatID domain.ChatID) ([]domain.Membership, error)
	// SetAdmin changes the admin flag of an active membership. Demoting the
	// last active admin fails with domain.ErrLastAdmin.
	SetAdmin(ctx context.Context, chatID domain.ChatID, userID domain.UserID, admin bool) error
}

type MessageRepository interface {
	// Append is not idempotent: every call stores a new row.
	Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)
	Get(ctx context.Context, id domain.MessageID) (*domain.Message, error)
	History(ctx context.Context, chatID domain.ChatID, before string, limit int) ([]domain.Message, string, error)
	UpdateContent(ctx context.Context, id domain.MessageID, content string) (*domain.Message, error)
	// Delete removes the message. Replies and forwards that pointed at it
	// keep their own rows with the reference cleared.
	Delete(ctx context.Context, id domain.MessageID) error
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}
