package postgres

import (
	"context"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationRepository is the durable notification sink.
type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Notify(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := connFor(ctx, r.db).Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, description, chat_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, string(n.UserID), string(n.Kind), n.Title, n.Description, strPtr(n.ChatID))
	return mapPgError(err)
}
