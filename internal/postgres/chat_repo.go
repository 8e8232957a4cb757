package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	db *pgxpool.Pool
}

func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

const chatColumns = `id, name, creator_id, chat_type, is_active, created_at`

// Create inserts the chat and, when it has a creator, the creator's admin
// membership in the same transaction.
func (r *ChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	tx, err := connFor(ctx, r.db).Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO chats (id, name, creator_id, chat_type, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, string(chat.ID), chat.Name, strPtr(chat.CreatorID), string(chat.Type), chat.IsActive).Scan(&chat.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}

	if chat.CreatorID != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_members (chat_id, user_id, is_active, is_admin)
			VALUES ($1, $2, true, true)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`, string(chat.ID), string(*chat.CreatorID)); err != nil {
			return mapPgError(err)
		}
	}

	return tx.Commit(ctx)
}

func (r *ChatRepository) Get(ctx context.Context, id domain.ChatID) (*domain.Chat, error) {
	row := connFor(ctx, r.db).QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, string(id))
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListForUser returns the chats where userID has an active membership.
func (r *ChatRepository) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Chat, error) {
	rows, err := connFor(ctx, r.db).Query(ctx, `
		SELECT c.id, c.name, c.creator_id, c.chat_type, c.is_active, c.created_at
		FROM chats AS c
		JOIN chat_members AS m ON m.chat_id = c.id
		WHERE m.user_id = $1 AND m.is_active
		ORDER BY c.created_at DESC, c.id DESC
	`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Chat, 0, 16)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *ChatRepository) Rename(ctx context.Context, id domain.ChatID, name *string) (*domain.Chat, error) {
	row := connFor(ctx, r.db).QueryRow(ctx, `UPDATE chats SET name=$2 WHERE id=$1 RETURNING `+chatColumns, string(id), name)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return c, nil
}

// Delete removes the chat; memberships and messages go with it through
// ON DELETE CASCADE and notifications keep a NULL chat_id.
func (r *ChatRepository) Delete(ctx context.Context, id domain.ChatID) error {
	tag, err := connFor(ctx, r.db).Exec(ctx, `DELETE FROM chats WHERE id=$1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}

func scanChat(row pgx.Row) (*domain.Chat, error) {
	var (
		c         domain.Chat
		id        string
		creatorID *string
		chatType  string
	)
	if err := row.Scan(&id, &c.Name, &creatorID, &chatType, &c.IsActive, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ID = domain.ChatID(id)
	c.CreatorID = typedPtr[domain.UserID](creatorID)
	c.Type = domain.ChatType(chatType)
	return &c, nil
}
