package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, chat_id, sender_id, content, voice, reply_to, forward_from, seq, is_edited, sent_at`

// Append bumps the chat's sequence and stores the message in one
// transaction. The UPDATE row-locks the chat, so seq and sent_at are assigned
// in commit order and sent_at never goes backwards within a chat.
func (r *MessageRepository) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	tx, err := connFor(ctx, r.db).Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		seq    int64
		sentAt time.Time
	)
	err = tx.QueryRow(ctx, `
		UPDATE chats
		SET last_seq = last_seq + 1,
		    last_sent_at = GREATEST(clock_timestamp(), last_sent_at + interval '1 microsecond')
		WHERE id = $1
		RETURNING last_seq, last_sent_at
	`, string(msg.ChatID)).Scan(&seq, &sentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}

	sender := string(msg.SenderID)
	row := tx.QueryRow(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_id, content, voice, reply_to, forward_from, seq, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		uuid.NewString(), string(msg.ChatID), &sender, msg.Content, msg.Voice,
		strPtr(msg.ReplyTo), strPtr(msg.ForwardFrom), seq, sentAt,
	)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) Get(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	m, err := scanMessage(connFor(ctx, r.db).QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

// History returns one page of a chat, newest first, and the cursor of the
// next (older) page.
func (r *MessageRepository) History(ctx context.Context, chatID domain.ChatID, before string, limit int) ([]domain.Message, string, error) {
	limit = domain.ClampLimit(limit)
	cur, err := domain.DecodeCursor(before)
	if err != nil {
		return nil, "", err
	}

	var sentAt, id any
	if cur != nil {
		sentAt, id = cur.SentAt, cur.ID
	}

	rows, err := connFor(ctx, r.db).Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE chat_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR sent_at < $2
		    OR (sent_at = $2 AND id < $3::text)
		  )
		ORDER BY sent_at DESC, id DESC
		LIMIT $4
	`, string(chatID), sentAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		next, _ = domain.EncodeCursor(domain.Cursor{SentAt: last.SentAt, ID: string(last.ID)})
	}
	return out, next, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id domain.MessageID, content string) (*domain.Message, error) {
	m, err := scanMessage(connFor(ctx, r.db).QueryRow(ctx, `
		UPDATE chat_messages SET content=$2, is_edited=true
		WHERE id=$1
		RETURNING `+messageColumns, string(id), content))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) Delete(ctx context.Context, id domain.MessageID) error {
	tag, err := connFor(ctx, r.db).Exec(ctx, `DELETE FROM chat_messages WHERE id=$1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m                            domain.Message
		id, chatID                   string
		senderID, replyTo, forwarded *string
	)
	if err := row.Scan(&id, &chatID, &senderID, &m.Content, &m.Voice, &replyTo, &forwarded, &m.Seq, &m.IsEdited, &m.SentAt); err != nil {
		return nil, err
	}
	m.ID = domain.MessageID(id)
	m.ChatID = domain.ChatID(chatID)
	m.SenderID = typedPtr[domain.UserID](senderID)
	m.ReplyTo = typedPtr[domain.MessageID](replyTo)
	m.ForwardFrom = typedPtr[domain.MessageID](forwarded)
	m.SentAt = m.SentAt.UTC()
	return &m, nil
}
