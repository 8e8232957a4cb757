package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MemberRepository struct {
	db *pgxpool.Pool
}

func NewMemberRepository(db *pgxpool.Pool) *MemberRepository {
	return &MemberRepository{db: db}
}

func (r *MemberRepository) Get(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (*domain.Membership, error) {
	m := domain.Membership{ChatID: chatID, UserID: userID}
	err := connFor(ctx, r.db).QueryRow(ctx, `
		SELECT is_active, is_admin, joined_at
		FROM chat_members
		WHERE chat_id=$1 AND user_id=$2
	`, string(chatID), string(userID)).Scan(&m.IsActive, &m.IsAdmin, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotMember
		}
		return nil, err
	}
	return &m, nil
}

func (r *MemberRepository) Activate(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error {
	_, err := connFor(ctx, r.db).Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id, is_active, is_admin)
		VALUES ($1, $2, true, false)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET is_active = true
	`, string(chatID), string(userID))
	return mapPgError(err)
}

func (r *MemberRepository) Deactivate(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	cmd, err := connFor(ctx, r.db).Exec(ctx, `
		UPDATE chat_members SET is_active = false
		WHERE chat_id=$1 AND user_id=$2 AND is_active
	`, string(chatID), string(userID))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *MemberRepository) ListActive(ctx context.Context, chatID domain.ChatID) ([]domain.Membership, error) {
	rows, err := connFor(ctx, r.db).Query(ctx, `
		SELECT user_id, is_admin, joined_at
		FROM chat_members
		WHERE chat_id=$1 AND is_active
		ORDER BY joined_at ASC, user_id ASC
	`, string(chatID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var (
			m      = domain.Membership{ChatID: chatID, IsActive: true}
			userID string
		)
		if err := rows.Scan(&userID, &m.IsAdmin, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.UserID = domain.UserID(userID)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetAdmin locks the chat row so two concurrent demotions cannot both pass
// the last-admin check.
func (r *MemberRepository) SetAdmin(ctx context.Context, chatID domain.ChatID, userID domain.UserID, admin bool) error {
	tx, err := connFor(ctx, r.db).Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM chats WHERE id=$1 FOR UPDATE`, string(chatID)); err != nil {
		return err
	}

	var isAdmin bool
	err = tx.QueryRow(ctx, `
		SELECT is_admin FROM chat_members
		WHERE chat_id=$1 AND user_id=$2 AND is_active
	`, string(chatID), string(userID)).Scan(&isAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotMember
		}
		return err
	}
	if isAdmin == admin {
		return tx.Commit(ctx)
	}

	if !admin {
		admins, err := countAdmins(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return domain.ErrLastAdmin
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chat_members SET is_admin=$3
		WHERE chat_id=$1 AND user_id=$2
	`, string(chatID), string(userID), admin); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func countAdmins(ctx context.Context, q querier, chatID domain.ChatID) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_members
		WHERE chat_id=$1 AND is_active AND is_admin
	`, string(chatID)).Scan(&n)
	return n, err
}
