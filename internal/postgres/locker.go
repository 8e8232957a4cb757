package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatLocker serializes append+publish per chat across processes with a
// session-level advisory lock keyed by hashtext(chat_id). The connection that
// holds the lock is pinned in the returned context and the repositories run
// on it, so the holder never waits on the pool its waiters are draining.
type ChatLocker struct {
	db *pgxpool.Pool
}

func NewChatLocker(db *pgxpool.Pool) *ChatLocker {
	return &ChatLocker{db: db}
}

func (l *ChatLocker) Lock(ctx context.Context, chatID domain.ChatID) (context.Context, func(), error) {
	if _, ok := ctx.Value(pinnedConnKey{}).(*pgxpool.Conn); ok {
		return nil, nil, errors.New("chat lock already held in this context")
	}
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, string(chatID)); err != nil {
		conn.Release()
		return nil, nil, err
	}

	var once sync.Once
	return withPinnedConn(ctx, conn), func() {
		once.Do(func() { l.unlock(conn, chatID) })
	}, nil
}

func (l *ChatLocker) unlock(conn *pgxpool.Conn, chatID domain.ChatID) {
	// the caller's ctx may already be cancelled; unlocking must still happen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, string(chatID)); err != nil {
		slog.Warn("advisory unlock failed, dropping connection", "chat", chatID, "err", err)
		// closing the session releases every advisory lock it holds
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}
