package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx so helpers run inside or
// outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// dbtx is a querier that can also open a transaction: the pool, or the
// connection a ChatLocker pinned for the current chat.
type dbtx interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pinnedConnKey struct{}

func withPinnedConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, pinnedConnKey{}, conn)
}

// connFor returns the connection pinned in ctx by ChatLocker.Lock, or db. Work
// done under a chat lock must not wait for a second pool connection, since
// lock waiters may hold all of them.
func connFor(ctx context.Context, db *pgxpool.Pool) dbtx {
	if conn, ok := ctx.Value(pinnedConnKey{}).(*pgxpool.Conn); ok && conn != nil {
		return conn
	}
	return db
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return domain.ErrAlreadyExists
		case "23503": // foreign_key_violation
			if pgErr.ConstraintName == "chat_members_chat_id_fkey" || pgErr.ConstraintName == "chat_messages_chat_id_fkey" {
				return domain.ErrChatNotFound
			}
			return domain.ErrInvalidReference
		case "23514": // check_violation
			return domain.ErrEmptyMessage
		}
	}

	return err
}

func strPtr[T ~string](p *T) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func typedPtr[T ~string](p *string) *T {
	if p == nil {
		return nil
	}
	v := T(*p)
	return &v
}
