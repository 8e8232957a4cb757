package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/pg"
	"github.com/cwrk-planet/chat-service/internal/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

// testPool connects to CHAT_TEST_POSTGRES_DSN and applies the schema. Tests
// are skipped when the variable is unset or the server is unreachable.
func testPool(t *testing.T) *pgxpool.Pool {
	return testPoolSized(t, 8)
}

func testPoolSized(t *testing.T, maxConns int32) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, pg.Config{DSN: dsn, MaxConns: maxConns})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func createChat(t *testing.T, chats *ChatRepository, creator domain.UserID) domain.ChatID {
	t.Helper()
	chat := &domain.Chat{
		ID:        domain.ChatID(uuid.NewString()),
		CreatorID: &creator,
		Type:      domain.ChatGroup,
		IsActive:  true,
	}
	require.NoError(t, chats.Create(context.Background(), chat))
	return chat.ID
}

func text(s string) *string { return &s }

func TestRepositories_MembershipLifecycle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	pool := testPool(t)
	chats, members := NewChatRepository(pool), NewMemberRepository(pool)

	// Given a chat created by alice
	chatID := createChat(t, chats, "alice")

	m, err := members.Get(ctx, chatID, "alice")
	req.NoError(err)
	req.True(m.IsActive)
	req.True(m.IsAdmin)

	_, err = members.Get(ctx, chatID, "bob")
	req.ErrorIs(err, domain.ErrNotMember)

	// When bob joins, leaves and rejoins
	req.NoError(members.Activate(ctx, chatID, "bob"))
	ok, err := members.Deactivate(ctx, chatID, "bob")
	req.NoError(err)
	req.True(ok)
	ok, err = members.Deactivate(ctx, chatID, "bob")
	req.NoError(err)
	req.False(ok)
	req.NoError(members.Activate(ctx, chatID, "bob"))

	// Then both are listed and the last admin is protected
	active, err := members.ListActive(ctx, chatID)
	req.NoError(err)
	req.Len(active, 2)
	req.ErrorIs(members.SetAdmin(ctx, chatID, "alice", false), domain.ErrLastAdmin)
	req.NoError(members.SetAdmin(ctx, chatID, "bob", true))
	req.NoError(members.SetAdmin(ctx, chatID, "alice", false))

	listed, err := chats.ListForUser(ctx, "bob")
	req.NoError(err)
	req.Contains(lo.Map(listed, func(c domain.Chat, _ int) domain.ChatID { return c.ID }), chatID)

	req.ErrorIs(members.Activate(ctx, "no-such-chat", "bob"), domain.ErrChatNotFound)
}

func TestMessageRepository_AppendAndHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	pool := testPool(t)
	chats, messages := NewChatRepository(pool), NewMessageRepository(pool)
	chatID := createChat(t, chats, "alice")

	var last *domain.Message
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		m, err := messages.Append(ctx, domain.NewMessage{ChatID: chatID, SenderID: "alice", Content: text(s)})
		req.NoError(err)
		if last != nil {
			req.True(m.SentAt.After(last.SentAt))
			req.Equal(last.Seq+1, m.Seq)
		}
		last = m
	}

	_, err := messages.Append(ctx, domain.NewMessage{ChatID: "no-such-chat", SenderID: "alice", Content: text("x")})
	req.ErrorIs(err, domain.ErrChatNotFound)

	bogus := domain.MessageID(uuid.NewString())
	_, err = messages.Append(ctx, domain.NewMessage{ChatID: chatID, SenderID: "alice", Content: text("x"), ReplyTo: &bogus})
	req.ErrorIs(err, domain.ErrInvalidReference)

	page, next, err := messages.History(ctx, chatID, "", 2)
	req.NoError(err)
	req.Equal([]string{"five", "four"}, contents(page))
	page, next, err = messages.History(ctx, chatID, next, 2)
	req.NoError(err)
	req.Equal([]string{"three", "two"}, contents(page))
	page, _, err = messages.History(ctx, chatID, next, 2)
	req.NoError(err)
	req.Equal([]string{"one"}, contents(page))

	edited, err := messages.UpdateContent(ctx, last.ID, "FIVE")
	req.NoError(err)
	req.True(edited.IsEdited)
	req.Equal(last.Seq, edited.Seq)
}

func TestMessageRepository_ConcurrentAppendsKeepOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	pool := testPool(t)
	chatID := createChat(t, NewChatRepository(pool), "alice")
	messages := NewMessageRepository(pool)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := messages.Append(ctx, domain.NewMessage{ChatID: chatID, SenderID: "alice", Content: text("hi")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	page, _, err := messages.History(ctx, chatID, "", 100)
	req.NoError(err)
	req.Len(page, 20)
	for i := 1; i < len(page); i++ {
		req.True(page[i-1].SentAt.After(page[i].SentAt))
		req.Equal(page[i-1].Seq-1, page[i].Seq)
	}
}

func TestChatLocker_SerializesPerChat(t *testing.T) {
	req := require.New(t)
	pool := testPool(t)
	l := NewChatLocker(pool)
	chatID := domain.ChatID(uuid.NewString())

	lctx, unlock, err := l.Lock(context.Background(), chatID)
	req.NoError(err)
	req.NotNil(connFor(lctx, pool))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, chatID)
	req.Error(err)

	// nesting on the pinned connection would deadlock against itself
	_, _, err = l.Lock(lctx, domain.ChatID(uuid.NewString()))
	req.Error(err)

	unlock()
	unlock()

	_, unlock2, err := l.Lock(context.Background(), chatID)
	req.NoError(err)
	unlock2()
}

func TestGatewaySend_MoreSendersThanPoolConns(t *testing.T) {
	req := require.New(t)
	pool := testPoolSized(t, 2)
	chats, members := NewChatRepository(pool), NewMemberRepository(pool)
	memberSvc := service.NewMemberService(chats, members, NewNotificationRepository(pool), nil)
	gw := gateway.New(gateway.Deps{
		Chats:    service.NewChatService(chats, members),
		Members:  memberSvc,
		Messages: service.NewMessageService(NewMessageRepository(pool), memberSvc, service.MessageLimits{}),
		Bus:      bus.NewMemory(nil),
		Locker:   NewChatLocker(pool),
	}, gateway.Config{}, nil)

	// Given a chat and a pool with two connections
	chatID := createChat(t, chats, "alice")

	// When four senders race for the chat lock
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const senders = 4
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Send(ctx, "alice", chatID, gateway.InboundFrame{Message: text("hi")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Then every send completes without waiting on a second connection
	for err := range errs {
		req.NoError(err)
	}
	page, _, err := NewMessageRepository(pool).History(ctx, chatID, "", 10)
	req.NoError(err)
	req.Len(page, senders)
	for i := 1; i < len(page); i++ {
		req.Equal(page[i-1].Seq-1, page[i].Seq)
	}
}

func TestNotificationRepository_Notify(t *testing.T) {
	pool := testPool(t)
	chatID := createChat(t, NewChatRepository(pool), "alice")
	err := NewNotificationRepository(pool).Notify(context.Background(), domain.Notification{
		UserID: "bob",
		Kind:   domain.NotifyMemberAdded,
		Title:  "added",
		ChatID: &chatID,
	})
	require.NoError(t, err)
}

func contents(ms []domain.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, *m.Content)
	}
	return out
}

func TestRepositories_DeleteAndRename(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	pool := testPool(t)
	chats, members, messages := NewChatRepository(pool), NewMemberRepository(pool), NewMessageRepository(pool)
	chatID := createChat(t, chats, "alice")

	// Given a message and a reply to it
	first, err := messages.Append(ctx, domain.NewMessage{ChatID: chatID, SenderID: "alice", Content: text("oops")})
	req.NoError(err)
	reply, err := messages.Append(ctx, domain.NewMessage{ChatID: chatID, SenderID: "alice", Content: text("re"), ReplyTo: &first.ID})
	req.NoError(err)

	// When the first one is deleted
	req.NoError(messages.Delete(ctx, first.ID))
	req.ErrorIs(messages.Delete(ctx, first.ID), domain.ErrMessageNotFound)

	// Then the reply stays with a cleared reference
	kept, err := messages.Get(ctx, reply.ID)
	req.NoError(err)
	req.Nil(kept.ReplyTo)

	renamed, err := chats.Rename(ctx, chatID, text("infra"))
	req.NoError(err)
	req.Equal("infra", *renamed.Name)
	renamed, err = chats.Rename(ctx, chatID, nil)
	req.NoError(err)
	req.Nil(renamed.Name)

	// And deleting the chat takes members and messages along
	req.NoError(chats.Delete(ctx, chatID))
	req.ErrorIs(chats.Delete(ctx, chatID), domain.ErrChatNotFound)
	_, err = members.Get(ctx, chatID, "alice")
	req.ErrorIs(err, domain.ErrNotMember)
	_, err = messages.Get(ctx, reply.ID)
	req.ErrorIs(err, domain.ErrMessageNotFound)
	_, err = chats.Rename(ctx, chatID, nil)
	req.ErrorIs(err, domain.ErrChatNotFound)
}
