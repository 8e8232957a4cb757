package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/memory"
	"github.com/cwrk-planet/chat-service/internal/service"

	"github.com/stretchr/testify/require"
)

type env struct {
	store    *memory.Store
	bus      *bus.Memory
	chats    *service.ChatService
	members  *service.MemberService
	messages *service.MessageService
	gw       *gateway.Gateway
}

type option func(*gateway.Config, *gateway.Deps)

func withQueue(n int) option {
	return func(c *gateway.Config, _ *gateway.Deps) { c.SendQueueSize = n }
}

func openSubscribe() option {
	return func(c *gateway.Config, _ *gateway.Deps) { c.RequireMembershipToSubscribe = false }
}

func withMessages(m gateway.MessageStore) option {
	return func(_ *gateway.Config, d *gateway.Deps) { d.Messages = m }
}

func withBus(b bus.Bus) option {
	return func(_ *gateway.Config, d *gateway.Deps) { d.Bus = b }
}

func newEnv(opts ...option) *env {
	store := memory.New()
	members := service.NewMemberService(store.Chats(), store.Members(), store.Notifications(), nil)
	e := &env{
		store:    store,
		bus:      bus.NewMemory(nil),
		chats:    service.NewChatService(store.Chats(), store.Members()),
		members:  members,
		messages: service.NewMessageService(store.Messages(), members, service.MessageLimits{}),
	}
	cfg := gateway.Config{RequireMembershipToSubscribe: true, SendQueueSize: 64}
	deps := gateway.Deps{
		Chats:    e.chats,
		Members:  e.members,
		Messages: e.messages,
		Bus:      e.bus,
		Locker:   memory.NewChatLocker(),
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	e.gw = gateway.New(deps, cfg, nil)
	return e
}

func (e *env) chat(t *testing.T, users ...domain.UserID) domain.ChatID {
	t.Helper()
	c, err := e.chats.CreateChat(context.Background(), users[0], "room", domain.ChatGroup)
	require.NoError(t, err)
	for _, u := range users[1:] {
		_, err := e.members.AddMember(context.Background(), c.ID, u, "")
		require.NoError(t, err)
	}
	return c.ID
}

func (e *env) connect(t *testing.T, user domain.UserID, chat domain.ChatID) *gateway.Session {
	t.Helper()
	s, err := e.gw.Connect(context.Background(), user, chat)
	require.NoError(t, err)
	t.Cleanup(func() { e.gw.Disconnect(context.Background(), s) })
	return s
}

func text(s string) *string { return &s }

func frame(s string) gateway.InboundFrame { return gateway.InboundFrame{Message: text(s)} }

func next(t *testing.T, s *gateway.Session) gateway.OutboundMessage {
	t.Helper()
	select {
	case p := <-s.Outbound():
		var m gateway.OutboundMessage
		require.NoError(t, json.Unmarshal(p, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	return gateway.OutboundMessage{}
}

func nothing(t *testing.T, s *gateway.Session) {
	t.Helper()
	select {
	case p := <-s.Outbound():
		t.Fatalf("unexpected delivery: %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_Errors(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice")

	_, err := e.gw.Connect(context.Background(), "alice", "missing")
	req.ErrorIs(err, domain.ErrChatNotFound)

	_, err = e.gw.Connect(context.Background(), "mallory", chatID)
	req.ErrorIs(err, domain.ErrNotMember)
	req.Equal(0, e.bus.Subscribers(bus.TopicFor(chatID)))

	s := e.connect(t, "alice", chatID)
	req.Equal(gateway.StateSubscribed, s.State())
	req.Equal(1, e.gw.Sessions())
}

func TestSend_FanOutToEverySubscriberIncludingSender(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice", "bob")
	otherChat := e.chat(t, "carol")

	a := e.connect(t, "alice", chatID)
	b := e.connect(t, "bob", chatID)
	c := e.connect(t, "carol", otherChat)

	// When alice sends
	stored, err := e.gw.Send(context.Background(), "alice", chatID, frame("hello"))
	req.NoError(err)

	// Then both sessions of the chat get the stored representation
	for _, s := range []*gateway.Session{a, b} {
		got := next(t, s)
		req.Equal(stored.ID, got.ID)
		req.Equal("hello", *got.Content)
		req.Equal(domain.UserID("alice"), *got.Sender)
		req.Equal(stored.Seq, got.Seq)
		req.True(stored.SentAt.Equal(got.SentAt))
	}
	nothing(t, c)
}

func TestSend_EmptyFrameIsNoOp(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice")
	s := e.connect(t, "alice", chatID)

	for _, f := range []gateway.InboundFrame{{}, frame(""), frame("   \n")} {
		m, err := e.gw.Send(context.Background(), "alice", chatID, f)
		req.NoError(err)
		req.Nil(m)
	}
	// even for a stranger: emptiness is checked first
	m, err := e.gw.Send(context.Background(), "mallory", chatID, gateway.InboundFrame{})
	req.NoError(err)
	req.Nil(m)

	req.Equal(0, e.store.MessageCount(chatID))
	nothing(t, s)
}

func TestSend_UnauthorizedNeitherStoresNorPublishes(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice", "bob")
	a := e.connect(t, "alice", chatID)

	_, err := e.gw.Send(context.Background(), "mallory", chatID, frame("spam"))
	req.ErrorIs(err, domain.ErrNotMember)

	// a removed member loses the right too
	_, err = e.members.RemoveMember(context.Background(), chatID, "bob")
	req.NoError(err)
	_, err = e.gw.Send(context.Background(), "bob", chatID, frame("bye"))
	req.ErrorIs(err, domain.ErrNotMember)

	req.Equal(0, e.store.MessageCount(chatID))
	nothing(t, a)
}

func TestSend_UnknownChatIsNotFound(t *testing.T) {
	req := require.New(t)
	e := newEnv()

	// Given a chat id nobody created
	chatID := domain.ChatID("no-such-chat")

	// When someone sends to it
	_, err := e.gw.Send(context.Background(), "alice", chatID, frame("hello?"))

	// Then it is reported as missing rather than as a membership refusal
	req.ErrorIs(err, domain.ErrChatNotFound)
	req.NotErrorIs(err, domain.ErrNotMember)
	req.Equal(0, e.store.MessageCount(chatID))
}

func TestDisconnect_NoRetroactiveDeliveryAndIdempotent(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice", "bob")
	a := e.connect(t, "alice", chatID)
	b := e.connect(t, "bob", chatID)

	e.gw.Disconnect(context.Background(), b)
	e.gw.Disconnect(context.Background(), b)
	req.Equal(gateway.StateClosed, b.State())
	req.Equal(1, e.bus.Subscribers(bus.TopicFor(chatID)))

	_, err := e.gw.Send(context.Background(), "alice", chatID, frame("after"))
	req.NoError(err)

	req.Equal("after", *next(t, a).Content)
	nothing(t, b)
	req.ErrorIs(b.Deliver([]byte("x")), gateway.ErrSessionClosed)
}

func TestSend_ConcurrentSendersKeepOneOrder(t *testing.T) {
	req := require.New(t)
	e := newEnv(withQueue(1024))
	users := []domain.UserID{"u1", "u2", "u3", "u4", "u5"}
	chatID := e.chat(t, users...)
	watcher := e.connect(t, "u1", chatID)
	second := e.connect(t, "u2", chatID)

	const perUser = 20
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u domain.UserID) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				_, err := e.gw.Send(context.Background(), u, chatID, frame("m"))
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	total := perUser * len(users)
	var first []gateway.OutboundMessage
	for i := 0; i < total; i++ {
		first = append(first, next(t, watcher))
	}
	for i := 0; i < total; i++ {
		got := next(t, second)
		// every subscriber sees the same order
		req.Equal(first[i].ID, got.ID)
	}
	for i := 1; i < total; i++ {
		req.Equal(first[i-1].Seq+1, first[i].Seq)
		req.True(first[i].SentAt.After(first[i-1].SentAt))
	}
}

type failingStore struct {
	gateway.MessageStore
	err error
}

func (f failingStore) Append(context.Context, domain.NewMessage) (*domain.Message, error) {
	return nil, f.err
}

func TestSend_StoreFailurePublishesNothing(t *testing.T) {
	req := require.New(t)
	e := newEnv(withMessages(failingStore{err: errors.New("disk full")}))
	chatID := e.chat(t, "alice")
	s := e.connect(t, "alice", chatID)

	_, err := e.gw.Send(context.Background(), "alice", chatID, frame("lost"))
	req.ErrorIs(err, gateway.ErrStoreFailure)
	nothing(t, s)
}

type failingBus struct {
	*bus.Memory
}

func (failingBus) Publish(context.Context, bus.Topic, []byte) error {
	return errors.New("broker unreachable")
}

func TestSend_PublishFailureKeepsStoredMessage(t *testing.T) {
	req := require.New(t)
	e := newEnv(withBus(failingBus{Memory: bus.NewMemory(nil)}))
	chatID := e.chat(t, "alice")

	stored, err := e.gw.Send(context.Background(), "alice", chatID, frame("kept"))
	req.ErrorIs(err, gateway.ErrPublishFailure)
	req.NotNil(stored)
	req.Equal(1, e.store.MessageCount(chatID))
}

func TestSend_Validation(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice")
	ghost := domain.MessageID("ghost")

	_, err := e.gw.Send(context.Background(), "alice", chatID, gateway.InboundFrame{Message: text("x"), ReplyTo: &ghost})
	req.ErrorIs(err, domain.ErrInvalidReference)

	voice := []byte{0x01, 0x02}
	m, err := e.gw.Send(context.Background(), "alice", chatID, gateway.InboundFrame{Voice: voice})
	req.NoError(err)
	req.Nil(m.Content)
	req.Equal(voice, m.Voice)
}

func TestSession_SlowConsumerIsClosed(t *testing.T) {
	req := require.New(t)
	e := newEnv(withQueue(1))
	chatID := e.chat(t, "alice")
	s := e.connect(t, "alice", chatID)

	for i := 0; i < 3; i++ {
		_, err := e.gw.Send(context.Background(), "alice", chatID, frame("x"))
		req.NoError(err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	req.Equal(gateway.CloseTryAgainLater, s.CloseReason())
}

func TestEdit_RepublishesEditedMessage(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice", "bob")
	b := e.connect(t, "bob", chatID)

	m, err := e.gw.Send(context.Background(), "alice", chatID, frame("helo"))
	req.NoError(err)
	next(t, b)

	_, err = e.gw.Edit(context.Background(), "bob", m.ID, "hijack")
	req.ErrorIs(err, domain.ErrNotSender)

	_, err = e.gw.Edit(context.Background(), "alice", m.ID, "hello")
	req.NoError(err)
	got := next(t, b)
	req.Equal(m.ID, got.ID)
	req.True(got.IsEdited)
	req.Equal("hello", *got.Content)
}

func TestDelete_BroadcastsDeletion(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice", "bob")
	b := e.connect(t, "bob", chatID)

	// Given a delivered message
	m, err := e.gw.Send(context.Background(), "alice", chatID, frame("oops"))
	req.NoError(err)
	next(t, b)

	// When bob tries to delete it, nothing happens
	_, err = e.gw.Delete(context.Background(), "bob", m.ID)
	req.ErrorIs(err, domain.ErrNotSender)
	nothing(t, b)

	// When alice deletes it
	_, err = e.gw.Delete(context.Background(), "alice", m.ID)
	req.NoError(err)

	// Then subscribers get a deletion frame naming it
	select {
	case p := <-b.Outbound():
		var f gateway.DeletedFrame
		req.NoError(json.Unmarshal(p, &f))
		req.Equal(m.ID, f.Deleted.ID)
		req.Equal(chatID, f.Deleted.Chat)
		req.Equal(m.Seq, f.Deleted.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no deletion delivered")
	}
	req.Equal(0, e.store.MessageCount(chatID))
}

func TestCloseChat_EndsSessionsOfThatChatOnly(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	doomed := e.chat(t, "alice", "bob")
	other := e.chat(t, "alice")

	s, err := e.gw.Connect(context.Background(), "bob", doomed)
	req.NoError(err)
	conn := newFakeConn()
	done := serve(e, s, conn)
	keep := e.connect(t, "alice", other)

	// When the chat is closed
	req.Equal(1, e.gw.CloseChat(context.Background(), doomed))

	// Then its session is told why and dropped
	req.Equal("chat_not_found", conn.read(t)["error"].(map[string]any)["code"])
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	req.Equal(gateway.ClosePolicyViolation, s.CloseReason())
	req.Equal(0, e.bus.Subscribers(bus.TopicFor(doomed)))

	// And sessions of other chats carry on
	req.Equal(gateway.StateSubscribed, keep.State())
	req.Equal(0, e.gw.CloseChat(context.Background(), doomed))
}

func TestShutdown_ClosesSessions(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice")
	s := e.connect(t, "alice", chatID)

	e.gw.Shutdown(context.Background())
	req.Equal(gateway.StateClosed, s.State())
	req.Equal(gateway.CloseGoingAway, s.CloseReason())
	req.Equal(0, e.gw.Sessions())
	req.Equal(0, e.bus.Subscribers(bus.TopicFor(chatID)))

	_, err := e.gw.Connect(context.Background(), "alice", chatID)
	req.ErrorIs(err, gateway.ErrSessionClosed)
}

// fakeConn is an in-memory transport.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	reason gateway.CloseReason
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(p []byte) error {
	select {
	case c.out <- p:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close(reason gateway.CloseReason) error {
	c.once.Do(func() {
		c.reason = reason
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) read(t *testing.T) map[string]any {
	t.Helper()
	select {
	case p := <-c.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
	}
	return nil
}

func serve(e *env, s *gateway.Session, c *fakeConn) chan error {
	done := make(chan error, 1)
	go func() { done <- e.gw.Serve(context.Background(), s, c) }()
	return done
}

func TestServe_RoundTripAndMalformedFrames(t *testing.T) {
	req := require.New(t)
	e := newEnv()
	chatID := e.chat(t, "alice")
	s, err := e.gw.Connect(context.Background(), "alice", chatID)
	req.NoError(err)
	conn := newFakeConn()
	done := serve(e, s, conn)

	// Given malformed frames of several kinds
	conn.in <- []byte("{not json")
	conn.in <- []byte(`["array"]`)
	conn.in <- []byte(`{"message":42}`)

	// When a valid frame follows
	conn.in <- []byte(`{"message":"hi"}`)

	// Then the malformed ones got no reply and the connection stayed open
	msg := conn.read(t)
	req.Nil(msg["error"])
	req.Equal("hi", msg["content"])
	req.Equal(string(chatID), msg["chat"])

	// client hangs up
	req.NoError(conn.Close(gateway.CloseNormal))
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	req.Equal(gateway.StateClosed, s.State())
	req.Equal(0, e.bus.Subscribers(bus.TopicFor(chatID)))
}

func TestServe_NonMemberIsDisconnected(t *testing.T) {
	req := require.New(t)
	e := newEnv(openSubscribe())
	chatID := e.chat(t, "alice")

	// open policy lets a stranger listen, but not speak
	s, err := e.gw.Connect(context.Background(), "mallory", chatID)
	req.NoError(err)
	conn := newFakeConn()
	done := serve(e, s, conn)

	conn.in <- []byte(`{"message":"spam"}`)
	select {
	case err := <-done:
		req.ErrorIs(err, domain.ErrNotMember)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	req.Equal(gateway.ClosePolicyViolation, conn.reason)
	req.Equal(0, e.store.MessageCount(chatID))
	req.Equal(0, e.bus.Subscribers(bus.TopicFor(chatID)))
}

type flakyStore struct {
	gateway.MessageStore
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Append(ctx context.Context, m domain.NewMessage) (*domain.Message, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.MessageStore.Append(ctx, m)
}

func failAppends(n int) option {
	return func(_ *gateway.Config, d *gateway.Deps) {
		d.Messages = &flakyStore{MessageStore: d.Messages, fails: n}
	}
}

func TestServe_StoreFailureIsRetryable(t *testing.T) {
	req := require.New(t)
	e := newEnv(failAppends(1))
	chatID := e.chat(t, "alice")

	s, err := e.gw.Connect(context.Background(), "alice", chatID)
	req.NoError(err)
	conn := newFakeConn()
	done := serve(e, s, conn)
	defer func() {
		_ = conn.Close(gateway.CloseNormal)
		<-done
	}()

	conn.in <- []byte(`{"message":"first"}`)
	errFrame := conn.read(t)["error"].(map[string]any)
	req.Equal("store_failure", errFrame["code"])
	req.Equal(true, errFrame["retryable"])

	// the client retries and the connection is still usable
	conn.in <- []byte(`{"message":"first"}`)
	req.Equal("first", conn.read(t)["content"])
	req.Equal(1, e.store.MessageCount(chatID))
}
