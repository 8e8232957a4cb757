// Package gateway is the real-time core: it binds client sessions to chat
// topics and turns every valid inbound frame into exactly one stored message
// and one broadcast.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/logger"
)

type ChatGetter interface {
	GetChat(ctx context.Context, id domain.ChatID) (*domain.Chat, error)
}

type MemberChecker interface {
	CanMessage(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)
	Get(ctx context.Context, userID domain.UserID, id domain.MessageID) (*domain.Message, error)
	Edit(ctx context.Context, userID domain.UserID, id domain.MessageID, content string) (*domain.Message, error)
	Delete(ctx context.Context, userID domain.UserID, id domain.MessageID) (*domain.Message, error)
}

// ChatLocker serializes append+publish within one chat. Store calls made
// while the lock is held must use the returned context.
type ChatLocker interface {
	Lock(ctx context.Context, chatID domain.ChatID) (locked context.Context, unlock func(), err error)
}

// Conn is the transport side of a session.
type Conn interface {
	// ReadFrame blocks until the next client frame or an error. It must
	// return once Close has been called.
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close(reason CloseReason) error
}

type Config struct {
	RequireMembershipToSubscribe bool
	SendQueueSize                int
	PublishTimeout               time.Duration
}

type Deps struct {
	Chats    ChatGetter
	Members  MemberChecker
	Messages MessageStore
	Bus      bus.Bus
	Locker   ChatLocker
}

type Gateway struct {
	chats    ChatGetter
	members  MemberChecker
	messages MessageStore
	bus      bus.Bus
	locker   ChatLocker
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
}

func New(deps Deps, cfg Config, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Gateway{
		chats:    deps.Chats,
		members:  deps.Members,
		messages: deps.Messages,
		bus:      deps.Bus,
		locker:   deps.Locker,
		cfg:      cfg,
		log:      log,
		sessions: make(map[*Session]struct{}),
	}
}

// Connect authorizes the user for the chat and subscribes a new session to
// its topic. The session only misses messages published before Connect
// returns.
func (g *Gateway) Connect(ctx context.Context, userID domain.UserID, chatID domain.ChatID) (*Session, error) {
	if _, err := g.chats.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, domain.ErrChatNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if g.cfg.RequireMembershipToSubscribe {
		ok, err := g.members.CanMessage(ctx, chatID, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		if !ok {
			return nil, domain.ErrNotMember
		}
	}

	s := newSession(userID, chatID, g.cfg.SendQueueSize)
	if !g.track(s) {
		return nil, ErrSessionClosed
	}
	if err := g.bus.Subscribe(ctx, s.topic, s); err != nil {
		g.untrack(s)
		s.close(CloseInternalError)
		return nil, fmt.Errorf("bus subscribe: %w", err)
	}
	if !s.subscribed() {
		// closed while subscribing
		g.Disconnect(ctx, s)
		return nil, ErrSessionClosed
	}

	g.log.Debug("session connected", "session", s.ID, "user", userID, "chat", chatID)
	return s, nil
}

// Disconnect closes the session and releases its subscription. Safe to call
// any number of times from any goroutine.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	s.close(CloseNormal)
	s.releaseOnce.Do(func() {
		if err := g.bus.Unsubscribe(context.WithoutCancel(ctx), s.topic, s); err != nil {
			g.log.Warn("bus unsubscribe failed", "session", s.ID, "chat", s.ChatID, logger.Err(err))
		}
		g.untrack(s)
		g.log.Debug("session disconnected", "session", s.ID, "user", s.UserID, "chat", s.ChatID)
	})
}

// Serve runs the session over conn until either side ends it. It always
// disconnects the session before returning.
func (g *Gateway) Serve(ctx context.Context, s *Session, conn Conn) error {
	defer g.Disconnect(ctx, s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, s, conn)
	}()

	err := g.readLoop(ctx, s, conn)
	s.close(CloseNormal)
	<-writerDone
	return err
}

func (g *Gateway) writeLoop(ctx context.Context, s *Session, conn Conn) {
	defer func() {
		if err := conn.Close(s.CloseReason()); err != nil {
			g.log.Debug("conn close failed", "session", s.ID, logger.Err(err))
		}
	}()

	for {
		select {
		case p := <-s.out:
			if err := conn.WriteFrame(p); err != nil {
				g.log.Debug("write failed", "session", s.ID, logger.Err(err))
				s.close(CloseInternalError)
				return
			}
		case <-s.done:
			if s.reason == ClosePolicyViolation {
				flushQueued(s, conn)
			}
			return
		case <-ctx.Done():
			s.close(CloseGoingAway)
			return
		}
	}
}

// flushQueued writes what is already queued so the client sees why it was
// dropped.
func flushQueued(s *Session, conn Conn) {
	for {
		select {
		case p := <-s.out:
			if conn.WriteFrame(p) != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *Session, conn Conn) error {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			// peer went away or the writer closed the conn
			return nil
		}

		err = g.HandleFrame(ctx, s, data)
		switch {
		case err == nil:
		case isFatal(err):
			g.log.Info("closing session", "session", s.ID, "user", s.UserID, "chat", s.ChatID, logger.Err(err))
			_ = s.Deliver(encodeError(err, false))
			s.close(ClosePolicyViolation)
			return err
		case errors.Is(err, domain.ErrMalformedInput):
			g.log.Debug("malformed frame dropped", "session", s.ID, logger.Err(err))
		case isClientError(err):
			_ = s.Deliver(encodeError(err, false))
		case errors.Is(err, ErrStoreFailure):
			g.log.Error("message not stored", "session", s.ID, "chat", s.ChatID, logger.Err(err))
			_ = s.Deliver(encodeError(err, true))
		case errors.Is(err, ErrPublishFailure):
			g.log.Error("message stored but not broadcast", "session", s.ID, "chat", s.ChatID, logger.Err(err))
		case errors.Is(err, ErrSessionClosed):
			return nil
		default:
			g.log.Error("frame handling failed", "session", s.ID, logger.Err(err))
		}
	}
}

// HandleFrame decodes one client frame and sends it as the session's user.
func (g *Gateway) HandleFrame(ctx context.Context, s *Session, data []byte) error {
	if s.State() != StateSubscribed {
		return ErrSessionClosed
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	_, err = g.Send(ctx, s.UserID, s.ChatID, f)
	return err
}

// Send stores and broadcasts one message. An empty frame returns (nil, nil)
// and has no side effects. A returned ErrPublishFailure comes with the
// stored message.
func (g *Gateway) Send(ctx context.Context, userID domain.UserID, chatID domain.ChatID, f InboundFrame) (*domain.Message, error) {
	msg := f.toMessage(chatID, userID)
	msg.Normalize()
	if msg.Empty() {
		return nil, nil
	}

	if _, err := g.chats.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, domain.ErrChatNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	ok, err := g.members.CanMessage(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if !ok {
		return nil, domain.ErrNotMember
	}

	lctx, unlock, err := g.locker.Lock(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock chat: %w", ErrStoreFailure, err)
	}
	defer unlock()

	stored, err := g.messages.Append(lctx, msg)
	if err != nil {
		if isClientError(err) || isFatal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return stored, g.publish(ctx, stored)
}

// Edit changes a message's text and broadcasts the edited version.
func (g *Gateway) Edit(ctx context.Context, userID domain.UserID, id domain.MessageID, content string) (*domain.Message, error) {
	current, err := g.messages.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	lctx, unlock, err := g.locker.Lock(ctx, current.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock chat: %w", ErrStoreFailure, err)
	}
	defer unlock()

	updated, err := g.messages.Edit(lctx, userID, id, content)
	if err != nil {
		return nil, err
	}
	return updated, g.publish(ctx, updated)
}

// Delete removes a message and tells the chat's subscribers which one went.
func (g *Gateway) Delete(ctx context.Context, userID domain.UserID, id domain.MessageID) (*domain.Message, error) {
	current, err := g.messages.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	lctx, unlock, err := g.locker.Lock(ctx, current.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock chat: %w", ErrStoreFailure, err)
	}
	defer unlock()

	deleted, err := g.messages.Delete(lctx, userID, id)
	if err != nil {
		return nil, err
	}
	payload, err := EncodeDeleted(deleted)
	if err != nil {
		return deleted, fmt.Errorf("%w: encode: %w", ErrPublishFailure, err)
	}
	return deleted, g.broadcast(ctx, deleted.ChatID, payload)
}

// CloseChat ends this process's sessions of a chat that no longer exists.
// Sessions elsewhere end on their next send.
func (g *Gateway) CloseChat(ctx context.Context, chatID domain.ChatID) int {
	g.mu.Lock()
	var gone []*Session
	for s := range g.sessions {
		if s.ChatID == chatID {
			gone = append(gone, s)
		}
	}
	g.mu.Unlock()

	for _, s := range gone {
		_ = s.Deliver(encodeError(domain.ErrChatNotFound, false))
		s.close(ClosePolicyViolation)
		g.Disconnect(ctx, s)
	}
	if len(gone) > 0 {
		g.log.Info("chat closed", "chat", chatID, "sessions", len(gone))
	}
	return len(gone)
}

func (g *Gateway) publish(ctx context.Context, m *domain.Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublishFailure, err)
	}
	return g.broadcast(ctx, m.ChatID, payload)
}

func (g *Gateway) broadcast(ctx context.Context, chatID domain.ChatID, payload []byte) error {
	// the row change is committed; a client that hangs up now must not
	// cancel the broadcast
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PublishTimeout)
	defer cancel()
	if err := g.bus.Publish(ctx, bus.TopicFor(chatID), payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}
	return nil
}

// Sessions returns the number of live sessions in this process.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new sessions and closes the live ones. Sessions being
// served end their Serve call, which unsubscribes them.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closing = true
	live := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.close(CloseGoingAway)
		g.Disconnect(ctx, s)
	}
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s)
}
