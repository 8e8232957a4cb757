// Package memory holds process-local implementations of the chat
// repositories. They back the "memory" storage driver and the unit tests of
// the service and gateway packages.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

type memberKey struct {
	chat domain.ChatID
	user domain.UserID
}

type chatRow struct {
	chat       domain.Chat
	lastSeq    int64
	lastSentAt time.Time
	messages   []domain.MessageID // in seq order
}

// Store is the shared state behind the repositories returned by Chats,
// Members, Messages and Notifications.
type Store struct {
	mu            sync.RWMutex
	chats         map[domain.ChatID]*chatRow
	members       map[memberKey]*domain.Membership
	messages      map[domain.MessageID]*domain.Message
	notifications []domain.Notification

	now func() time.Time
}

func New() *Store {
	return &Store{
		chats:    make(map[domain.ChatID]*chatRow),
		members:  make(map[memberKey]*domain.Membership),
		messages: make(map[domain.MessageID]*domain.Message),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Only for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Chats() *ChatRepository { return &ChatRepository{s: s} }

func (s *Store) Members() *MemberRepository { return &MemberRepository{s: s} }

func (s *Store) Messages() *MessageRepository { return &MessageRepository{s: s} }

func (s *Store) Notifications() *NotificationSink { return &NotificationSink{s: s} }

// Sent returns a copy of every notification recorded so far.
func (s *Store) Sent() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// MessageCount returns how many messages are stored for a chat.
func (s *Store) MessageCount(chatID domain.ChatID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row, ok := s.chats[chatID]; ok {
		return len(row.messages)
	}
	return 0
}

// dropMessage forgets a message and clears references to it. The caller
// holds s.mu and fixes up the chat's message list.
func (s *Store) dropMessage(id domain.MessageID) {
	delete(s.messages, id)
	for _, m := range s.messages {
		if m.ReplyTo != nil && *m.ReplyTo == id {
			m.ReplyTo = nil
		}
		if m.ForwardFrom != nil && *m.ForwardFrom == id {
			m.ForwardFrom = nil
		}
	}
}

func sortChats(chats []domain.Chat) {
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].CreatedAt.Equal(chats[j].CreatedAt) {
			return chats[i].ID > chats[j].ID
		}
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
}

func copyMessage(m *domain.Message) domain.Message {
	out := *m
	if m.Voice != nil {
		out.Voice = append([]byte(nil), m.Voice...)
	}
	return out
}
