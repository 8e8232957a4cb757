package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/google/uuid"
)

type ChatRepository struct{ s *Store }

func (r *ChatRepository) Create(_ context.Context, chat *domain.Chat) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.chats[chat.ID]; ok {
		return domain.ErrAlreadyExists
	}
	chat.CreatedAt = r.s.now().UTC()
	r.s.chats[chat.ID] = &chatRow{chat: *chat}

	if chat.CreatorID != nil {
		key := memberKey{chat.ID, *chat.CreatorID}
		r.s.members[key] = &domain.Membership{
			ChatID:   chat.ID,
			UserID:   *chat.CreatorID,
			IsActive: true,
			IsAdmin:  true,
			JoinedAt: chat.CreatedAt,
		}
	}
	return nil
}

func (r *ChatRepository) Get(_ context.Context, id domain.ChatID) (*domain.Chat, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row, ok := r.s.chats[id]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	c := row.chat
	return &c, nil
}

func (r *ChatRepository) ListForUser(_ context.Context, userID domain.UserID) ([]domain.Chat, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]domain.Chat, 0)
	for key, m := range r.s.members {
		if key.user != userID || !m.IsActive {
			continue
		}
		if row, ok := r.s.chats[key.chat]; ok {
			out = append(out, row.chat)
		}
	}
	sortChats(out)
	return out, nil
}

func (r *ChatRepository) Rename(_ context.Context, id domain.ChatID, name *string) (*domain.Chat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.chats[id]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	if name != nil {
		n := *name
		name = &n
	}
	row.chat.Name = name
	c := row.chat
	return &c, nil
}

func (r *ChatRepository) Delete(_ context.Context, id domain.ChatID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.chats[id]
	if !ok {
		return domain.ErrChatNotFound
	}
	for _, mid := range row.messages {
		r.s.dropMessage(mid)
	}
	for key := range r.s.members {
		if key.chat == id {
			delete(r.s.members, key)
		}
	}
	for i := range r.s.notifications {
		if n := &r.s.notifications[i]; n.ChatID != nil && *n.ChatID == id {
			n.ChatID = nil
		}
	}
	delete(r.s.chats, id)
	return nil
}

type MemberRepository struct{ s *Store }

func (r *MemberRepository) Get(_ context.Context, chatID domain.ChatID, userID domain.UserID) (*domain.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.members[memberKey{chatID, userID}]
	if !ok {
		return nil, domain.ErrNotMember
	}
	out := *m
	return &out, nil
}

func (r *MemberRepository) Activate(_ context.Context, chatID domain.ChatID, userID domain.UserID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.chats[chatID]; !ok {
		return domain.ErrChatNotFound
	}
	key := memberKey{chatID, userID}
	if m, ok := r.s.members[key]; ok {
		m.IsActive = true
		return nil
	}
	r.s.members[key] = &domain.Membership{
		ChatID:   chatID,
		UserID:   userID,
		IsActive: true,
		JoinedAt: r.s.now().UTC(),
	}
	return nil
}

func (r *MemberRepository) Deactivate(_ context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.members[memberKey{chatID, userID}]
	if !ok || !m.IsActive {
		return false, nil
	}
	m.IsActive = false
	return true, nil
}

func (r *MemberRepository) ListActive(_ context.Context, chatID domain.ChatID) ([]domain.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []domain.Membership
	for key, m := range r.s.members {
		if key.chat == chatID && m.IsActive {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *MemberRepository) SetAdmin(_ context.Context, chatID domain.ChatID, userID domain.UserID, admin bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.members[memberKey{chatID, userID}]
	if !ok || !m.IsActive {
		return domain.ErrNotMember
	}
	if m.IsAdmin == admin {
		return nil
	}
	if !admin {
		admins := 0
		for key, other := range r.s.members {
			if key.chat == chatID && other.IsActive && other.IsAdmin {
				admins++
			}
		}
		if admins <= 1 {
			return domain.ErrLastAdmin
		}
	}
	m.IsAdmin = admin
	return nil
}

type MessageRepository struct{ s *Store }

func (r *MessageRepository) Append(_ context.Context, msg domain.NewMessage) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.s.chats[msg.ChatID]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	for _, ref := range []*domain.MessageID{msg.ReplyTo, msg.ForwardFrom} {
		if ref == nil {
			continue
		}
		if _, ok := r.s.messages[*ref]; !ok {
			return nil, domain.ErrInvalidReference
		}
	}
	if msg.Empty() {
		return nil, domain.ErrEmptyMessage
	}

	sentAt := r.s.now().UTC()
	if floor := row.lastSentAt.Add(time.Microsecond); !row.lastSentAt.IsZero() && sentAt.Before(floor) {
		sentAt = floor
	}
	row.lastSeq++
	row.lastSentAt = sentAt

	sender := msg.SenderID
	stored := &domain.Message{
		ID:          domain.MessageID(uuid.NewString()),
		ChatID:      msg.ChatID,
		SenderID:    &sender,
		Content:     msg.Content,
		ReplyTo:     msg.ReplyTo,
		ForwardFrom: msg.ForwardFrom,
		Seq:         row.lastSeq,
		SentAt:      sentAt,
	}
	if msg.Voice != nil {
		stored.Voice = append([]byte(nil), msg.Voice...)
	}
	r.s.messages[stored.ID] = stored
	row.messages = append(row.messages, stored.ID)

	out := copyMessage(stored)
	return &out, nil
}

func (r *MessageRepository) Get(_ context.Context, id domain.MessageID) (*domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := copyMessage(m)
	return &out, nil
}

func (r *MessageRepository) History(_ context.Context, chatID domain.ChatID, before string, limit int) ([]domain.Message, string, error) {
	limit = domain.ClampLimit(limit)
	cur, err := domain.DecodeCursor(before)
	if err != nil {
		return nil, "", err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row, ok := r.s.chats[chatID]
	if !ok {
		return []domain.Message{}, "", nil
	}

	out := make([]domain.Message, 0, limit)
	for i := len(row.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.s.messages[row.messages[i]]
		if cur != nil {
			older := m.SentAt.Before(cur.SentAt) ||
				(m.SentAt.Equal(cur.SentAt) && string(m.ID) < cur.ID)
			if !older {
				continue
			}
		}
		out = append(out, copyMessage(m))
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		next, _ = domain.EncodeCursor(domain.Cursor{SentAt: last.SentAt, ID: string(last.ID)})
	}
	return out, next, nil
}

func (r *MessageRepository) UpdateContent(_ context.Context, id domain.MessageID, content string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	m.Content = &content
	m.IsEdited = true
	out := copyMessage(m)
	return &out, nil
}

func (r *MessageRepository) Delete(_ context.Context, id domain.MessageID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if row, ok := r.s.chats[m.ChatID]; ok {
		row.messages = slices.DeleteFunc(row.messages, func(mid domain.MessageID) bool { return mid == id })
	}
	r.s.dropMessage(id)
	return nil
}

type NotificationSink struct{ s *Store }

func (n *NotificationSink) Notify(_ context.Context, notif domain.Notification) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	if notif.ID == "" {
		notif.ID = uuid.NewString()
	}
	notif.CreatedAt = n.s.now().UTC()
	n.s.notifications = append(n.s.notifications, notif)
	return nil
}
