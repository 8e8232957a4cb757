package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/logger"
)

// MemberService owns every authorization decision about a chat: who may
// publish, read history and administer members.
type MemberService struct {
	chats    ChatRepository
	members  MemberRepository
	notifier Notifier
	log      *slog.Logger
}

func NewMemberService(chats ChatRepository, members MemberRepository, notifier Notifier, log *slog.Logger) *MemberService {
	if log == nil {
		log = slog.Default()
	}
	return &MemberService{chats: chats, members: members, notifier: notifier, log: log}
}

// IsActiveMember reports whether the user holds an active membership.
func (s *MemberService) IsActiveMember(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	m, err := s.members.Get(ctx, chatID, userID)
	if errors.Is(err, domain.ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.IsActive, nil
}

// CanMessage is the single publish permission check. It is currently the
// same rule as IsActiveMember.
func (s *MemberService) CanMessage(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	return s.IsActiveMember(ctx, chatID, userID)
}

func (s *MemberService) IsAdmin(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	m, err := s.members.Get(ctx, chatID, userID)
	if errors.Is(err, domain.ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.IsActive && m.IsAdmin, nil
}

// AddMember creates or re-activates a membership. addedBy may be empty for
// system-initiated adds, in which case no invite is sent to the new member.
func (s *MemberService) AddMember(ctx context.Context, chatID domain.ChatID, userID, addedBy domain.UserID) (bool, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return false, err
	}
	if err := s.members.Activate(ctx, chatID, userID); err != nil {
		return false, fmt.Errorf("memberRepo.Activate: %w", err)
	}

	if addedBy != "" {
		s.notify(ctx, domain.Notification{
			UserID:      userID,
			Kind:        domain.NotifyChatInvite,
			Title:       "Chat invitation",
			Description: fmt.Sprintf("%s invited you to chat %q", addedBy, chatName(chat)),
			ChatID:      &chat.ID,
		})
	}

	others, err := s.members.ListActive(ctx, chatID)
	if err != nil {
		s.log.Warn("list members for notification failed", "chat", chatID, logger.Err(err))
		return true, nil
	}
	for _, m := range others {
		if m.UserID == userID {
			continue
		}
		s.notify(ctx, domain.Notification{
			UserID:      m.UserID,
			Kind:        domain.NotifyMemberAdded,
			Title:       "New member",
			Description: fmt.Sprintf("%s was added to chat %q", userID, chatName(chat)),
			ChatID:      &chat.ID,
		})
	}
	return true, nil
}

// RemoveMember deactivates a membership. It returns false when the user was
// not an active member.
func (s *MemberService) RemoveMember(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (bool, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return false, err
	}
	removed, err := s.members.Deactivate(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("memberRepo.Deactivate: %w", err)
	}
	if !removed {
		return false, nil
	}

	s.notify(ctx, domain.Notification{
		UserID:      userID,
		Kind:        domain.NotifyChatRemoved,
		Title:       "Removed from chat",
		Description: fmt.Sprintf("You were removed from chat %q", chatName(chat)),
		ChatID:      &chat.ID,
	})
	return true, nil
}

func (s *MemberService) ListMembers(ctx context.Context, chatID domain.ChatID) ([]domain.Membership, error) {
	if _, err := s.chats.Get(ctx, chatID); err != nil {
		return nil, err
	}
	return s.members.ListActive(ctx, chatID)
}

func (s *MemberService) PromoteToAdmin(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error {
	return s.members.SetAdmin(ctx, chatID, userID, true)
}

func (s *MemberService) DemoteAdmin(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error {
	return s.members.SetAdmin(ctx, chatID, userID, false)
}

// RequireAdmin returns domain.ErrNotAdmin unless actor is an active admin.
func (s *MemberService) RequireAdmin(ctx context.Context, chatID domain.ChatID, actor domain.UserID) error {
	if _, err := s.chats.Get(ctx, chatID); err != nil {
		return err
	}
	ok, err := s.IsAdmin(ctx, chatID, actor)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAdmin
	}
	return nil
}

// notify never fails the caller; a lost notification is only logged.
func (s *MemberService) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed", "user", n.UserID, "kind", n.Kind, logger.Err(err))
	}
}

func chatName(c *domain.Chat) string {
	if c.Name != nil {
		return *c.Name
	}
	return string(c.ID)
}
