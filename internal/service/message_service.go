package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

const (
	DefaultMaxContentRunes = 4000
	DefaultMaxVoiceBytes   = 1 << 20
)

type MessageLimits struct {
	MaxContentRunes int
	MaxVoiceBytes   int
}

type MessageService struct {
	messages MessageRepository
	members  *MemberService
	limits   MessageLimits
}

func NewMessageService(messages MessageRepository, members *MemberService, limits MessageLimits) *MessageService {
	if limits.MaxContentRunes <= 0 {
		limits.MaxContentRunes = DefaultMaxContentRunes
	}
	if limits.MaxVoiceBytes <= 0 {
		limits.MaxVoiceBytes = DefaultMaxVoiceBytes
	}
	return &MessageService{messages: messages, members: members, limits: limits}
}

// Append validates and stores one message. It does not check that the sender
// may publish; callers go through MemberService.CanMessage first. Every call
// that passes validation stores a new row.
func (s *MessageService) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	msg.Normalize()
	if msg.Empty() {
		return nil, domain.ErrEmptyMessage
	}
	if err := s.checkLimits(msg.Content, msg.Voice); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, msg); err != nil {
		return nil, err
	}

	stored, err := s.messages.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Append: %w", err)
	}
	return stored, nil
}

func (s *MessageService) checkLimits(content *string, voice []byte) error {
	if content != nil && utf8.RuneCountInString(*content) > s.limits.MaxContentRunes {
		return domain.ErrMessageTooLong
	}
	if len(voice) > s.limits.MaxVoiceBytes {
		return domain.ErrMessageTooLong
	}
	return nil
}

// checkReferences enforces that reply_to points into the same chat and that
// forward_from is readable by the sender.
func (s *MessageService) checkReferences(ctx context.Context, msg domain.NewMessage) error {
	if msg.ReplyTo != nil {
		ref, err := s.lookup(ctx, *msg.ReplyTo)
		if err != nil {
			return err
		}
		if ref.ChatID != msg.ChatID {
			return domain.ErrInvalidReference
		}
	}
	if msg.ForwardFrom != nil {
		ref, err := s.lookup(ctx, *msg.ForwardFrom)
		if err != nil {
			return err
		}
		if ref.ChatID != msg.ChatID {
			ok, err := s.members.IsActiveMember(ctx, ref.ChatID, msg.SenderID)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInvalidReference
			}
		}
	}
	return nil
}

func (s *MessageService) lookup(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	m, err := s.messages.Get(ctx, id)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return nil, domain.ErrInvalidReference
	}
	return m, err
}

// History returns a newest-first page for an active member of the chat.
func (s *MessageService) History(ctx context.Context, chatID domain.ChatID, userID domain.UserID, before string, limit int) ([]domain.Message, string, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, "", err
	}
	return s.messages.History(ctx, chatID, before, limit)
}

func (s *MessageService) Get(ctx context.Context, userID domain.UserID, id domain.MessageID) (*domain.Message, error) {
	m, err := s.messages.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, m.ChatID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// Edit replaces the text of a message with non-blank content. Only its
// sender, while still an active member, may edit it.
func (s *MessageService) Edit(ctx context.Context, userID domain.UserID, id domain.MessageID, content string) (*domain.Message, error) {
	m, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if m.SenderID == nil || *m.SenderID != userID {
		return nil, domain.ErrNotSender
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domain.ErrEmptyMessage
	}
	if err := s.checkLimits(&content, nil); err != nil {
		return nil, err
	}

	updated, err := s.messages.UpdateContent(ctx, id, content)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.UpdateContent: %w", err)
	}
	return updated, nil
}

// Delete removes a message and returns it as it was. Only its sender, while
// still an active member, may delete it.
func (s *MessageService) Delete(ctx context.Context, userID domain.UserID, id domain.MessageID) (*domain.Message, error) {
	m, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if m.SenderID == nil || *m.SenderID != userID {
		return nil, domain.ErrNotSender
	}
	if err := s.messages.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("messageRepo.Delete: %w", err)
	}
	return m, nil
}

func (s *MessageService) requireMember(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error {
	ok, err := s.members.CanMessage(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotMember
	}
	return nil
}
