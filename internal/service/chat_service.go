package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/google/uuid"
)

type ChatService struct {
	chats   ChatRepository
	members MemberRepository
}

func NewChatService(chats ChatRepository, members MemberRepository) *ChatService {
	return &ChatService{chats: chats, members: members}
}

// CreateChat creates the chat and makes the creator its first admin.
func (s *ChatService) CreateChat(ctx context.Context, creator domain.UserID, name string, typ domain.ChatType) (*domain.Chat, error) {
	if typ == "" {
		typ = domain.ChatGroup
	}
	if !typ.Valid() || creator == "" {
		return nil, domain.ErrMalformedInput
	}

	chat := &domain.Chat{
		ID:        domain.ChatID(uuid.NewString()),
		CreatorID: &creator,
		Type:      typ,
		IsActive:  true,
	}
	if name = strings.TrimSpace(name); name != "" {
		chat.Name = &name
	}

	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("chatRepo.Create: %w", err)
	}
	return chat, nil
}

func (s *ChatService) GetChat(ctx context.Context, id domain.ChatID) (*domain.Chat, error) {
	return s.chats.Get(ctx, id)
}

// ListChats returns the chats where the user is an active member.
func (s *ChatService) ListChats(ctx context.Context, userID domain.UserID) ([]domain.Chat, error) {
	return s.chats.ListForUser(ctx, userID)
}

func (s *ChatService) MemberCount(ctx context.Context, id domain.ChatID) (int, error) {
	if _, err := s.chats.Get(ctx, id); err != nil {
		return 0, err
	}
	active, err := s.members.ListActive(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// RenameChat sets the chat name; a blank name clears it. Callers check that
// the actor is an admin.
func (s *ChatService) RenameChat(ctx context.Context, id domain.ChatID, name string) (*domain.Chat, error) {
	var n *string
	if name = strings.TrimSpace(name); name != "" {
		n = &name
	}
	chat, err := s.chats.Rename(ctx, id, n)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.Rename: %w", err)
	}
	return chat, nil
}

// DeleteChat removes the chat and everything in it. Callers check that the
// actor is an admin.
func (s *ChatService) DeleteChat(ctx context.Context, id domain.ChatID) error {
	if err := s.chats.Delete(ctx, id); err != nil {
		return fmt.Errorf("chatRepo.Delete: %w", err)
	}
	return nil
}
