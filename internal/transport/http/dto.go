package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const maxBodyBytes = 2 << 20

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrMalformedInput)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return nil
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CreateChatRequest struct {
	Name string          `json:"name" validate:"max=255"`
	Type domain.ChatType `json:"type" validate:"omitempty,oneof=private group channel"`
}

type ChatItem struct {
	ID          string    `json:"id"`
	Name        *string   `json:"name,omitempty"`
	CreatorID   *string   `json:"creator_id,omitempty"`
	Type        string    `json:"type"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	MemberCount *int      `json:"member_count,omitempty"`
}

type ChatsResponse struct {
	Items []ChatItem `json:"items"`
}

func toChatItem(c domain.Chat) ChatItem {
	item := ChatItem{
		ID:        string(c.ID),
		Name:      c.Name,
		Type:      string(c.Type),
		IsActive:  c.IsActive,
		CreatedAt: c.CreatedAt,
	}
	if c.CreatorID != nil {
		s := string(*c.CreatorID)
		item.CreatorID = &s
	}
	return item
}

type RenameChatRequest struct {
	Name string `json:"name" validate:"max=255"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type MemberItem struct {
	UserID   string    `json:"user_id"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

type MembersResponse struct {
	Items []MemberItem `json:"items"`
}

func toMemberItems(ms []domain.Membership) []MemberItem {
	return lo.Map(ms, func(m domain.Membership, _ int) MemberItem {
		return MemberItem{UserID: string(m.UserID), IsAdmin: m.IsAdmin, JoinedAt: m.JoinedAt}
	})
}

type SendMessageRequest struct {
	Message     *string           `json:"message" validate:"omitempty,max=16000"`
	Voice       []byte            `json:"voice"`
	ReplyTo     *domain.MessageID `json:"reply_to" validate:"omitempty,min=1"`
	ForwardFrom *domain.MessageID `json:"forward_from" validate:"omitempty,min=1"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type MessageItem struct {
	ID          string    `json:"id"`
	Chat        string    `json:"chat"`
	Sender      *string   `json:"sender"`
	Content     *string   `json:"content"`
	Voice       []byte    `json:"voice"`
	ReplyTo     *string   `json:"reply_to"`
	ForwardFrom *string   `json:"forward_from"`
	IsEdited    bool      `json:"is_edited"`
	SentAt      time.Time `json:"sent_at"`
	Seq         int64     `json:"seq"`
}

type MessagesResponse struct {
	Items      []MessageItem `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func toMessageItem(m domain.Message) MessageItem {
	item := MessageItem{
		ID:       string(m.ID),
		Chat:     string(m.ChatID),
		Content:  m.Content,
		Voice:    m.Voice,
		IsEdited: m.IsEdited,
		SentAt:   m.SentAt,
		Seq:      m.Seq,
	}
	if m.SenderID != nil {
		s := string(*m.SenderID)
		item.Sender = &s
	}
	if m.ReplyTo != nil {
		s := string(*m.ReplyTo)
		item.ReplyTo = &s
	}
	if m.ForwardFrom != nil {
		s := string(*m.ForwardFrom)
		item.ForwardFrom = &s
	}
	return item
}

func toMessageItems(ms []domain.Message) []MessageItem {
	return lo.Map(ms, func(m domain.Message, _ int) MessageItem { return toMessageItem(m) })
}
