package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// InboundFrame is what a client sends. Voice is base64 in JSON.
type InboundFrame struct {
	Message     *string           `json:"message,omitempty"`
	Voice       []byte            `json:"voice,omitempty"`
	ReplyTo     *domain.MessageID `json:"reply_to,omitempty"`
	ForwardFrom *domain.MessageID `json:"forward_from,omitempty"`
}

func DecodeFrame(data []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return f, nil
}

func (f InboundFrame) toMessage(chatID domain.ChatID, userID domain.UserID) domain.NewMessage {
	return domain.NewMessage{
		ChatID:      chatID,
		SenderID:    userID,
		Content:     f.Message,
		Voice:       f.Voice,
		ReplyTo:     f.ReplyTo,
		ForwardFrom: f.ForwardFrom,
	}
}

// OutboundMessage is the broadcast form of a stored message.
type OutboundMessage struct {
	ID          domain.MessageID  `json:"id"`
	Chat        domain.ChatID     `json:"chat"`
	Sender      *domain.UserID    `json:"sender"`
	Content     *string           `json:"content"`
	Voice       []byte            `json:"voice"`
	ReplyTo     *domain.MessageID `json:"reply_to"`
	ForwardFrom *domain.MessageID `json:"forward_from"`
	IsEdited    bool              `json:"is_edited"`
	SentAt      time.Time         `json:"sent_at"`
	Seq         int64             `json:"seq"`
}

func NewOutboundMessage(m *domain.Message) OutboundMessage {
	return OutboundMessage{
		ID:          m.ID,
		Chat:        m.ChatID,
		Sender:      m.SenderID,
		Content:     m.Content,
		Voice:       m.Voice,
		ReplyTo:     m.ReplyTo,
		ForwardFrom: m.ForwardFrom,
		IsEdited:    m.IsEdited,
		SentAt:      m.SentAt,
		Seq:         m.Seq,
	}
}

func EncodeMessage(m *domain.Message) ([]byte, error) {
	return json.Marshal(NewOutboundMessage(m))
}

// DeletedFrame tells subscribers that a message was removed.
type DeletedFrame struct {
	Deleted DeletedBody `json:"deleted"`
}

type DeletedBody struct {
	ID   domain.MessageID `json:"id"`
	Chat domain.ChatID    `json:"chat"`
	Seq  int64            `json:"seq"`
}

func EncodeDeleted(m *domain.Message) ([]byte, error) {
	return json.Marshal(DeletedFrame{Deleted: DeletedBody{ID: m.ID, Chat: m.ChatID, Seq: m.Seq}})
}

type ErrorFrame struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func encodeError(err error, retryable bool) []byte {
	msg := err.Error()
	if retryable {
		// do not leak driver details to clients
		msg = "message was not saved, try again"
	}
	b, _ := json.Marshal(ErrorFrame{Error: ErrorBody{
		Code:      errorCode(err),
		Message:   msg,
		Retryable: retryable,
	}})
	return b
}
