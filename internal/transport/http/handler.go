package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cwrk-planet/chat-service/internal/domain"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/logger"
	"github.com/cwrk-planet/chat-service/internal/service"
	httpmw "github.com/cwrk-planet/chat-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	chatSvc    *service.ChatService
	memberSvc  *service.MemberService
	messageSvc *service.MessageService
	gw         *gateway.Gateway
}

func NewHandler(chats *service.ChatService, members *service.MemberService, messages *service.MessageService, gw *gateway.Gateway) *Handler {
	return &Handler{
		chatSvc:    chats,
		memberSvc:  members,
		messageSvc: messages,
		gw:         gw,
	}
}

func chatIDParam(r *http.Request) domain.ChatID {
	return domain.ChatID(chi.URLParam(r, "chatID"))
}

// POST /chats
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "handler.CreateChat.Decode", err)
		return
	}
	chat, err := h.chatSvc.CreateChat(r.Context(), httpmw.UserIDFromCtx(r.Context()), req.Name, req.Type)
	if err != nil {
		writeError(w, r, "handler.CreateChat", err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatItem(*chat))
}

// GET /chats
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatSvc.ListChats(r.Context(), httpmw.UserIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, r, "handler.ListChats", err)
		return
	}
	resp := ChatsResponse{Items: make([]ChatItem, 0, len(chats))}
	for _, c := range chats {
		resp.Items = append(resp.Items, toChatItem(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /chats/{chatID}
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	chat, err := h.chatSvc.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, r, "handler.GetChat", err)
		return
	}
	n, err := h.chatSvc.MemberCount(r.Context(), chatID)
	if err != nil {
		writeError(w, r, "handler.GetChat.MemberCount", err)
		return
	}
	item := toChatItem(*chat)
	item.MemberCount = &n
	writeJSON(w, http.StatusOK, item)
}

// PATCH /chats/{chatID}
func (h *Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	var req RenameChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "handler.RenameChat.Decode", err)
		return
	}
	if err := h.memberSvc.RequireAdmin(r.Context(), chatID, httpmw.UserIDFromCtx(r.Context())); err != nil {
		writeError(w, r, "handler.RenameChat.RequireAdmin", err)
		return
	}
	chat, err := h.chatSvc.RenameChat(r.Context(), chatID, req.Name)
	if err != nil {
		writeError(w, r, "handler.RenameChat", err)
		return
	}
	writeJSON(w, http.StatusOK, toChatItem(*chat))
}

// DELETE /chats/{chatID}. Live sessions of the chat on this instance are
// closed with a chat_not_found error frame.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	if err := h.memberSvc.RequireAdmin(r.Context(), chatID, httpmw.UserIDFromCtx(r.Context())); err != nil {
		writeError(w, r, "handler.DeleteChat.RequireAdmin", err)
		return
	}
	if err := h.chatSvc.DeleteChat(r.Context(), chatID); err != nil {
		writeError(w, r, "handler.DeleteChat", err)
		return
	}
	h.gw.CloseChat(r.Context(), chatID)
	w.WriteHeader(http.StatusNoContent)
}

// GET /chats/{chatID}/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.memberSvc.ListMembers(r.Context(), chatIDParam(r))
	if err != nil {
		writeError(w, r, "handler.ListMembers", err)
		return
	}
	writeJSON(w, http.StatusOK, MembersResponse{Items: toMemberItems(members)})
}

// POST /chats/{chatID}/members
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	actor := httpmw.UserIDFromCtx(r.Context())

	var req AddMemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "handler.AddMember.Decode", err)
		return
	}
	if err := h.memberSvc.RequireAdmin(r.Context(), chatID, actor); err != nil {
		writeError(w, r, "handler.AddMember.RequireAdmin", err)
		return
	}
	ok, err := h.memberSvc.AddMember(r.Context(), chatID, domain.UserID(req.UserID), actor)
	if err != nil {
		writeError(w, r, "handler.AddMember", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

// DELETE /chats/{chatID}/members/{userID}. Members may always remove
// themselves; removing someone else takes an admin.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	actor := httpmw.UserIDFromCtx(r.Context())
	target := domain.UserID(chi.URLParam(r, "userID"))

	if target != actor {
		if err := h.memberSvc.RequireAdmin(r.Context(), chatID, actor); err != nil {
			writeError(w, r, "handler.RemoveMember.RequireAdmin", err)
			return
		}
	}
	ok, err := h.memberSvc.RemoveMember(r.Context(), chatID, target)
	if err != nil {
		writeError(w, r, "handler.RemoveMember", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

// PUT /chats/{chatID}/admins/{userID}
func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, true)
}

// DELETE /chats/{chatID}/admins/{userID}
func (h *Handler) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, false)
}

func (h *Handler) setAdmin(w http.ResponseWriter, r *http.Request, admin bool) {
	chatID := chatIDParam(r)
	target := domain.UserID(chi.URLParam(r, "userID"))
	if err := h.memberSvc.RequireAdmin(r.Context(), chatID, httpmw.UserIDFromCtx(r.Context())); err != nil {
		writeError(w, r, "handler.setAdmin.RequireAdmin", err)
		return
	}

	var err error
	if admin {
		err = h.memberSvc.PromoteToAdmin(r.Context(), chatID, target)
	} else {
		err = h.memberSvc.DemoteAdmin(r.Context(), chatID, target)
	}
	if err != nil {
		writeError(w, r, "handler.setAdmin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /chats/{chatID}/messages?before=&limit=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, "handler.History", domain.ErrMalformedInput)
			return
		}
		limit = n
	}
	before := r.URL.Query().Get("before")

	items, next, err := h.messageSvc.History(r.Context(), chatIDParam(r), httpmw.UserIDFromCtx(r.Context()), before, limit)
	if err != nil {
		writeError(w, r, "handler.History", err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Items: toMessageItems(items), NextCursor: next})
}

// POST /chats/{chatID}/messages goes through the gateway so connected
// sessions receive it like any WebSocket message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "handler.SendMessage.Decode", err)
		return
	}
	frame := gateway.InboundFrame{
		Message:     req.Message,
		Voice:       req.Voice,
		ReplyTo:     req.ReplyTo,
		ForwardFrom: req.ForwardFrom,
	}

	m, err := h.gw.Send(r.Context(), httpmw.UserIDFromCtx(r.Context()), chatIDParam(r), frame)
	switch {
	case errors.Is(err, gateway.ErrPublishFailure) && m != nil:
		// stored; live subscribers will see it on their next history fetch
		logger.FromContext(r.Context()).Error("message stored but not broadcast", "message", m.ID, logger.Err(err))
	case err != nil:
		writeError(w, r, "handler.SendMessage", err)
		return
	case m == nil:
		writeError(w, r, "handler.SendMessage", domain.ErrEmptyMessage)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageItem(*m))
}

// PATCH /chats/{chatID}/messages/{messageID}
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, "handler.EditMessage.Decode", err)
		return
	}
	userID := httpmw.UserIDFromCtx(r.Context())
	id := domain.MessageID(chi.URLParam(r, "messageID"))

	current, err := h.messageSvc.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, "handler.EditMessage.Get", err)
		return
	}
	if current.ChatID != chatIDParam(r) {
		writeError(w, r, "handler.EditMessage", domain.ErrMessageNotFound)
		return
	}

	m, err := h.gw.Edit(r.Context(), userID, id, req.Content)
	switch {
	case errors.Is(err, gateway.ErrPublishFailure) && m != nil:
		logger.FromContext(r.Context()).Error("edit stored but not broadcast", "message", m.ID, logger.Err(err))
	case err != nil:
		writeError(w, r, "handler.EditMessage", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageItem(*m))
}

// DELETE /chats/{chatID}/messages/{messageID}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := httpmw.UserIDFromCtx(r.Context())
	id := domain.MessageID(chi.URLParam(r, "messageID"))

	current, err := h.messageSvc.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, "handler.DeleteMessage.Get", err)
		return
	}
	if current.ChatID != chatIDParam(r) {
		writeError(w, r, "handler.DeleteMessage", domain.ErrMessageNotFound)
		return
	}

	m, err := h.gw.Delete(r.Context(), userID, id)
	switch {
	case errors.Is(err, gateway.ErrPublishFailure) && m != nil:
		logger.FromContext(r.Context()).Error("delete stored but not broadcast", "message", m.ID, logger.Err(err))
	case err != nil:
		writeError(w, r, "handler.DeleteMessage", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
