package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/Austin-rgb/messages/internal/domain"
	appCtx "github.com/Austin-rgb/messages/internal/pkg/context"
	"github.com/Austin-rgb/messages/internal/service"
	"github.com/Austin-rgb/messages/internal/transport/rest/response"
)

type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	var req struct {
		Participants []string `json:"participants"`
		Name         *string  `json:"name"`
		Title        *string  `json:"title"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body")
		return
	}

	conv, err := h.svc.CreateConversation(r.Context(), principal, req.Participants, req.Name, req.Title)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	convs, err := h.svc.ListConversations(r.Context(), principal)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, convs)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), principal, chi.URLParam(r, "name"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, conv)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	var req struct {
		Text    string `json:"text"`
		ReplyTo *int64 `json:"reply_to"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body")
		return
	}

	if _, err := h.svc.PostToConversation(r.Context(), principal, chi.URLParam(r, "name"), req.Text, req.ReplyTo); err != nil {
		handleErr(w, r, err)
		return
	}
	response.OK(w)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error())
		return
	}

	msgs, err := h.svc.FetchMessages(r.Context(), principal, chi.URLParam(r, "name"), filters)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) PostToPeer(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	var req struct {
		Text    string `json:"text"`
		ReplyTo *int64 `json:"reply_to"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body")
		return
	}

	if _, err := h.svc.PostToPeer(r.Context(), principal, chi.URLParam(r, "peer"), req.Text, req.ReplyTo); err != nil {
		handleErr(w, r, err)
		return
	}
	response.OK(w)
}

func (h *Handler) GetInbox(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error())
		return
	}

	msgs, err := h.svc.FetchInbox(r.Context(), principal, filters)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	recs, err := h.svc.FetchReceipts(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, recs)
}

func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	reaction, err := strconv.ParseInt(chi.URLParam(r, "reaction"), 10, 16)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "reaction must be a small integer")
		return
	}

	if err := h.svc.React(r.Context(), principal, chi.URLParam(r, "id"), int16(reaction)); err != nil {
		handleErr(w, r, err)
		return
	}
	response.OK(w)
}

func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
		return
	}

	if err := h.svc.MarkAsRead(r.Context(), principal, chi.URLParam(r, "id")); err != nil {
		handleErr(w, r, err)
		return
	}
	response.OK(w)
}

func parseFilters(r *http.Request) (domain.MessageFilters, error) {
	q := r.URL.Query()
	var f domain.MessageFilters

	if s := strings.TrimSpace(q.Get("source")); s != "" {
		f.Source = &s
	}
	for name, dst := range map[string]**int64{"reply_to": &f.ReplyTo, "created": &f.Created} {
		if s := strings.TrimSpace(q.Get(name)); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return domain.MessageFilters{}, errors.New("invalid " + name)
			}
			*dst = &v
		}
	}
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return domain.MessageFilters{}, errors.New("invalid limit")
		}
		f.Limit = v
	}
	if s := strings.TrimSpace(q.Get("offset")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return domain.MessageFilters{}, errors.New("invalid offset")
		}
		f.Offset = v
	}
	return f, nil
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error())
	case errors.Is(err, domain.ErrNotParticipant):
		fail(w, r, http.StatusForbidden, "conversation.forbidden", "not a participant in this conversation")
	case errors.Is(err, domain.ErrNotSender):
		fail(w, r, http.StatusNotFound, "message.not_found", "message not found")
	case errors.Is(err, domain.ErrConversationNotFound):
		fail(w, r, http.StatusNotFound, "conversation.not_found", "conversation not found")
	case errors.Is(err, domain.ErrNameTaken):
		fail(w, r, http.StatusConflict, "conversation.name_taken", "conversation name already taken")
	case errors.Is(err, domain.ErrQueueUnavailable):
		fail(w, r, http.StatusServiceUnavailable, "queue.unavailable", "message queue unavailable")
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	response.Fail(w, status, code, message, appCtx.GetRequestID(r.Context()))
}
