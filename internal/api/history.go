package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/history"
	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryHandler serves the conversation list, delete, and vote
// endpoints.
type HistoryHandler struct {
	store  store.Store
	logger log.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(st store.Store, logger log.Logger) *HistoryHandler {
	return &HistoryHandler{store: st, logger: logger}
}

// RegisterRoutes registers the history routes on mux.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history", h.handleList)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/conversations/{id}/votes", h.handleGetVotes)
	mux.HandleFunc("PATCH /api/conversations/{id}/votes", h.handleSetVote)
}

// handleList returns one cursor page of conversation summaries, newest
// first. ending_before names the conversation the page must start
// after; mode restricts the listing to one topic/workspace.
func (h *HistoryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := int32(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
				"limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = int32(n)
	}

	endingBefore := uuid.Nil
	if raw := r.URL.Query().Get("ending_before"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
				"ending_before must be a conversation id")
			return
		}
		endingBefore = id
	}

	mode := r.URL.Query().Get("mode")

	conversations, hasMore, err := h.store.ListConversations(r.Context(), limit, endingBefore, mode)
	if err != nil {
		h.logger.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	page := history.Page{
		Items:   make([]history.ConversationSummary, 0, len(conversations)),
		HasMore: hasMore,
	}
	for _, c := range conversations {
		page.Items = append(page.Items, history.ConversationSummary{
			ID:            c.ID.String(),
			Title:         c.Title,
			Visibility:    history.Visibility(c.Visibility),
			Mode:          c.Mode,
			CreatedAt:     c.CreatedAt,
			LastRepliedAt: c.LastRepliedAt,
		})
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *HistoryHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"invalid conversation id")
		return
	}

	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "", "conversation not found")
			return
		}
		h.logger.Error("delete conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandler) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"invalid conversation id")
		return
	}

	votes, err := h.store.Votes(r.Context(), id)
	if err != nil {
		h.logger.Error("list votes", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	out := make([]history.Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, history.Vote{
			ConversationID: v.ConversationID.String(),
			MessageID:      v.MessageID.String(),
			IsUpvoted:      v.IsUpvoted,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// voteRequest is the PATCH votes wire format.
type voteRequest struct {
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}

func (h *HistoryHandler) handleSetVote(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"invalid conversation id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"invalid request body")
		return
	}
	msgID, err := uuid.Parse(req.MessageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"messageId must be a message id")
		return
	}

	if err := h.store.SetVote(r.Context(), store.Vote{
		ConversationID: convID,
		MessageID:      msgID,
		IsUpvoted:      req.IsUpvoted,
	}); err != nil {
		h.logger.Error("set vote", "conversation_id", convID, "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
