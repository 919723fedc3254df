package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/sse"
	"github.com/sowankispassah/khasigpt/internal/store"
)

// maxTitleLen bounds conversation titles derived from the first message.
const maxTitleLen = 80

// ChatHandler serves the generation endpoints.
type ChatHandler struct {
	store   store.Store
	gen     Generator
	limiter *rateLimiter
	logger  log.Logger
}

// NewChatHandler creates a ChatHandler. limiter may be nil.
func NewChatHandler(st store.Store, gen Generator, limiter *rateLimiter, logger log.Logger) *ChatHandler {
	return &ChatHandler{store: st, gen: gen, limiter: limiter, logger: logger}
}

// RegisterRoutes registers the generation routes on mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.handleStream)
	mux.HandleFunc("GET /api/chat/{id}/resume", h.handleResume)
}

// streamRequest is the generation request wire format. Mode names the
// topic/workspace a newly created conversation belongs to.
type streamRequest struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
	Profile        string       `json:"generationProfile"`
	Visibility     string       `json:"visibility"`
	Mode           string       `json:"mode"`
}

// conversationData is the payload of the data-part fragment announcing a
// newly created conversation.
type conversationData struct {
	ConversationID string `json:"conversationId"`
}

// handleStream starts one generation and streams its fragments as SSE.
// Request errors are rejected with a JSON body before any SSE framing;
// failures mid-generation arrive as an "error" event on the stream.
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Message.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed, err.Error())
		return
	}

	if h.limiter != nil && !h.limiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "",
			"too many requests, slow down")
		return
	}

	ctx := r.Context()

	conv, created, err := h.resolveConversation(ctx, req)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	req.Message.Role = chat.RoleUser
	history, err := h.store.Messages(ctx, conv.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.AppendMessages(ctx, conv.ID, []store.Message{{
		ID:    parsedOrNewID(req.Message.ID),
		Role:  chat.RoleUser,
		Parts: req.Message.Parts,
	}}); err != nil {
		h.writeStoreError(w, err)
		return
	}

	gen, err := h.store.StartGeneration(ctx, conv.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		h.logger.Error("streaming not supported", "error", err)
		writeError(w, http.StatusInternalServerError, "", "streaming not supported")
		return
	}

	h.logger.Info("generation started",
		"conversation_id", conv.ID, "profile", req.Profile, "new", created)

	// Generation and recording run detached from the client connection: a
	// dropped client stops delivery, not the generation, so the finished
	// reply is still persisted and replayable.
	genCtx := context.WithoutCancel(ctx)
	clientGone := false
	deliver := func(frag chat.Fragment) error {
		// Record first so a mid-write disconnect still leaves the
		// fragment replayable.
		if err := h.store.AppendFragment(genCtx, gen.ID, frag); err != nil {
			return err
		}
		if clientGone {
			return nil
		}
		if ctx.Err() != nil || sw.WriteEvent(string(frag.Type), frag) != nil {
			clientGone = true
			h.logger.Debug("client disconnected, generation continues",
				"conversation_id", conv.ID)
		}
		return nil
	}

	if created {
		payload, _ := json.Marshal(conversationData{ConversationID: conv.ID.String()})
		frag := chat.Fragment{Type: chat.FragmentDataPart, Kind: "conversation", Payload: payload}
		if err := deliver(frag); err != nil {
			h.logger.Error("record conversation announcement",
				"conversation_id", conv.ID, "error", err)
			return
		}
	}

	chatHistory := make([]chat.Message, 0, len(history)+1)
	for _, m := range history {
		chatHistory = append(chatHistory, chat.Message{
			ID:    m.ID.String(),
			Role:  m.Role,
			Parts: m.Parts,
		})
	}
	chatHistory = append(chatHistory, req.Message)

	acc := chat.NewAccumulator(uuid.NewString())
	genErr := h.gen.Generate(genCtx, chatHistory, func(frag chat.Fragment) error {
		if err := acc.Apply(frag); err != nil {
			return err
		}
		return deliver(frag)
	})

	if genErr != nil {
		h.logger.Warn("generation failed",
			"conversation_id", conv.ID, "error", genErr)
		if !clientGone && ctx.Err() == nil {
			code := ""
			var coded *classify.CodedError
			if errors.As(genErr, &coded) {
				code = coded.Code
			}
			_ = sw.WriteEvent("error", errorBody{Code: code, Message: genErr.Error()})
		}
		return
	}

	assistant := acc.Message()
	if len(assistant.Parts) > 0 {
		if err := h.store.AppendMessages(genCtx, conv.ID, []store.Message{{
			ID:    parsedOrNewID(assistant.ID),
			Role:  chat.RoleAssistant,
			Parts: assistant.Parts,
		}}); err != nil {
			h.logger.Error("persist assistant message",
				"conversation_id", conv.ID, "error", err)
			return
		}
	}
	if err := h.store.FinishGeneration(genCtx, gen.ID); err != nil {
		h.logger.Error("finish generation record",
			"generation_id", gen.ID, "error", err)
	}

	h.logger.Info("generation completed",
		"conversation_id", conv.ID, "parts", len(assistant.Parts))
}

// handleResume replays the latest generation of a conversation. Replies
// 204 when the last stored message is not from the user or when no
// generation is recorded: there is nothing the client has not seen.
func (h *ChatHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed,
			"invalid conversation id")
		return
	}

	ctx := r.Context()

	msgs, err := h.store.Messages(ctx, convID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if n := len(msgs); n == 0 || msgs[n-1].Role != chat.RoleUser {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	gen, err := h.store.LatestGeneration(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.writeStoreError(w, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "streaming not supported")
		return
	}

	h.logger.Info("replaying generation",
		"conversation_id", convID, "fragments", len(gen.Fragments), "done", gen.Done)

	for _, frag := range gen.Fragments {
		if err := sw.WriteEvent(string(frag.Type), frag); err != nil {
			h.logger.Debug("client gone during replay", "error", err)
			return
		}
	}
}

// resolveConversation loads the requested conversation, creating one
// when no id was sent.
func (h *ChatHandler) resolveConversation(ctx context.Context, req streamRequest) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		visibility := req.Visibility
		if visibility == "" {
			visibility = "private"
		}
		conv, err := h.store.CreateConversation(ctx, deriveTitle(req.Message), visibility, req.Mode)
		return conv, true, err
	}

	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return nil, false, &classify.ValidationError{
			Field:  "conversationId",
			Reason: "not a valid UUID",
		}
	}
	conv, err := h.store.GetConversation(ctx, convID)
	return conv, false, err
}

func (h *ChatHandler) writeStoreError(w http.ResponseWriter, err error) {
	var ve *classify.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, classify.CodeValidationFailed, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "", "conversation not found")
	default:
		h.logger.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}

// deriveTitle takes the first line of the message text, truncated on a
// rune boundary.
func deriveTitle(msg chat.Message) string {
	title := msg.Text()
	for i, r := range title {
		if r == '\n' {
			title = title[:i]
			break
		}
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		runes := []rune(title)
		title = string(runes[:maxTitleLen])
	}
	return title
}

func parsedOrNewID(id string) uuid.UUID {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.New()
}
