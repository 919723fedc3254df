package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/store"
	"github.com/sowankispassah/khasigpt/internal/testutil"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	cfg.Store = mem
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv, mem
}

func postStream(t *testing.T, srv *httptest.Server, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(srv.URL+"/api/chat/stream", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /api/chat/stream: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestStreamNewConversation(t *testing.T) {
	srv, mem := newTestServer(t, Config{})

	resp := postStream(t, srv, streamRequest{
		Message: chat.Message{
			ID:    uuid.NewString(),
			Parts: []chat.Part{chat.NewTextPart("hello world")},
		},
		Profile:    "chat-default",
		Visibility: "private",
		Mode:       "research",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, readBody(t, resp))
	}
	events := testutil.ParseSSEEvents(t, readBody(t, resp))

	// First event announces the created conversation.
	if len(events) == 0 || events[0].Type != "data-part" {
		t.Fatalf("events = %+v, want leading data-part", events)
	}
	var frag chat.Fragment
	if err := json.Unmarshal([]byte(events[0].Data), &frag); err != nil {
		t.Fatalf("decode data-part: %v", err)
	}
	if frag.Kind != "conversation" {
		t.Errorf("data-part kind = %q", frag.Kind)
	}
	var announced conversationData
	if err := json.Unmarshal(frag.Payload, &announced); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	convID, err := uuid.Parse(announced.ConversationID)
	if err != nil {
		t.Fatalf("announced id %q: %v", announced.ConversationID, err)
	}

	if last := events[len(events)-1]; last.Type != "finish" {
		t.Errorf("last event = %s, want finish", last.Type)
	}
	if deltas := testutil.EventsOfType(events, "text-delta"); len(deltas) == 0 {
		t.Error("no text-delta events")
	}

	// Both the user message and the assistant reply were persisted.
	msgs, err := mem.Messages(context.Background(), convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if !strings.Contains(joinText(msgs[1].Parts), "hello world") {
		t.Errorf("assistant reply = %q", joinText(msgs[1].Parts))
	}

	// The title derives from the first message.
	conv, err := mem.GetConversation(context.Background(), convID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Title != "hello world" {
		t.Errorf("title = %q", conv.Title)
	}
	if conv.Mode != "research" {
		t.Errorf("mode = %q, want the requested mode", conv.Mode)
	}

	// The generation record is finished and replayable.
	gen, err := mem.LatestGeneration(context.Background(), convID)
	if err != nil {
		t.Fatalf("LatestGeneration() error = %v", err)
	}
	if !gen.Done || len(gen.Fragments) != len(events) {
		t.Errorf("generation done=%v fragments=%d, want done with %d fragments",
			gen.Done, len(gen.Fragments), len(events))
	}
}

func TestStreamExistingConversation(t *testing.T) {
	srv, mem := newTestServer(t, Config{})

	conv, err := mem.CreateConversation(context.Background(), "ongoing", "private", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	resp := postStream(t, srv, streamRequest{
		ConversationID: conv.ID.String(),
		Message: chat.Message{
			Parts: []chat.Part{chat.NewTextPart("continue")},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := testutil.ParseSSEEvents(t, readBody(t, resp))

	if testutil.FindEvent(events, "data-part") != nil {
		t.Error("existing conversation must not announce a new conversation id")
	}
	if testutil.FindEvent(events, "finish") == nil {
		t.Error("no finish event")
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	tests := []struct {
		name       string
		req        streamRequest
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty message",
			req:        streamRequest{Message: chat.Message{}},
			wantStatus: http.StatusBadRequest,
			wantCode:   classify.CodeValidationFailed,
		},
		{
			name: "malformed conversation id",
			req: streamRequest{
				ConversationID: "not-a-uuid",
				Message:        chat.Message{Parts: []chat.Part{chat.NewTextPart("hi")}},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   classify.CodeValidationFailed,
		},
		{
			name: "unknown conversation",
			req: streamRequest{
				ConversationID: uuid.NewString(),
				Message:        chat.Message{Parts: []chat.Part{chat.NewTextPart("hi")}},
			},
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postStream(t, srv, tt.req)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body errorBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			_ = resp.Body.Close()
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestStreamGeneratorErrorEvent(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		Generator: GeneratorFunc(func(_ context.Context, _ []chat.Message, emit func(chat.Fragment) error) error {
			if err := emit(chat.Fragment{Type: chat.FragmentTextDelta, Delta: "par"}); err != nil {
				return err
			}
			return &classify.CodedError{
				Code:    classify.CodeQuotaExhausted,
				Message: "please recharge your credits",
			}
		}),
	})

	resp := postStream(t, srv, streamRequest{
		Message: chat.Message{Parts: []chat.Part{chat.NewTextPart("hi")}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := testutil.ParseSSEEvents(t, readBody(t, resp))

	errEvent := testutil.FindEvent(events, "error")
	if errEvent == nil {
		t.Fatalf("no error event in %+v", events)
	}
	var body errorBody
	if err := json.Unmarshal([]byte(errEvent.Data), &body); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if body.Code != classify.CodeQuotaExhausted {
		t.Errorf("code = %q", body.Code)
	}
	if testutil.FindEvent(events, "finish") != nil {
		t.Error("failed generation must not emit finish")
	}
}

func TestStreamClientDisconnectStillPersists(t *testing.T) {
	release := make(chan struct{})
	srv, mem := newTestServer(t, Config{
		Generator: GeneratorFunc(func(_ context.Context, _ []chat.Message, emit func(chat.Fragment) error) error {
			if err := emit(chat.Fragment{Type: chat.FragmentTextDelta, Delta: "first "}); err != nil {
				return err
			}
			<-release
			if err := emit(chat.Fragment{Type: chat.FragmentTextDelta, Delta: "second"}); err != nil {
				return err
			}
			return emit(chat.Fragment{Type: chat.FragmentFinish})
		}),
	})

	conv, err := mem.CreateConversation(context.Background(), "ongoing", "private", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	data, _ := json.Marshal(streamRequest{
		ConversationID: conv.ID.String(),
		Message:        chat.Message{Parts: []chat.Part{chat.NewTextPart("hi")}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		srv.URL+"/api/chat/stream", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/chat/stream: %v", err)
	}

	// Read the start of the stream, then drop the connection mid-reply.
	buf := make([]byte, 1)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read first byte: %v", err)
	}
	cancel()
	_ = resp.Body.Close()
	close(release)

	// The generation keeps running server-side and persists the full
	// reply despite the dead client.
	deadline := time.Now().Add(2 * time.Second)
	var msgs []store.Message
	for {
		msgs, err = mem.Messages(context.Background(), conv.ID)
		if err == nil && len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("assistant message never persisted, messages = %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("last message role = %q", msgs[1].Role)
	}
	if got := joinText(msgs[1].Parts); got != "first second" {
		t.Errorf("assistant reply = %q, want the complete text", got)
	}

	gen, err := mem.LatestGeneration(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("LatestGeneration() error = %v", err)
	}
	if !gen.Done || len(gen.Fragments) != 3 {
		t.Errorf("generation done=%v fragments=%d, want all 3 fragments recorded",
			gen.Done, len(gen.Fragments))
	}
}

func TestStreamRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RatePerSecond: 0.001,
		RateBurst:     1,
	})

	req := streamRequest{Message: chat.Message{Parts: []chat.Part{chat.NewTextPart("hi")}}}

	resp := postStream(t, srv, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	_ = readBody(t, resp)

	resp = postStream(t, srv, req)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
}

func TestResumeReplaysLatestGeneration(t *testing.T) {
	srv, mem := newTestServer(t, Config{})
	ctx := context.Background()

	conv, _ := mem.CreateConversation(ctx, "", "private", "")
	if err := mem.AppendMessages(ctx, conv.ID, []store.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{chat.NewTextPart("hello?")}},
	}); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	gen, _ := mem.StartGeneration(ctx, conv.ID)
	_ = mem.AppendFragment(ctx, gen.ID, chat.Fragment{Type: chat.FragmentTextDelta, Delta: "par"})
	_ = mem.AppendFragment(ctx, gen.ID, chat.Fragment{Type: chat.FragmentTextDelta, Delta: "tial"})

	resp, err := http.Get(srv.URL + "/api/chat/" + conv.ID.String() + "/resume")
	if err != nil {
		t.Fatalf("GET resume: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := testutil.ParseSSEEvents(t, readBody(t, resp))
	if len(events) != 2 || events[0].Type != "text-delta" {
		t.Errorf("events = %+v", events)
	}
}

func TestResumeNothingToReplay(t *testing.T) {
	srv, mem := newTestServer(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T) uuid.UUID
	}{
		{
			name: "no messages",
			setup: func(t *testing.T) uuid.UUID {
				conv, _ := mem.CreateConversation(ctx, "", "private", "")
				return conv.ID
			},
		},
		{
			name: "assistant already replied",
			setup: func(t *testing.T) uuid.UUID {
				conv, _ := mem.CreateConversation(ctx, "", "private", "")
				err := mem.AppendMessages(ctx, conv.ID, []store.Message{
					{Role: chat.RoleUser, Parts: []chat.Part{chat.NewTextPart("hi")}},
					{Role: chat.RoleAssistant, Parts: []chat.Part{chat.NewTextPart("hello")}},
				})
				if err != nil {
					t.Fatalf("AppendMessages() error = %v", err)
				}
				return conv.ID
			},
		},
		{
			name: "no generation recorded",
			setup: func(t *testing.T) uuid.UUID {
				conv, _ := mem.CreateConversation(ctx, "", "private", "")
				err := mem.AppendMessages(ctx, conv.ID, []store.Message{
					{Role: chat.RoleUser, Parts: []chat.Part{chat.NewTextPart("hi")}},
				})
				if err != nil {
					t.Fatalf("AppendMessages() error = %v", err)
				}
				return conv.ID
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.setup(t)
			resp, err := http.Get(srv.URL + "/api/chat/" + id.String() + "/resume")
			if err != nil {
				t.Fatalf("GET resume: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusNoContent {
				t.Errorf("status = %d, want 204", resp.StatusCode)
			}
		})
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "plain", text: "short question", want: "short question"},
		{name: "first line only", text: "line one\nline two", want: "line one"},
		{name: "truncated", text: strings.Repeat("x", 200), want: strings.Repeat("x", maxTitleLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := chat.Message{Parts: []chat.Part{chat.NewTextPart(tt.text)}}
			if got := deriveTitle(msg); got != tt.want {
				t.Errorf("deriveTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func joinText(parts []chat.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == chat.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
