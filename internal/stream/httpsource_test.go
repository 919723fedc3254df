package stream

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/sse"
)

func sseHandler(t *testing.T, events []sse.Event) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		sw, err := sse.NewWriter(w)
		if err != nil {
			t.Errorf("NewWriter() error = %v", err)
			return
		}
		for _, ev := range events {
			if err := sw.WriteEvent(ev.Type, json.RawMessage(ev.Data)); err != nil {
				t.Errorf("WriteEvent(%s) error = %v", ev.Type, err)
				return
			}
		}
	}
}

func TestHTTPSourceOpen(t *testing.T) {
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/stream" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		sseHandler(t, []sse.Event{
			{Type: "text-delta", Data: `{"delta":"Hel"}`},
			{Type: "text-delta", Data: `{"delta":"lo"}`},
			{Type: "finish", Data: `{}`},
		})(w, r)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil)
	fs, err := src.Open(t.Context(), Request{
		ConversationID: "conv-9",
		Message:        userMsg("hi"),
		Profile:        "chat-default",
		Visibility:     "private",
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = fs.Close() }()

	var deltas []string
	for {
		frag, err := fs.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if frag.Type == chat.FragmentFinish {
			break
		}
		deltas = append(deltas, frag.Delta)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if gotReq.ConversationID != "conv-9" || gotReq.Profile != "chat-default" {
		t.Errorf("server saw request %+v", gotReq)
	}
}

func TestHTTPSourceOpenCodedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"code":"quota_exhausted","message":"please recharge"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil)
	_, err := src.Open(t.Context(), Request{ConversationID: "c", Message: userMsg("hi")})
	if err == nil {
		t.Fatal("Open() succeeded, want coded error")
	}

	var coded *classify.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error = %v, want CodedError", err)
	}
	if coded.Code != classify.CodeQuotaExhausted {
		t.Errorf("code = %q", coded.Code)
	}
}

func TestHTTPSourceErrorEventMidStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []sse.Event{
		{Type: "text-delta", Data: `{"delta":"par"}`},
		{Type: "error", Data: `{"code":"gateway_misconfigured","message":"api key missing"}`},
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil)
	fs, err := src.Open(t.Context(), Request{ConversationID: "c", Message: userMsg("hi")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = fs.Close() }()

	if frag, err := fs.Next(); err != nil || frag.Delta != "par" {
		t.Fatalf("Next() = %+v, %v", frag, err)
	}

	_, err = fs.Next()
	var coded *classify.CodedError
	if !errors.As(err, &coded) || coded.Code != classify.CodeGatewayMisconfigured {
		t.Errorf("error = %v, want gateway_misconfigured CodedError", err)
	}
}

func TestHTTPSourceUnknownEventsSkipped(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []sse.Event{
		{Type: "usage-report", Data: `{"tokens":12}`},
		{Type: "text-delta", Data: `{"delta":"hi"}`},
		{Type: "finish", Data: `{}`},
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil)
	fs, err := src.Open(t.Context(), Request{ConversationID: "c", Message: userMsg("hi")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = fs.Close() }()

	frag, err := fs.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frag.Type != chat.FragmentTextDelta || frag.Delta != "hi" {
		t.Errorf("first fragment = %+v, want the text delta after the unknown event", frag)
	}
}

func TestHTTPSourceResume(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    []sse.Event
		wantErr error
	}{
		{
			name:   "replay stream",
			status: http.StatusOK,
			body: []sse.Event{
				{Type: "text-delta", Data: `{"delta":"resumed"}`},
				{Type: "finish", Data: `{}`},
			},
		},
		{
			name:    "nothing in flight",
			status:  http.StatusNoContent,
			wantErr: ErrNothingToResume,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/chat/conv-3/resume" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if tt.status == http.StatusNoContent {
					w.WriteHeader(tt.status)
					return
				}
				sseHandler(t, tt.body)(w, r)
			}))
			defer srv.Close()

			src := NewHTTPSource(srv.URL, nil)
			fs, err := src.Resume(t.Context(), "conv-3")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resume() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			defer func() { _ = fs.Close() }()

			frag, err := fs.Next()
			if err != nil || frag.Delta != "resumed" {
				t.Errorf("Next() = %+v, %v", frag, err)
			}
		})
	}
}

func TestHTTPSourceStreamEndsWithEOF(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []sse.Event{
		{Type: "text-delta", Data: `{"delta":"cut off"}`},
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil)
	fs, err := src.Open(t.Context(), Request{ConversationID: "c", Message: userMsg("hi")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = fs.Close() }()

	if _, err := fs.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, err := fs.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}
