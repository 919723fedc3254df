package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/sse"
)

// HTTPSource opens generation channels against the HTTP generation
// endpoint: POST /api/chat/stream for new generations and
// GET /api/chat/{id}/resume for reattachment.
type HTTPSource struct {
	baseURL string
	httpc   *http.Client
}

// NewHTTPSource creates an HTTPSource. httpc may be nil to use
// http.DefaultClient; note the client must not impose an overall request
// timeout, as the transport waits for the channel to close.
func NewHTTPSource(baseURL string, httpc *http.Client) *HTTPSource {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
	}
}

// Open implements Source.
func (s *HTTPSource) Open(ctx context.Context, req Request) (FragmentStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream: open channel: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeHTTPError(resp)
	}

	return &sseFragmentStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

// Resume implements Source. A 204 response means there is no in-flight
// or undelivered generation: ErrNothingToResume.
func (s *HTTPSource) Resume(ctx context.Context, conversationID string) (FragmentStream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/api/chat/"+url.PathEscape(conversationID)+"/resume", nil)
	if err != nil {
		return nil, fmt.Errorf("stream: build resume request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream: resume check: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &sseFragmentStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
	case http.StatusNoContent:
		_ = resp.Body.Close()
		return nil, ErrNothingToResume
	default:
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeHTTPError(resp)
	}
}

// decodeHTTPError turns a non-streaming error response into a coded
// error when the body carries one, else a plain status error.
func decodeHTTPError(resp *http.Response) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Code != "" {
		return &classify.CodedError{Code: payload.Code, Message: payload.Message}
	}
	return fmt.Errorf("stream: endpoint returned status %d: %s",
		resp.StatusCode, strings.TrimSpace(string(data)))
}

// sseFragmentStream adapts an SSE body into a FragmentStream.
type sseFragmentStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

// Next implements FragmentStream. An "error" event surfaces as a
// CodedError so the classifier sees both the machine code and the
// human-readable message of the legacy channel.
func (f *sseFragmentStream) Next() (chat.Fragment, error) {
	for {
		ev, err := f.reader.Next()
		if err != nil {
			return chat.Fragment{}, err
		}

		switch chat.FragmentType(ev.Type) {
		case chat.FragmentTextDelta, chat.FragmentReasoningDelta,
			chat.FragmentDataPart, chat.FragmentFinish:
			var frag chat.Fragment
			if ev.Data != "" {
				if err := json.Unmarshal([]byte(ev.Data), &frag); err != nil {
					return chat.Fragment{}, fmt.Errorf("stream: decode %s fragment: %w", ev.Type, err)
				}
			}
			frag.Type = chat.FragmentType(ev.Type)
			return frag, nil

		case "error":
			var payload struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				return chat.Fragment{}, fmt.Errorf("stream: generation failed: %s", ev.Data)
			}
			return chat.Fragment{}, &classify.CodedError{Code: payload.Code, Message: payload.Message}

		default:
			// Unknown event types are skipped for forward compatibility.
		}
	}
}

// Close implements FragmentStream.
func (f *sseFragmentStream) Close() error {
	if err := f.body.Close(); err != nil {
		return fmt.Errorf("stream: close channel: %w", err)
	}
	return nil
}
