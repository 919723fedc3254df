package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client is the HTTP implementation of Fetcher against the history,
// delete, and vote endpoints.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a Client. httpc may be nil to use http.DefaultClient.
func NewClient(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
	}
}

// Page implements Fetcher.
func (c *Client) Page(ctx context.Context, limit int, endingBefore, mode string) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if endingBefore != "" {
		q.Set("ending_before", endingBefore)
	}
	if mode != "" {
		q.Set("mode", mode)
	}

	var page Page
	if err := c.getJSON(ctx, "/api/history?"+q.Encode(), &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// Delete implements Fetcher.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete conversation: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Votes implements Fetcher.
func (c *Client) Votes(ctx context.Context, conversationID string) ([]Vote, error) {
	var votes []Vote
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/votes"
	if err := c.getJSON(ctx, path, &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

// getJSON performs a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// drainAndClose discards the remaining body so the connection can be
// reused, then closes it.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
