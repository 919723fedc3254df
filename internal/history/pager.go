package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sowankispassah/khasigpt/internal/log"
)

// DefaultPageSize is the history page size when none is configured.
const DefaultPageSize = 20

// MinMessagesForVotes gates the vote fetch: annotations are only loaded
// once a conversation has at least one full exchange. An optimization,
// not a correctness requirement.
const MinMessagesForVotes = 2

// Config configures a Pager.
type Config struct {
	Fetcher  Fetcher
	PageSize int    // defaults to DefaultPageSize
	Mode     string // optional topic/workspace filter
	Logger   log.Logger
}

// Pager owns the conversation-summary cache for one mode. It is the only
// writer of that cache: page loads append, revalidation replaces page 0,
// deletes filter locally. Fetch failures never corrupt the cache — the
// last good merge keeps being served (stale-while-revalidate).
//
// Pager is safe for concurrent use.
type Pager struct {
	fetcher Fetcher
	limit   int
	mode    string
	logger  log.Logger

	mu         sync.Mutex
	pages      []Page
	merged     []ConversationSummary
	hasMore    bool
	validating bool

	revalidating      bool
	revalidatePending bool

	loadErr error

	subs    map[int]func([]ConversationSummary)
	nextSub int
}

// NewPager creates a Pager. No page is fetched until LoadMore.
func NewPager(cfg Config) (*Pager, error) {
	if cfg.Fetcher == nil {
		return nil, ErrNoFetcher
	}

	limit := cfg.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pager{
		fetcher: cfg.Fetcher,
		limit:   limit,
		mode:    cfg.Mode,
		logger:  logger,
		hasMore: true,
		subs:    make(map[int]func([]ConversationSummary)),
	}, nil
}

// LoadMore fetches the next page. The visibility sentinel calls this on
// intersection; concurrent duplicate calls for the same next page are
// coalesced — while a load is validating, further calls are no-ops, as
// are calls after the terminal HasMore=false page.
func (p *Pager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if p.validating || !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	p.validating = true
	cursor := nextCursor(p.pages)
	p.mu.Unlock()

	page, err := p.fetcher.Page(ctx, p.limit, cursor, p.mode)

	p.mu.Lock()
	p.validating = false
	if err != nil {
		// Non-fatal: keep serving the last good merge.
		p.loadErr = err
		p.mu.Unlock()
		return fmt.Errorf("history: load page (cursor %q): %w", cursor, err)
	}

	p.loadErr = nil
	p.pages = append(p.pages, page)
	p.hasMore = page.HasMore && len(page.Items) > 0
	p.remergeLocked()
	subs, merged := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Debug("history page loaded",
		"cursor", cursor, "items", len(page.Items), "has_more", page.HasMore)
	notify(subs, merged)
	return nil
}

// Revalidate refreshes page 0, picking up title and lastRepliedAt changes
// after a generation finishes. Refreshes are coalesced last-write-wins:
// a request arriving mid-flight marks the cache dirty and one more
// refresh runs after the current one, never two concurrent writes for
// the same cache key.
func (p *Pager) Revalidate(ctx context.Context) {
	p.mu.Lock()
	if p.revalidating {
		p.revalidatePending = true
		p.mu.Unlock()
		return
	}
	p.revalidating = true
	p.mu.Unlock()

	for {
		page, err := p.fetcher.Page(ctx, p.limit, "", p.mode)

		p.mu.Lock()
		if err != nil {
			p.loadErr = err
			p.logger.Warn("history revalidation failed, serving stale merge", "error", err)
		} else {
			p.loadErr = nil
			if len(p.pages) == 0 {
				p.pages = []Page{page}
				p.hasMore = page.HasMore && len(page.Items) > 0
			} else {
				p.pages[0] = page
			}
			p.remergeLocked()
		}

		if p.revalidatePending {
			p.revalidatePending = false
			p.mu.Unlock()
			continue
		}

		p.revalidating = false
		subs, merged := p.snapshotLocked()
		p.mu.Unlock()

		if err == nil {
			notify(subs, merged)
		}
		return
	}
}

// Delete removes a conversation on the server, then filters it out of
// the local merge instead of refetching.
func (p *Pager) Delete(ctx context.Context, id string) error {
	if err := p.fetcher.Delete(ctx, id); err != nil {
		return fmt.Errorf("history: delete conversation %s: %w", id, err)
	}

	p.mu.Lock()
	for i := range p.pages {
		items := p.pages[i].Items[:0]
		for _, item := range p.pages[i].Items {
			if item.ID != id {
				items = append(items, item)
			}
		}
		p.pages[i].Items = items
	}
	p.remergeLocked()
	subs, merged := p.snapshotLocked()
	p.mu.Unlock()

	notify(subs, merged)
	return nil
}

// Votes returns the annotations for a conversation, fetching only once
// the conversation has at least MinMessagesForVotes messages.
func (p *Pager) Votes(ctx context.Context, conversationID string, messageCount int) ([]Vote, error) {
	if messageCount < MinMessagesForVotes {
		return nil, nil
	}

	votes, err := p.fetcher.Votes(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("history: fetch votes for %s: %w", conversationID, err)
	}
	return votes, nil
}

// Summaries returns a copy of the current merged list.
func (p *Pager) Summaries() []ConversationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConversationSummary, len(p.merged))
	copy(out, p.merged)
	return out
}

// HasMore reports whether pagination has not yet hit its terminal page.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// LoadErr returns the most recent non-fatal load error, nil after any
// successful fetch. The merged list stays valid either way.
func (p *Pager) LoadErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadErr
}

// Subscribe registers fn to run with the merged list after every cache
// change. Returns an unsubscribe function.
func (p *Pager) Subscribe(fn func([]ConversationSummary)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// remergeLocked rebuilds the merged list from pages. Caller holds p.mu.
func (p *Pager) remergeLocked() {
	p.merged = Merge(p.pages)
}

// snapshotLocked copies subscribers and the merged list so notification
// can happen outside the lock. Caller holds p.mu.
func (p *Pager) snapshotLocked() ([]func([]ConversationSummary), []ConversationSummary) {
	subs := make([]func([]ConversationSummary), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	merged := make([]ConversationSummary, len(p.merged))
	copy(merged, p.merged)
	return subs, merged
}

func notify(subs []func([]ConversationSummary), merged []ConversationSummary) {
	for _, fn := range subs {
		fn(merged)
	}
}
