package history

import "sort"

// Merge flattens fetched pages into a deduplicated, deterministically
// ordered summary list.
//
// Duplicates keep the first occurrence (a summary refreshed by
// revalidation wins over a stale copy in a later page). Ordering is
// CreatedAt descending with ties broken by ID descending, so the result
// is a total order independent of the interleaving in which pages
// arrived — including a new conversation appearing while a later page was
// already in flight. Applying Merge to its own output is a no-op.
func Merge(pages []Page) []ConversationSummary {
	var total int
	for _, p := range pages {
		total += len(p.Items)
	}

	seen := make(map[string]struct{}, total)
	merged := make([]ConversationSummary, 0, total)
	for _, p := range pages {
		for _, item := range p.Items {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			merged = append(merged, item)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})

	return merged
}

// nextCursor derives the cursor for the page following pages: the id of
// the last item of the last non-empty page, or "" when no page has items.
func nextCursor(pages []Page) string {
	for i := len(pages) - 1; i >= 0; i-- {
		if n := len(pages[i].Items); n > 0 {
			return pages[i].Items[n-1].ID
		}
	}
	return ""
}
