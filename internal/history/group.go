package history

import "time"

// Groups partitions summaries by age for sidebar display.
type Groups struct {
	Today     []ConversationSummary
	Yesterday []ConversationSummary
	LastWeek  []ConversationSummary
	LastMonth []ConversationSummary
	Older     []ConversationSummary
}

// GroupByDate partitions an already merged, sorted list by local calendar
// age relative to now. It is a pure function of its inputs: callers
// recompute it per render rather than caching, so the buckets can never
// drift from the clock.
func GroupByDate(items []ConversationSummary, now time.Time) Groups {
	loc := now.Location()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	weekAgo := now.AddDate(0, 0, -7)
	monthAgo := now.AddDate(0, 0, -30)

	var g Groups
	for _, item := range items {
		created := item.CreatedAt.In(loc)
		switch {
		case !created.Before(startOfToday):
			g.Today = append(g.Today, item)
		case !created.Before(startOfYesterday):
			g.Yesterday = append(g.Yesterday, item)
		case created.After(weekAgo):
			g.LastWeek = append(g.LastWeek, item)
		case created.After(monthAgo):
			g.LastMonth = append(g.LastMonth, item)
		default:
			g.Older = append(g.Older, item)
		}
	}
	return g
}
