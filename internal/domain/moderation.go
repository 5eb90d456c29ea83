package domain

import "github.com/blackmichael/tracklist-feeds/internal/textmatch"

// Moderator hides items whose display text contains a blocked term.
type Moderator struct {
	matcher *textmatch.Matcher
}

// NewModerator compiles the blocklist. Terms are compared case-insensitively.
func NewModerator(blockedTerms []string) *Moderator {
	return &Moderator{matcher: textmatch.New(blockedTerms)}
}

// Allows reports whether the item may be shown. Items with no display text
// are hidden: with nothing to check, hiding is the safe answer.
func (m *Moderator) Allows(item *FeedItem) bool {
	text, ok := item.DisplayText()
	if !ok {
		return false
	}
	return !m.matcher.Contains(text)
}

// Filter returns the allowed items in their original order.
func (m *Moderator) Filter(items []FeedItem) []FeedItem {
	out := make([]FeedItem, 0, len(items))
	for i := range items {
		if m.Allows(&items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}

// FilterBlocked removes every item whose display text contains any of terms.
func FilterBlocked(items []FeedItem, terms []string) []FeedItem {
	return NewModerator(terms).Filter(items)
}
