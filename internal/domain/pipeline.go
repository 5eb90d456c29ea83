package domain

import (
	"fmt"
	"time"
)

// View selects which feed is computed.
type View string

const (
	// ViewCurated is the personalized "for you" feed.
	ViewCurated View = "curated"
	// ViewAll is every item that passes moderation.
	ViewAll View = "all"
)

// ParseView parses a view name. An empty name means ViewCurated.
func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewCurated:
		return ViewCurated, nil
	case ViewAll:
		return ViewAll, nil
	default:
		return "", fmt.Errorf("%w: unknown view %q", ErrInvalidInput, s)
	}
}

// FeedInput is everything a feed computation depends on.
type FeedInput struct {
	Pool           []FeedItem
	ViewerID       string
	Profile        *UserProfile
	BlockedTerms   []string
	Now            time.Time
	View           View
	TrendingWindow time.Duration
}

// FeedResult is a computed feed plus, for the curated view, the signals
// behind each item.
type FeedResult struct {
	Items   []FeedItem
	Reasons map[string][]Reason
}

// CountBySignal returns, for every signal, how many items of res it
// selected. Items selected by several signals count once for each.
func CountBySignal(res FeedResult) map[Reason]int {
	counts := make(map[Reason]int, len(Reasons))
	for _, r := range Reasons {
		counts[r] = 0
	}
	for _, it := range res.Items {
		for _, r := range res.Reasons[it.ID] {
			counts[r]++
		}
	}
	return counts
}

// ComputeFeed runs moderation, relevance selection (curated view only) and
// assembly over the pool. It is a pure function of its input.
func ComputeFeed(in FeedInput) []FeedItem {
	return ComputeFeedDetailed(in).Items
}

// ComputeFeedDetailed is ComputeFeed keeping the per-item reasons.
func ComputeFeedDetailed(in FeedInput) FeedResult {
	moderated := FilterBlocked(in.Pool, in.BlockedTerms)

	if in.View == ViewAll {
		return FeedResult{Items: Assemble(moderated)}
	}

	sel := Curate(in.ViewerID, moderated, in.Profile, in.Now, in.TrendingWindow)
	return FeedResult{
		Items:   Assemble(sel.Items),
		Reasons: sel.Reasons,
	}
}
