package domain

import "time"

// Reason names the signal that put an item into the curated feed.
type Reason string

const (
	ReasonFollowing   Reason = "following"
	ReasonTaste       Reason = "taste"
	ReasonTrending    Reason = "trending"
	ReasonFollowedTag Reason = "followed_tag"
)

// Reasons lists every signal in evaluation order.
var Reasons = []Reason{ReasonFollowing, ReasonTaste, ReasonTrending, ReasonFollowedTag}

// Selection is the output of Curate: the selected items in pool order and,
// per item ID, the signals that selected it.
type Selection struct {
	Items   []FeedItem
	Reasons map[string][]Reason
}

// Curate selects the items relevant to a viewer: those authored by someone
// the viewer follows, ratings matching the viewer's taste, trending items,
// and items tagged with a followed tag. An item selected by several signals
// appears once. Without a viewer or a profile only trending contributes.
func Curate(viewerID string, items []FeedItem, profile *UserProfile, now time.Time, window time.Duration) Selection {
	reasons := make(map[string][]Reason)
	add := func(id string, r Reason) {
		for _, existing := range reasons[id] {
			if existing == r {
				return
			}
		}
		reasons[id] = append(reasons[id], r)
	}

	if viewerID != "" && profile != nil {
		following := make(map[string]struct{}, len(profile.FollowingIDs))
		for _, id := range profile.FollowingIDs {
			following[id] = struct{}{}
		}
		for i := range items {
			if items[i].AuthorID == "" {
				continue
			}
			if _, ok := following[items[i].AuthorID]; ok {
				add(items[i].ID, ReasonFollowing)
			}
		}

		for _, it := range TasteMatches(viewerID, items) {
			add(it.ID, ReasonTaste)
		}
	}

	for _, it := range Trending(items, now, window) {
		add(it.ID, ReasonTrending)
	}

	if viewerID != "" && profile != nil {
		tags := normalizedTagSet(profile.FollowedTags)
		if len(tags) > 0 {
			for i := range items {
				for _, h := range items[i].Hashtags {
					if _, ok := tags[NormalizeTag(h)]; ok {
						add(items[i].ID, ReasonFollowedTag)
						break
					}
				}
			}
		}
	}

	sel := Selection{Reasons: reasons}
	seen := make(map[string]struct{}, len(reasons))
	for i := range items {
		id := items[i].ID
		if _, ok := reasons[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sel.Items = append(sel.Items, items[i])
	}
	return sel
}
