package domain

import "sort"

// Community is the set of items sharing a hashtag.
type Community struct {
	Tag   string     `json:"tag"`
	Items []FeedItem `json:"items"`
}

// GroupByHashtag buckets items under each of their normalized hashtags.
// Items within a community are newest first; communities are ordered by
// size, then tag name.
func GroupByHashtag(items []FeedItem) []Community {
	byTag := make(map[string][]FeedItem)
	for _, it := range items {
		seen := make(map[string]struct{}, len(it.Hashtags))
		for _, h := range it.Hashtags {
			tag := NormalizeTag(h)
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			byTag[tag] = append(byTag[tag], it)
		}
	}

	communities := make([]Community, 0, len(byTag))
	for tag, tagged := range byTag {
		communities = append(communities, Community{Tag: tag, Items: Assemble(tagged)})
	}
	sort.Slice(communities, func(i, j int) bool {
		if len(communities[i].Items) != len(communities[j].Items) {
			return len(communities[i].Items) > len(communities[j].Items)
		}
		return communities[i].Tag < communities[j].Tag
	})
	return communities
}

// AuthoredBy returns the user's own posts and ratings, newest first.
func AuthoredBy(userID string, items []FeedItem) []FeedItem {
	if userID == "" {
		return nil
	}
	var out []FeedItem
	for _, it := range items {
		if it.AuthorID == userID {
			out = append(out, it)
		}
	}
	return Assemble(out)
}
