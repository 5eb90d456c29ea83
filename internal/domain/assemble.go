package domain

import "sort"

// Assemble drops repeated IDs (the first occurrence wins) and orders the
// rest newest first. The sort is stable, so items sharing a timestamp keep
// their input order and repeated runs over the same input agree.
func Assemble(items []FeedItem) []FeedItem {
	out := make([]FeedItem, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}
