package domain

import "strings"

func tasteKey(track, artist string) string {
	return strings.ToLower(strings.TrimSpace(track)) + "\x00" + strings.ToLower(strings.TrimSpace(artist))
}

// TasteMatches returns ratings by other users on any (track, artist) pair
// the viewer has rated themselves. Track and artist compare case-insensitively.
func TasteMatches(viewerID string, items []FeedItem) []FeedItem {
	if viewerID == "" {
		return nil
	}

	rated := make(map[string]struct{})
	for i := range items {
		it := &items[i]
		if it.Kind == KindRating && it.AuthorID == viewerID {
			rated[tasteKey(it.Track, it.Artist)] = struct{}{}
		}
	}
	if len(rated) == 0 {
		return nil
	}

	var out []FeedItem
	for i := range items {
		it := &items[i]
		if it.Kind != KindRating || it.AuthorID == viewerID {
			continue
		}
		if _, ok := rated[tasteKey(it.Track, it.Artist)]; ok {
			out = append(out, *it)
		}
	}
	return out
}
