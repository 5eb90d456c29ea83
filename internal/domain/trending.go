package domain

import "time"

// DefaultTrendingWindow is how far back engagement counts toward trending.
const DefaultTrendingWindow = 24 * time.Hour

// Trending returns every item created within window of now whose like count
// equals the highest like count in that window. Ties are all included. When
// the highest count is zero nothing is trending.
func Trending(items []FeedItem, now time.Time, window time.Duration) []FeedItem {
	if window <= 0 {
		window = DefaultTrendingWindow
	}
	cutoff := now.Add(-window).UnixMilli()

	maxLikes := 0
	for i := range items {
		if items[i].CreatedAt >= cutoff && items[i].LikeCount > maxLikes {
			maxLikes = items[i].LikeCount
		}
	}
	if maxLikes == 0 {
		return nil
	}

	var out []FeedItem
	for i := range items {
		if items[i].CreatedAt >= cutoff && items[i].LikeCount == maxLikes {
			out = append(out, items[i])
		}
	}
	return out
}
