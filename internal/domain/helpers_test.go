package domain

import "time"

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ms(t time.Time) int64 { return t.UnixMilli() }

func post(id, author, text string, createdAt int64, likes int, hashtags ...string) FeedItem {
	return FeedItem{
		ID:        id,
		Kind:      KindPost,
		AuthorID:  author,
		CreatedAt: createdAt,
		Text:      text,
		HasText:   true,
		Hashtags:  hashtags,
		LikeCount: likes,
		MediaType: MediaNone,
	}
}

func rating(id, author, track, artist string, score int, createdAt int64, likes int) FeedItem {
	return FeedItem{
		ID:        id,
		Kind:      KindRating,
		AuthorID:  author,
		CreatedAt: createdAt,
		HasText:   true,
		LikeCount: likes,
		Track:     track,
		Artist:    artist,
		Score:     score,
	}
}

func ids(items []FeedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func strPtr(s string) *string { return &s }
