package domain

import "strings"

// ResolveTimestamp converts a raw timestamp to epoch milliseconds. A
// store-native value wins over a plain datetime; with neither, the result
// is 0 so the item still sorts (as the oldest possible).
func ResolveTimestamp(ts RawTimestamp) int64 {
	switch {
	case ts.Store != nil:
		return ts.Store.UnixMilli()
	case ts.Time != nil:
		return ts.Time.UnixMilli()
	default:
		return 0
	}
}

// Normalize converts a raw post or rating record into a FeedItem. It never
// fails: absent fields become empty sets, zero counts or a zero timestamp.
func Normalize(r RawRecord) FeedItem {
	kind := r.Kind
	if kind != KindRating {
		kind = KindPost
	}

	item := FeedItem{
		ID:                r.ID,
		Kind:              kind,
		AuthorID:          r.UID,
		AuthorDisplayName: r.DisplayName,
		CreatedAt:         ResolveTimestamp(r.Timestamp),
		Hashtags:          cloneStrings(r.Hashtags),
		LikeCount:         r.Likes,
		LikedBy:           cloneStrings(r.LikedBy),
		Comments:          make([]Comment, 0, len(r.Comments)),
	}

	if item.LikeCount < 0 {
		item.LikeCount = 0
	}

	text := r.Text
	if kind == KindRating && r.Comment != nil {
		text = r.Comment
	}
	if text != nil {
		item.Text = TruncateText(*text)
		item.HasText = true
	}

	for _, c := range r.Comments {
		item.Comments = append(item.Comments, Comment{
			Text:              TruncateText(c.Text),
			AuthorID:          c.UID,
			AuthorDisplayName: c.DisplayName,
			CreatedAt:         ResolveTimestamp(c.Timestamp),
		})
	}

	switch kind {
	case KindPost:
		item.MediaURL = strings.TrimSpace(r.MediaURL)
		item.MediaType = ParseMediaType(r.MediaType)
		if item.MediaURL == "" {
			item.MediaType = MediaNone
		}
	case KindRating:
		item.Track = r.Track
		item.Artist = r.Artist
		item.Score = r.Rating
		item.AlbumArtURL = r.AlbumCover
	}

	return item
}

// NormalizeAll normalizes every record, preserving input order.
func NormalizeAll(records []RawRecord) []FeedItem {
	items := make([]FeedItem, len(records))
	for i, r := range records {
		items[i] = Normalize(r)
	}
	return items
}

// NormalizeProfile converts a stored user document into a UserProfile with
// followed tags in their normalized form.
func NormalizeProfile(r RawProfile) *UserProfile {
	p := &UserProfile{
		ID:           r.ID,
		FollowingIDs: cloneStrings(r.Following),
		FollowerIDs:  cloneStrings(r.Followers),
		FollowedTags: make([]string, 0, len(r.FollowedTags)),
	}
	for _, t := range r.FollowedTags {
		if n := NormalizeTag(t); n != "" {
			p.FollowedTags = append(p.FollowedTags, n)
		}
	}
	return p
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
