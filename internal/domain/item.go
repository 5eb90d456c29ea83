package domain

import "strings"

// MaxTextLength is the maximum number of characters kept for post text,
// rating comments and item comments.
const MaxTextLength = 280

// Kind tags the variant of a FeedItem.
type Kind string

const (
	KindPost   Kind = "post"
	KindRating Kind = "rating"
)

// MediaType is the coarse category of a post's attached media.
type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// ParseMediaType maps a MIME type or category name ("video/mp4", "image",
// "") onto a MediaType. Unknown values map to MediaNone.
func ParseMediaType(s string) MediaType {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	switch MediaType(s) {
	case MediaImage, MediaVideo, MediaAudio:
		return MediaType(s)
	default:
		return MediaNone
	}
}

// Comment is a single entry in an item's append-only comment list.
type Comment struct {
	Text              string `json:"text"`
	AuthorID          string `json:"authorId"`
	AuthorDisplayName string `json:"authorDisplayName"`
	CreatedAt         int64  `json:"createdAt"`
}

// FeedItem is the normalized form of a post or a rating. All ranking and
// sorting operates on FeedItems; raw store records never get past Normalize.
type FeedItem struct {
	ID                string `json:"id"`
	Kind              Kind   `json:"kind"`
	AuthorID          string `json:"authorId,omitempty"`
	AuthorDisplayName string `json:"authorDisplayName"`

	// CreatedAt is epoch milliseconds. Zero means the store had no usable
	// timestamp and the item sorts as the oldest possible.
	CreatedAt int64 `json:"createdAt"`

	// Text is the post body or the rating comment.
	Text string `json:"text"`

	// HasText is false when the source record carried no text field at all.
	HasText bool `json:"-"`

	Hashtags  []string  `json:"hashtags"`
	LikeCount int       `json:"likeCount"`
	LikedBy   []string  `json:"likedBy"`
	Comments  []Comment `json:"comments"`

	// Post only.
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaType MediaType `json:"mediaType,omitempty"`

	// Rating only.
	Track       string `json:"track,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Score       int    `json:"score,omitempty"`
	AlbumArtURL string `json:"albumArtUrl,omitempty"`
}

// DisplayText returns the text shown for the item and whether the item
// has any text at all.
func (it *FeedItem) DisplayText() (string, bool) {
	return it.Text, it.HasText
}

// IsLikedBy reports whether userID is in the item's likedBy set.
func (it *FeedItem) IsLikedBy(userID string) bool {
	for _, id := range it.LikedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// UserProfile holds the social and topical graph for a single user.
// FollowerIDs is derived from other users' FollowingIDs by the store.
type UserProfile struct {
	ID           string   `json:"id"`
	FollowingIDs []string `json:"followingIds"`
	FollowerIDs  []string `json:"followerIds"`
	FollowedTags []string `json:"followedTags"`
}

// IsFollowing reports whether the profile follows userID.
func (p *UserProfile) IsFollowing(userID string) bool {
	for _, id := range p.FollowingIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TruncateText cuts s to at most MaxTextLength runes.
func TruncateText(s string) string {
	n := 0
	for i := range s {
		if n == MaxTextLength {
			return s[:i]
		}
		n++
	}
	return s
}
