package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FeedRequest asks for one page of a viewer's feed.
type FeedRequest struct {
	ViewerID string
	View     View
	Limit    int

	// Cursor is opaque to callers; empty means the first page.
	Cursor string
}

// FeedPage is one page of a computed feed.
type FeedPage struct {
	Version uint64
	Cursor  string
	Items   []FeedItem
	Reasons map[string][]Reason
}

// UserTimeline is a user's own items plus their social counts.
type UserTimeline struct {
	UserID         string     `json:"userId"`
	Items          []FeedItem `json:"items"`
	FollowerCount  int        `json:"followerCount"`
	FollowingCount int        `json:"followingCount"`
	FollowedTags   []string   `json:"followedTags"`
}

// encodeCursor formats a page cursor as "createdAtMillis::id".
func encodeCursor(it FeedItem) string {
	return fmt.Sprintf("%d::%s", it.CreatedAt, it.ID)
}

func parseCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("cursor must be in format 'timestamp::id'")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return millis, parts[1], nil
}

// paginate returns the page of items following cursor. When the cursor's
// item is no longer in the feed, the page resumes at the first item older
// than the cursor's timestamp.
func paginate(items []FeedItem, limit int, cursor string) ([]FeedItem, string, error) {
	start := 0
	if cursor != "" {
		millis, id, err := parseCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor %q: %v", ErrInvalidInput, cursor, err)
		}

		start = len(items)
		found := false
		for i, it := range items {
			if it.ID == id {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			for i, it := range items {
				if it.CreatedAt < millis {
					start = i
					break
				}
			}
		}
	}

	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	page := items[start:end]

	var next string
	if end < len(items) && len(page) > 0 {
		next = encodeCursor(page[len(page)-1])
	}
	return page, next, nil
}
