package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// StoreTimestamp is the document store's native timestamp representation.
type StoreTimestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// UnixMilli converts the timestamp to epoch milliseconds.
func (t StoreTimestamp) UnixMilli() int64 {
	return t.Seconds*1000 + int64(t.Nanoseconds)/int64(time.Millisecond)
}

// StoreTimestampFromMillis builds a StoreTimestamp from epoch milliseconds.
func StoreTimestampFromMillis(ms int64) StoreTimestamp {
	sec := ms / 1000
	rem := ms % 1000
	if rem < 0 {
		sec--
		rem += 1000
	}
	return StoreTimestamp{Seconds: sec, Nanoseconds: int32(rem * int64(time.Millisecond))}
}

// RawTimestamp is a timestamp as it arrives from a writer: a store-native
// value, a plain datetime, or nothing at all (an optimistic local write the
// server has not confirmed yet).
type RawTimestamp struct {
	Store *StoreTimestamp
	Time  *time.Time
}

// datetimeLayouts are tried in order for string timestamps.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON accepts {"seconds":..,"nanoseconds":..}, a datetime string,
// epoch milliseconds, or null. Any other value leaves the timestamp unset
// (epoch 0) instead of failing the enclosing document.
func (t *RawTimestamp) UnmarshalJSON(data []byte) error {
	*t = RawTimestamp{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch c := data[0]; {
	case c == '{':
		var st StoreTimestamp
		if err := json.Unmarshal(data, &st); err == nil {
			t.Store = &st
		}
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		t.Time = parseDatetime(strings.TrimSpace(s))
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil
		}
		if ms, err := n.Int64(); err == nil {
			parsed := time.UnixMilli(ms).UTC()
			t.Time = &parsed
		} else if f, err := n.Float64(); err == nil {
			parsed := time.UnixMilli(int64(f)).UTC()
			t.Time = &parsed
		}
	}
	return nil
}

func parseDatetime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range datetimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return &parsed
		}
	}
	return nil
}

// MarshalJSON writes the store-native form when present, then the plain
// datetime, then null.
func (t RawTimestamp) MarshalJSON() ([]byte, error) {
	switch {
	case t.Store != nil:
		return json.Marshal(t.Store)
	case t.Time != nil:
		return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
}

// RawComment is a comment as stored on a post or rating document.
type RawComment struct {
	Text        string       `json:"text"`
	UID         string       `json:"uid"`
	DisplayName string       `json:"displayName"`
	Timestamp   RawTimestamp `json:"timestamp"`
}

// RawRecord is a post or rating document in the shape writers store it.
// Posts carry Text; ratings carry Comment. Field names follow the store
// documents so change-stream payloads decode directly into this type.
type RawRecord struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"-"`
	UID         string       `json:"uid"`
	DisplayName string       `json:"displayName"`
	Text        *string      `json:"text,omitempty"`
	Comment     *string      `json:"comment,omitempty"`
	Timestamp   RawTimestamp `json:"timestamp"`
	Hashtags    []string     `json:"hashtags,omitempty"`
	Likes       int          `json:"likes"`
	LikedBy     []string     `json:"likedBy,omitempty"`
	Comments    []RawComment `json:"comments,omitempty"`

	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	Track      string `json:"track,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Rating     int    `json:"rating,omitempty"`
	AlbumCover string `json:"albumCover,omitempty"`
}

// RawProfile is a user document as stored. Followers are accepted for
// completeness but the store derives them from following edges.
type RawProfile struct {
	ID           string   `json:"id"`
	Following    []string `json:"following"`
	Followers    []string `json:"followers,omitempty"`
	FollowedTags []string `json:"followedTags"`
}
