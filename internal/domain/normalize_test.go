package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTimestamp(t *testing.T) {
	store := StoreTimestampFromMillis(1_700_000_000_123)
	plain := time.UnixMilli(1_600_000_000_000)

	assert.Equal(t, int64(1_700_000_000_123), ResolveTimestamp(RawTimestamp{Store: &store}))
	assert.Equal(t, int64(1_600_000_000_000), ResolveTimestamp(RawTimestamp{Time: &plain}))
	assert.Equal(t, int64(1_700_000_000_123), ResolveTimestamp(RawTimestamp{Store: &store, Time: &plain}))
	assert.Equal(t, int64(0), ResolveTimestamp(RawTimestamp{}))
}

func TestStoreTimestampFromMillis_Negative(t *testing.T) {
	ts := StoreTimestampFromMillis(-1500)
	assert.Equal(t, int64(-2), ts.Seconds)
	assert.Equal(t, int32(500*time.Millisecond), ts.Nanoseconds)
	assert.Equal(t, int64(-1500), ts.UnixMilli())
}

func TestRawTimestamp_JSON(t *testing.T) {
	tests := map[string]struct {
		input string
		want  int64
	}{
		"store form": {`{"seconds":1700000000,"nanoseconds":250000000}`, 1_700_000_000_250},
		"datetime":   {`"2024-06-01T12:00:00Z"`, ms(t0)},
		"null":       {`null`, 0},
		"empty":      {`""`, 0},
		"epoch ms":   {`1717243200000`, ms(t0)},
		"no zone":    {`"2024-06-01 12:00:00"`, ms(t0)},
		"date only":  {`"2024-06-01"`, ms(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))},
		"unparsable": {`"yesterday"`, 0},
		"bool":       {`true`, 0},
		"bad store":  {`{"seconds":"soon"}`, 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var ts RawTimestamp
			require.NoError(t, json.Unmarshal([]byte(tc.input), &ts))
			assert.Equal(t, tc.want, ResolveTimestamp(ts))
		})
	}

	out, err := json.Marshal(RawTimestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestNormalize_Post(t *testing.T) {
	ts := StoreTimestampFromMillis(ms(t0))
	item := Normalize(RawRecord{
		ID:          "p1",
		UID:         "alice",
		DisplayName: "Alice",
		Text:        strPtr("hello #jazz"),
		Timestamp:   RawTimestamp{Store: &ts},
		Hashtags:    []string{"jazz"},
		Likes:       -3,
		Comments: []RawComment{
			{Text: "nice", UID: "bob", DisplayName: "Bob"},
		},
		MediaType: "video/mp4",
		Track:     "ignored on posts",
	})

	assert.Equal(t, KindPost, item.Kind)
	assert.Equal(t, "alice", item.AuthorID)
	assert.Equal(t, ms(t0), item.CreatedAt)
	assert.True(t, item.HasText)
	assert.Equal(t, "hello #jazz", item.Text)
	assert.Equal(t, 0, item.LikeCount)
	assert.Equal(t, []string{}, item.LikedBy)
	require.Len(t, item.Comments, 1)
	assert.Equal(t, "bob", item.Comments[0].AuthorID)
	assert.Equal(t, int64(0), item.Comments[0].CreatedAt)
	assert.Equal(t, MediaNone, item.MediaType, "media type without a URL")
	assert.Empty(t, item.Track)
}

func TestNormalize_PostMedia(t *testing.T) {
	item := Normalize(RawRecord{ID: "p1", MediaURL: " https://cdn.example/a.mp4 ", MediaType: "video/mp4"})
	assert.Equal(t, "https://cdn.example/a.mp4", item.MediaURL)
	assert.Equal(t, MediaVideo, item.MediaType)
	assert.False(t, item.HasText)
}

func TestNormalize_Rating(t *testing.T) {
	item := Normalize(RawRecord{
		ID:         "r1",
		Kind:       KindRating,
		UID:        "bob",
		Comment:    strPtr("classic"),
		Text:       strPtr("ignored"),
		Track:      "So What",
		Artist:     "Miles Davis",
		Rating:     5,
		AlbumCover: "https://img.example/kob.jpg",
		Likes:      2,
		LikedBy:    []string{"a", "b"},
	})

	assert.Equal(t, KindRating, item.Kind)
	assert.Equal(t, "classic", item.Text)
	assert.Equal(t, "So What", item.Track)
	assert.Equal(t, 5, item.Score)
	assert.Equal(t, "https://img.example/kob.jpg", item.AlbumArtURL)
	assert.Equal(t, 2, item.LikeCount)
	assert.Equal(t, []string{"a", "b"}, item.LikedBy)
	assert.Equal(t, []string{}, item.Hashtags)
}

func TestNormalize_RatingFallsBackToText(t *testing.T) {
	item := Normalize(RawRecord{ID: "r1", Kind: KindRating, Text: strPtr("from text")})
	assert.Equal(t, "from text", item.Text)
	assert.True(t, item.HasText)
}

func TestNormalize_TruncatesText(t *testing.T) {
	long := strings.Repeat("é", MaxTextLength+20)
	item := Normalize(RawRecord{
		ID:       "p1",
		Text:     &long,
		Comments: []RawComment{{Text: long, UID: "bob"}},
	})
	assert.Equal(t, MaxTextLength, len([]rune(item.Text)))
	require.Len(t, item.Comments, 1)
	assert.Equal(t, MaxTextLength, len([]rune(item.Comments[0].Text)))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short"))
	exact := strings.Repeat("a", MaxTextLength)
	assert.Equal(t, exact, TruncateText(exact))
	assert.Equal(t, exact, TruncateText(exact+"b"))
}

func TestNormalizeAll_PreservesOrder(t *testing.T) {
	items := NormalizeAll([]RawRecord{{ID: "b"}, {ID: "a"}, {ID: "c"}})
	assert.Equal(t, []string{"b", "a", "c"}, ids(items))
}

func TestNormalizeProfile(t *testing.T) {
	p := NormalizeProfile(RawProfile{
		ID:           "u1",
		Following:    []string{"u2"},
		FollowedTags: []string{"#Jazz", "  ", "Live"},
	})
	assert.Equal(t, []string{"u2"}, p.FollowingIDs)
	assert.Equal(t, []string{}, p.FollowerIDs)
	assert.Equal(t, []string{"jazz", "live"}, p.FollowedTags)
	assert.True(t, p.IsFollowing("u2"))
	assert.False(t, p.IsFollowing("u3"))
}

func TestParseMediaType(t *testing.T) {
	assert.Equal(t, MediaImage, ParseMediaType("image/png"))
	assert.Equal(t, MediaAudio, ParseMediaType("AUDIO"))
	assert.Equal(t, MediaNone, ParseMediaType("application/pdf"))
	assert.Equal(t, MediaNone, ParseMediaType(""))
}
