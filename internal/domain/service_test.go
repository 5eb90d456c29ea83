package domain_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/tracklist-feeds/internal/domain"
	"github.com/blackmichael/tracklist-feeds/internal/sqlite"
)

// clock is a settable time source for the service.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCatalog struct {
	url   string
	err   error
	calls int
}

func (f *fakeCatalog) AlbumArt(ctx context.Context, artist, track string) (string, error) {
	f.calls++
	return f.url, f.err
}

// failingStore fails every profile listing.
type failingStore struct {
	domain.Store
}

func (failingStore) ListProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	return nil, errors.New("database is locked")
}

func newTestService(t *testing.T, catalog domain.ArtworkLookup) (*domain.FeedService, *sqlite.Repository, *clock) {
	t.Helper()

	repo, err := sqlite.NewRepository(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := domain.NewFeedService(repo, domain.ServiceConfig{
		TrendingWindow: 24 * time.Hour,
		Catalog:        catalog,
		Now:            clk.Now,
	}, nil)
	require.NoError(t, err)
	return svc, repo, clk
}

func feedIDs(page *domain.FeedPage) []string {
	out := make([]string, len(page.Items))
	for i, it := range page.Items {
		out[i] = it.ID
	}
	return out
}

func TestNewFeedService_RequiresStore(t *testing.T) {
	_, err := domain.NewFeedService(nil, domain.ServiceConfig{}, nil)
	assert.Error(t, err)
}

func TestFeedService_CuratedFeed(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t, nil)

	jazz, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "u1", Text: "hello #jazz"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jazz"}, jazz.Hashtags)
	assert.Equal(t, "Anonymous", jazz.AuthorDisplayName)

	clk.Advance(time.Millisecond)
	rated, err := svc.SubmitRating(ctx, domain.NewRating{
		AuthorID: "u2", Track: "X", Artist: "Y", Score: 5,
	})
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, svc.Like(ctx, rated.ID, fmt.Sprintf("fan%d", i)))
	}
	require.NoError(t, svc.Like(ctx, rated.ID, "fan0"))
	require.NoError(t, svc.FollowTag(ctx, "u3", "#Jazz"))

	page, err := svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "u3"})
	require.NoError(t, err)
	assert.Equal(t, []string{rated.ID, jazz.ID}, feedIDs(page))
	assert.Equal(t, 5, page.Items[0].LikeCount)
	assert.Equal(t, []domain.Reason{domain.ReasonTrending}, page.Reasons[rated.ID])
	assert.Equal(t, []domain.Reason{domain.ReasonFollowedTag}, page.Reasons[jazz.ID])

	// Without a profile only trending applies.
	page, err = svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "stranger"})
	require.NoError(t, err)
	assert.Equal(t, []string{rated.ID}, feedIDs(page))
}

func TestFeedService_FollowingAndModeration(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	clean, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "alice", Text: "new record out"})
	require.NoError(t, err)
	spam, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "alice", Text: "Buy CHEAP tickets"})
	require.NoError(t, err)

	require.NoError(t, svc.Follow(ctx, "bob", "alice"))

	page, err := svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "bob"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{clean.ID, spam.ID}, feedIDs(page))

	require.NoError(t, svc.AddBlockedTerm(ctx, "  Cheap "))
	assert.Equal(t, []string{"cheap"}, svc.BlockedTerms())
	assert.ErrorIs(t, svc.AddBlockedTerm(ctx, "cheap"), domain.ErrAlreadyExists)

	for _, view := range []domain.View{domain.ViewCurated, domain.ViewAll} {
		page, err = svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "bob", View: view})
		require.NoError(t, err)
		assert.Equal(t, []string{clean.ID}, feedIDs(page), view)
	}

	require.NoError(t, svc.Unfollow(ctx, "bob", "alice"))
	page, err = svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)

	require.NoError(t, svc.RemoveBlockedTerm(ctx, "CHEAP"))
	assert.ErrorIs(t, svc.RemoveBlockedTerm(ctx, "cheap"), domain.ErrNotFound)
}

func TestFeedService_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	_, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "u1", Text: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.CreatePost(ctx, domain.NewPost{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.SubmitRating(ctx, domain.NewRating{AuthorID: "u1", Track: "T", Score: 6})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.SubmitRating(ctx, domain.NewRating{AuthorID: "u1", Score: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.ErrorIs(t, svc.Follow(ctx, "u1", "u1"), domain.ErrInvalidInput)
	assert.ErrorIs(t, svc.FollowTag(ctx, "u1", "#"), domain.ErrInvalidInput)
	assert.ErrorIs(t, svc.Like(ctx, "missing", "u1"), domain.ErrNotFound)
	assert.ErrorIs(t, svc.AddComment(ctx, "missing", domain.Comment{AuthorID: "u1", Text: ""}), domain.ErrInvalidInput)
	assert.ErrorIs(t, svc.AddComment(ctx, "missing", domain.Comment{AuthorID: "u1", Text: "hi"}), domain.ErrNotFound)

	_, err = svc.GetFeed(ctx, domain.FeedRequest{Cursor: "garbage"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFeedService_LikeUnlikeAndComment(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	p, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "u1", Text: "listening party"})
	require.NoError(t, err)

	require.NoError(t, svc.Like(ctx, p.ID, "u2"))
	require.NoError(t, svc.Like(ctx, p.ID, "u2"))
	require.NoError(t, svc.AddComment(ctx, p.ID, domain.Comment{AuthorID: "u2", AuthorDisplayName: "Bea", Text: "on my way"}))

	items := svc.Snapshot().Items
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].LikeCount)
	assert.Equal(t, []string{"u2"}, items[0].LikedBy)
	require.Len(t, items[0].Comments, 1)
	assert.Equal(t, "Bea", items[0].Comments[0].AuthorDisplayName)

	require.NoError(t, svc.Unlike(ctx, p.ID, "u2"))
	require.NoError(t, svc.Unlike(ctx, p.ID, "u2"))
	assert.Equal(t, 0, svc.Snapshot().Items[0].LikeCount)
}

func TestFeedService_SubmitRatingAlbumArt(t *testing.T) {
	ctx := context.Background()

	catalog := &fakeCatalog{url: "https://img.example/cover.jpg"}
	svc, _, _ := newTestService(t, catalog)

	r, err := svc.SubmitRating(ctx, domain.NewRating{AuthorID: "u1", Track: "Blue", Artist: "Joni Mitchell", Score: 5})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/cover.jpg", r.AlbumArtURL)

	r, err = svc.SubmitRating(ctx, domain.NewRating{AuthorID: "u1", Track: "Blue", Artist: "Joni Mitchell", Score: 4, AlbumArtURL: "https://mine.example/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://mine.example/a.jpg", r.AlbumArtURL)
	assert.Equal(t, 1, catalog.calls)

	catalog.err = errors.New("timeout")
	r, err = svc.SubmitRating(ctx, domain.NewRating{AuthorID: "u1", Track: "River", Artist: "Joni Mitchell", Score: 3})
	require.NoError(t, err)
	assert.Empty(t, r.AlbumArtURL)
}

func TestFeedService_Pagination(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t, nil)

	var created []string
	for i := range 5 {
		p, err := svc.CreatePost(ctx, domain.NewPost{AuthorID: "u1", Text: fmt.Sprintf("post %d", i)})
		require.NoError(t, err)
		created = append([]string{p.ID}, created...)
		clk.Advance(time.Second)
	}

	var got []string
	cursor := ""
	for {
		page, err := svc.GetFeed(ctx, domain.FeedRequest{View: domain.ViewAll, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		got = append(got, feedIDs(page)...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, created, got)
}

func TestFeedService_UserTimeline(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	_, err := svc.UserTimeline(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.CreatePost(ctx, domain.NewPost{AuthorID: "alice", Text: "#vinyl day"})
	require.NoError(t, err)
	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	require.NoError(t, svc.FollowTag(ctx, "alice", "vinyl"))

	tl, err := svc.UserTimeline(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, tl.Items, 1)
	assert.Equal(t, 1, tl.FollowerCount)
	assert.Equal(t, 0, tl.FollowingCount)
	assert.Equal(t, []string{"vinyl"}, tl.FollowedTags)

	tl, err = svc.UserTimeline(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, tl.Items)
	assert.Equal(t, 1, tl.FollowingCount)

	communities := svc.Communities(ctx)
	require.Len(t, communities, 1)
	assert.Equal(t, "vinyl", communities[0].Tag)
}

func TestFeedService_SubscribeReceivesVersions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	versions, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	require.NoError(t, svc.Refresh(ctx))
	require.NoError(t, svc.Refresh(ctx))
	require.NoError(t, svc.Refresh(ctx))

	select {
	case v := <-versions:
		assert.Equal(t, uint64(3), v, "only the latest version is pending")
	case <-time.After(time.Second):
		t.Fatal("no version delivered")
	}

	unsubscribe()
	unsubscribe()
	require.NoError(t, svc.Refresh(ctx))
	select {
	case v := <-versions:
		t.Fatalf("unexpected version %d after unsubscribe", v)
	default:
	}
}

func TestFeedService_RefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	_, repo, _ := newTestService(t, nil)

	svc, err := domain.NewFeedService(failingStore{Store: repo}, domain.ServiceConfig{}, nil)
	require.NoError(t, err)

	before := svc.Snapshot()
	assert.Error(t, svc.Refresh(ctx))
	assert.Same(t, before, svc.Snapshot())
}

func TestFeedService_RefreshLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, repo, _ := newTestService(t, nil)

	done := make(chan struct{})
	go func() {
		svc.StartRefreshLoop(ctx, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool { return svc.Snapshot().Version >= 1 }, time.Second, 10*time.Millisecond)

	// A write that bypasses the service shows up after a requested refresh.
	text := "mirrored"
	require.NoError(t, repo.CreateRecord(ctx, &domain.RawRecord{ID: "m1", Kind: domain.KindPost, UID: "u1", Text: &text}))
	svc.RequestRefresh()
	require.Eventually(t, func() bool { return len(svc.Snapshot().Items) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
}

func TestFeedService_ChangeStreamHooks(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	text := "from the stream #live"
	rec := &domain.RawRecord{ID: "s1", Kind: domain.KindPost, UID: "u9", Text: &text, Hashtags: []string{"live"}, Likes: 3}
	require.NoError(t, svc.ApplyRecord(ctx, rec))
	require.NoError(t, svc.ApplyProfile(ctx, domain.RawProfile{ID: "u8", Following: []string{"u9"}}))
	require.NoError(t, svc.Refresh(ctx))

	page, err := svc.GetFeed(ctx, domain.FeedRequest{ViewerID: "u8"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, feedIDs(page))

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.LikeCountsFixed)

	require.NoError(t, svc.ApplyRecordDelete(ctx, domain.KindPost, "s1"))
	require.NoError(t, svc.ApplyProfileDelete(ctx, "u8"))
	require.NoError(t, svc.Refresh(ctx))
	assert.Empty(t, svc.Snapshot().Items)
	assert.Nil(t, svc.Snapshot().Profile("u8"))

	assert.ErrorIs(t, svc.ApplyRecord(ctx, &domain.RawRecord{}), domain.ErrInvalidInput)

	require.NoError(t, svc.UpdateCursor(ctx, "changestream", 42))
	cursor, err := svc.GetCursor(ctx, "changestream")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
}
