package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/tracklist-feeds/internal/metrics"
)

// DefaultPageSize is the feed page size used when a request sets none.
const DefaultPageSize = 50

// ServiceConfig tunes the feed service.
type ServiceConfig struct {
	// TrendingWindow is the lookback for trending. Zero means DefaultTrendingWindow.
	TrendingWindow time.Duration

	// Catalog fills in album art for new ratings. Optional.
	Catalog ArtworkLookup

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// FeedService is the core domain service. It owns the current content
// snapshot, recomputes feeds from it, applies mutations through the store
// and notifies live subscribers whenever a new snapshot is published.
type FeedService struct {
	store   Store
	window  time.Duration
	catalog ArtworkLookup
	now     func() time.Time
	logger  *slog.Logger

	snapshot  atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	refreshCh chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan uint64
	nextSub int
}

// NewFeedService creates a FeedService backed by store. The snapshot starts
// empty; call Refresh (or StartRefreshLoop) to load it.
func NewFeedService(store Store, cfg ServiceConfig, logger *slog.Logger) (*FeedService, error) {
	if store == nil {
		return nil, fmt.Errorf("feed service: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	window := cfg.TrendingWindow
	if window <= 0 {
		window = DefaultTrendingWindow
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &FeedService{
		store:     store,
		window:    window,
		catalog:   cfg.Catalog,
		now:       now,
		logger:    logger,
		refreshCh: make(chan struct{}, 1),
		subs:      make(map[int]chan uint64),
	}
	s.snapshot.Store(emptySnapshot())
	return s, nil
}

// Snapshot returns the current snapshot. It is never nil.
func (s *FeedService) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Refresh rebuilds the snapshot from the store and notifies subscribers.
// On failure the previous snapshot stays in place.
func (s *FeedService) Refresh(ctx context.Context) (err error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	defer func() {
		if err != nil {
			metrics.SnapshotRefreshErrors.Inc()
		}
	}()

	posts, err := s.store.ListRecords(ctx, KindPost)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	ratings, err := s.store.ListRecords(ctx, KindRating)
	if err != nil {
		return fmt.Errorf("list ratings: %w", err)
	}
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	terms, err := s.store.ListBlockedTerms(ctx)
	if err != nil {
		return fmt.Errorf("list blocked terms: %w", err)
	}

	items := make([]FeedItem, 0, len(posts)+len(ratings))
	items = append(items, NormalizeAll(posts)...)
	items = append(items, NormalizeAll(ratings)...)

	byID := make(map[string]*UserProfile, len(profiles))
	for i := range profiles {
		p := profiles[i]
		byID[p.ID] = &p
	}

	snap := &Snapshot{
		Version:      s.snapshot.Load().Version + 1,
		BuiltAt:      s.now(),
		Items:        items,
		Profiles:     byID,
		BlockedTerms: terms,
	}
	s.snapshot.Store(snap)

	metrics.SnapshotVersion.Set(float64(snap.Version))
	metrics.SnapshotItems.WithLabelValues(string(KindPost)).Set(float64(len(posts)))
	metrics.SnapshotItems.WithLabelValues(string(KindRating)).Set(float64(len(ratings)))

	s.logger.Debug("snapshot refreshed",
		"version", snap.Version,
		"posts", len(posts),
		"ratings", len(ratings),
		"profiles", len(profiles),
		"blocked_terms", len(terms),
	)

	s.notify(snap.Version)
	return nil
}

// RequestRefresh schedules a refresh on the refresh loop without waiting.
// Requests made while one is already pending are merged.
func (s *FeedService) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// StartRefreshLoop refreshes immediately, then on every RequestRefresh and
// at least once per interval. It blocks until ctx is cancelled.
func (s *FeedService) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	s.runRefresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRefresh(ctx)
		case <-s.refreshCh:
			s.runRefresh(ctx)
		}
	}
}

func (s *FeedService) runRefresh(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("snapshot refresh failed", "error", err)
	}
}

// Subscribe registers for snapshot versions. The channel holds at most one
// pending version; a slow reader only ever sees the latest. Call the
// returned function to unsubscribe.
func (s *FeedService) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()
	metrics.LiveSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			metrics.LiveSubscribers.Dec()
		})
	}
}

func (s *FeedService) notify(version uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- version:
		default:
			// replace the stale pending version
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- version:
			default:
			}
		}
	}
}

// Compute runs the feed pipeline for a viewer against snap.
func (s *FeedService) Compute(snap *Snapshot, viewerID string, view View) FeedResult {
	start := time.Now()
	res := ComputeFeedDetailed(snap.Input(viewerID, view, s.now(), s.window))
	metrics.RecordFeedComputation(string(view), time.Since(start))

	if view == ViewCurated {
		for reason, n := range CountBySignal(res) {
			metrics.FeedSignalItems.WithLabelValues(string(reason)).Observe(float64(n))
		}
	}
	return res
}

// GetFeed returns a page of the viewer's feed from the current snapshot.
func (s *FeedService) GetFeed(ctx context.Context, req FeedRequest) (*FeedPage, error) {
	s.logger.Debug("GetFeed called", "viewer", req.ViewerID, "view", req.View, "limit", req.Limit, "cursor", req.Cursor)

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	view := req.View
	if view == "" {
		view = ViewCurated
	}

	snap := s.Snapshot()
	res := s.Compute(snap, req.ViewerID, view)

	items, next, err := paginate(res.Items, limit, req.Cursor)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []FeedItem{}
	}

	page := &FeedPage{
		Version: snap.Version,
		Cursor:  next,
		Items:   items,
	}
	if res.Reasons != nil {
		page.Reasons = make(map[string][]Reason, len(items))
		for _, it := range items {
			page.Reasons[it.ID] = res.Reasons[it.ID]
		}
	}
	return page, nil
}

// Communities groups every moderated item by hashtag.
func (s *FeedService) Communities(ctx context.Context) []Community {
	snap := s.Snapshot()
	return GroupByHashtag(FilterBlocked(snap.Items, snap.BlockedTerms))
}

// UserTimeline returns the user's own moderated items and social counts.
func (s *FeedService) UserTimeline(ctx context.Context, userID string) (*UserTimeline, error) {
	snap := s.Snapshot()
	profile := snap.Profile(userID)
	items := AuthoredBy(userID, FilterBlocked(snap.Items, snap.BlockedTerms))

	if profile == nil && len(items) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	tl := &UserTimeline{
		UserID:       userID,
		Items:        items,
		FollowedTags: []string{},
	}
	if profile != nil {
		tl.FollowerCount = len(profile.FollowerIDs)
		tl.FollowingCount = len(profile.FollowingIDs)
		tl.FollowedTags = profile.FollowedTags
	}
	return tl, nil
}

// NewPost is a post submission.
type NewPost struct {
	AuthorID          string
	AuthorDisplayName string
	Text              string
	MediaURL          string
	MediaType         string
}

// CreatePost stores a new post and returns it normalized.
func (s *FeedService) CreatePost(ctx context.Context, np NewPost) (*FeedItem, error) {
	if np.AuthorID == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalidInput)
	}
	text := TruncateText(strings.TrimSpace(np.Text))
	if text == "" && np.MediaURL == "" {
		return nil, fmt.Errorf("%w: post needs text or media", ErrInvalidInput)
	}

	ts := StoreTimestampFromMillis(s.now().UnixMilli())
	rec := &RawRecord{
		ID:          uuid.NewString(),
		Kind:        KindPost,
		UID:         np.AuthorID,
		DisplayName: displayNameOrAnonymous(np.AuthorDisplayName),
		Text:        &text,
		Timestamp:   RawTimestamp{Store: &ts},
		Hashtags:    ExtractHashtags(text),
		MediaURL:    np.MediaURL,
		MediaType:   string(ParseMediaType(np.MediaType)),
	}

	if err := s.store.EnsureProfile(ctx, np.AuthorID); err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	s.refreshAfter(ctx, "create post")

	item := Normalize(*rec)
	return &item, nil
}

// NewRating is a rating submission.
type NewRating struct {
	AuthorID          string
	AuthorDisplayName string
	Track             string
	Artist            string
	Score             int
	Comment           string
	AlbumArtURL       string
}

// SubmitRating stores a new rating and returns it normalized. When no album
// art is supplied and a catalog is configured, the art is looked up; lookup
// failures only cost the artwork.
func (s *FeedService) SubmitRating(ctx context.Context, nr NewRating) (*FeedItem, error) {
	if nr.AuthorID == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalidInput)
	}
	track := strings.TrimSpace(nr.Track)
	artist := strings.TrimSpace(nr.Artist)
	if track == "" {
		return nil, fmt.Errorf("%w: track is required", ErrInvalidInput)
	}
	if nr.Score < 1 || nr.Score > 5 {
		return nil, fmt.Errorf("%w: score must be between 1 and 5", ErrInvalidInput)
	}

	albumArt := nr.AlbumArtURL
	if albumArt == "" && s.catalog != nil && artist != "" {
		url, err := s.catalog.AlbumArt(ctx, artist, track)
		if err != nil {
			s.logger.Warn("album art lookup failed", "track", track, "artist", artist, "error", err)
		} else {
			albumArt = url
		}
	}

	comment := TruncateText(strings.TrimSpace(nr.Comment))
	ts := StoreTimestampFromMillis(s.now().UnixMilli())
	rec := &RawRecord{
		ID:          uuid.NewString(),
		Kind:        KindRating,
		UID:         nr.AuthorID,
		DisplayName: displayNameOrAnonymous(nr.AuthorDisplayName),
		Comment:     &comment,
		Timestamp:   RawTimestamp{Store: &ts},
		Hashtags:    ExtractHashtags(comment),
		Track:       track,
		Artist:      artist,
		Rating:      nr.Score,
		AlbumCover:  albumArt,
	}

	if err := s.store.EnsureProfile(ctx, nr.AuthorID); err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create rating: %w", err)
	}
	s.refreshAfter(ctx, "submit rating")

	item := Normalize(*rec)
	return &item, nil
}

// Like records userID's like on an item. Repeating it changes nothing.
func (s *FeedService) Like(ctx context.Context, itemID, userID string) error {
	if itemID == "" || userID == "" {
		return fmt.Errorf("%w: item and user are required", ErrInvalidInput)
	}
	if err := s.store.EnsureProfile(ctx, userID); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	if err := s.store.Like(ctx, itemID, userID); err != nil {
		return fmt.Errorf("like item %s: %w", itemID, err)
	}
	s.refreshAfter(ctx, "like")
	return nil
}

// Unlike removes userID's like from an item.
func (s *FeedService) Unlike(ctx context.Context, itemID, userID string) error {
	if itemID == "" || userID == "" {
		return fmt.Errorf("%w: item and user are required", ErrInvalidInput)
	}
	if err := s.store.Unlike(ctx, itemID, userID); err != nil {
		return fmt.Errorf("unlike item %s: %w", itemID, err)
	}
	s.refreshAfter(ctx, "unlike")
	return nil
}

// AddComment appends a comment to an item.
func (s *FeedService) AddComment(ctx context.Context, itemID string, c Comment) error {
	text := TruncateText(strings.TrimSpace(c.Text))
	if itemID == "" || c.AuthorID == "" {
		return fmt.Errorf("%w: item and author are required", ErrInvalidInput)
	}
	if text == "" {
		return fmt.Errorf("%w: comment cannot be empty", ErrInvalidInput)
	}

	ts := StoreTimestampFromMillis(s.now().UnixMilli())
	raw := RawComment{
		Text:        text,
		UID:         c.AuthorID,
		DisplayName: displayNameOrAnonymous(c.AuthorDisplayName),
		Timestamp:   RawTimestamp{Store: &ts},
	}

	if err := s.store.EnsureProfile(ctx, c.AuthorID); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	if err := s.store.AddComment(ctx, itemID, raw); err != nil {
		return fmt.Errorf("add comment to %s: %w", itemID, err)
	}
	s.refreshAfter(ctx, "add comment")
	return nil
}

// Follow makes followerID follow followeeID.
func (s *FeedService) Follow(ctx context.Context, followerID, followeeID string) error {
	if err := validateFollow(followerID, followeeID); err != nil {
		return err
	}
	if err := s.store.Follow(ctx, followerID, followeeID); err != nil {
		return fmt.Errorf("follow %s: %w", followeeID, err)
	}
	s.refreshAfter(ctx, "follow")
	return nil
}

// Unfollow removes the follow relationship, if any.
func (s *FeedService) Unfollow(ctx context.Context, followerID, followeeID string) error {
	if err := validateFollow(followerID, followeeID); err != nil {
		return err
	}
	if err := s.store.Unfollow(ctx, followerID, followeeID); err != nil {
		return fmt.Errorf("unfollow %s: %w", followeeID, err)
	}
	s.refreshAfter(ctx, "unfollow")
	return nil
}

func validateFollow(followerID, followeeID string) error {
	if followerID == "" || followeeID == "" {
		return fmt.Errorf("%w: follower and followee are required", ErrInvalidInput)
	}
	if followerID == followeeID {
		return fmt.Errorf("%w: users cannot follow themselves", ErrInvalidInput)
	}
	return nil
}

// FollowTag subscribes a user to a hashtag community.
func (s *FeedService) FollowTag(ctx context.Context, userID, tag string) error {
	tag = NormalizeTag(tag)
	if userID == "" || tag == "" {
		return fmt.Errorf("%w: user and tag are required", ErrInvalidInput)
	}
	if err := s.store.FollowTag(ctx, userID, tag); err != nil {
		return fmt.Errorf("follow tag %s: %w", tag, err)
	}
	s.refreshAfter(ctx, "follow tag")
	return nil
}

// UnfollowTag unsubscribes a user from a hashtag community.
func (s *FeedService) UnfollowTag(ctx context.Context, userID, tag string) error {
	tag = NormalizeTag(tag)
	if userID == "" || tag == "" {
		return fmt.Errorf("%w: user and tag are required", ErrInvalidInput)
	}
	if err := s.store.UnfollowTag(ctx, userID, tag); err != nil {
		return fmt.Errorf("unfollow tag %s: %w", tag, err)
	}
	s.refreshAfter(ctx, "unfollow tag")
	return nil
}

// BlockedTerms returns the moderation terms of the current snapshot.
func (s *FeedService) BlockedTerms() []string {
	return s.Snapshot().BlockedTerms
}

// AddBlockedTerm adds a lowercased term to the blocklist.
func (s *FeedService) AddBlockedTerm(ctx context.Context, term string) error {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return fmt.Errorf("%w: term is required", ErrInvalidInput)
	}
	if err := s.store.AddBlockedTerm(ctx, term); err != nil {
		return fmt.Errorf("add blocked term: %w", err)
	}
	s.refreshAfter(ctx, "add blocked term")
	return nil
}

// RemoveBlockedTerm removes a term from the blocklist.
func (s *FeedService) RemoveBlockedTerm(ctx context.Context, term string) error {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return fmt.Errorf("%w: term is required", ErrInvalidInput)
	}
	if err := s.store.RemoveBlockedTerm(ctx, term); err != nil {
		return fmt.Errorf("remove blocked term: %w", err)
	}
	s.refreshAfter(ctx, "remove blocked term")
	return nil
}

// ApplyRecord mirrors a record from the change stream into the store.
func (s *FeedService) ApplyRecord(ctx context.Context, rec *RawRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if err := s.store.UpsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("upsert %s %s: %w", rec.Kind, rec.ID, err)
	}
	s.RequestRefresh()
	return nil
}

// ApplyRecordDelete mirrors a record deletion from the change stream.
func (s *FeedService) ApplyRecordDelete(ctx context.Context, kind Kind, id string) error {
	if err := s.store.DeleteRecord(ctx, kind, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	s.RequestRefresh()
	return nil
}

// ApplyProfile mirrors a user document from the change stream.
func (s *FeedService) ApplyProfile(ctx context.Context, p RawProfile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}
	if err := s.store.PutProfile(ctx, p); err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	s.RequestRefresh()
	return nil
}

// ApplyProfileDelete mirrors a user document deletion from the change stream.
func (s *FeedService) ApplyProfileDelete(ctx context.Context, userID string) error {
	if err := s.store.DeleteProfile(ctx, userID); err != nil {
		return fmt.Errorf("delete profile %s: %w", userID, err)
	}
	s.RequestRefresh()
	return nil
}

// GetCursor retrieves the last-processed change-stream cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.store.GetCursor(ctx, service)
}

// UpdateCursor persists the change-stream cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.store.UpdateCursor(ctx, service, cursor)
}

// Reconcile repairs like counts and missing hashtags in the store and
// refreshes the snapshot when anything changed.
func (s *FeedService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report, err := s.store.Reconcile(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}

	metrics.ReconcileFixes.WithLabelValues("like_count").Add(float64(report.LikeCountsFixed))
	metrics.ReconcileFixes.WithLabelValues("hashtags").Add(float64(report.HashtagsBackfilled))

	if report.LikeCountsFixed > 0 || report.HashtagsBackfilled > 0 {
		s.logger.Info("reconcile complete",
			"like_counts_fixed", report.LikeCountsFixed,
			"hashtags_backfilled", report.HashtagsBackfilled,
		)
		s.RequestRefresh()
	}
	return report, nil
}

// refreshAfter refreshes after a successful write. The write already
// happened, so a refresh failure is logged rather than returned.
func (s *FeedService) refreshAfter(ctx context.Context, op string) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("refresh after mutation failed", "op", op, "error", err)
	}
}

func displayNameOrAnonymous(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "Anonymous"
}
