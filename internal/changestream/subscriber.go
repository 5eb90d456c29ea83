package changestream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/tracklist-feeds/internal/domain"
	"github.com/blackmichael/tracklist-feeds/internal/metrics"
)

const (
	cursorServiceName  = "changestream"
	cursorSaveInterval = 5 * time.Second
	statsLogInterval   = 30 * time.Second
	reconnectBackoff   = 5 * time.Second
)

// wantedCollections is the set of store collections this subscriber mirrors.
var wantedCollections = []string{
	collectionPosts,
	collectionRatings,
	collectionUsers,
}

// Subscriber connects to the document store's change stream and mirrors
// every change into the local store through the feed service.
type Subscriber struct {
	url         string
	feedService *domain.FeedService
	logger      *slog.Logger
	backoff     time.Duration
}

// NewSubscriber creates a new change-stream subscriber.
func NewSubscriber(
	streamURL string,
	feedService *domain.FeedService,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		url:         streamURL,
		feedService: feedService,
		logger:      logger,
		backoff:     reconnectBackoff,
	}
}

// Start connects to the change stream and processes events until the
// context is cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("change stream connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.backoff):
					// backoff before reconnecting
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse change stream url: %w", err)
	}
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("collection", c)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.feedService.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to change stream", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.logger.Info("connected to change stream")

	lastCursorSave := time.Now()
	latestCursor := cursor
	var eventsReceived, eventsApplied int64
	lastStatsLog := time.Now()

	saveCursor := func() {
		if latestCursor == cursor {
			return
		}
		// the request context may already be cancelled on shutdown
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.feedService.UpdateCursor(saveCtx, cursorServiceName, latestCursor); err != nil {
			s.logger.Error("failed to save cursor", "error", err)
			return
		}
		cursor = latestCursor
		lastCursorSave = time.Now()
	}
	defer saveCursor()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			metrics.ChangeStreamErrors.Inc()
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		if event.Seq > latestCursor {
			latestCursor = event.Seq
		}

		if err := s.handleEvent(ctx, event); err != nil {
			metrics.ChangeStreamErrors.Inc()
			s.logger.Error("failed to apply event",
				"seq", event.Seq,
				"collection", event.Collection,
				"id", event.ID,
				"error", err,
			)
		} else {
			eventsApplied++
			metrics.ChangeStreamEvents.WithLabelValues(event.Collection, event.Op).Inc()
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("change stream stats",
				"events_received", eventsReceived,
				"events_applied", eventsApplied,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			saveCursor()
		}
	}
}

func (s *Subscriber) handleEvent(ctx context.Context, event *changeEvent) error {
	if kind, ok := collectionKind(event.Collection); ok {
		switch event.Op {
		case opUpsert:
			if event.Record == nil {
				return fmt.Errorf("upsert of %s without record", event.ID)
			}
			return s.feedService.ApplyRecord(ctx, event.Record)
		case opDelete:
			return s.feedService.ApplyRecordDelete(ctx, kind, event.ID)
		}
		return fmt.Errorf("unknown operation %q", event.Op)
	}

	if event.Collection == collectionUsers {
		switch event.Op {
		case opUpsert:
			if event.Profile == nil {
				return fmt.Errorf("upsert of user %s without record", event.ID)
			}
			return s.feedService.ApplyProfile(ctx, *event.Profile)
		case opDelete:
			return s.feedService.ApplyProfileDelete(ctx, event.ID)
		}
		return fmt.Errorf("unknown operation %q", event.Op)
	}

	s.logger.Debug("ignoring event for unwatched collection", "collection", event.Collection)
	return nil
}
