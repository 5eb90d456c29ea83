package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/tracklist-feeds/internal/config"
	"github.com/blackmichael/tracklist-feeds/internal/domain"
	"github.com/blackmichael/tracklist-feeds/internal/metrics"
)

// UserIDHeader carries the authenticated user's ID, set by the auth proxy
// in front of this service.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

// Server is the HTTP server that serves the feed and mutation endpoints.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	logger      *slog.Logger
	httpServer  *http.Server
	upgrader    websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new HTTP server with the given feed service.
func NewServer(cfg *config.Config, feedService *domain.FeedService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler { return withLogging(logger, next) })
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserIDHeader},
		MaxAge:         300,
	}))

	write := s.writeRateLimit()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", s.handleGetFeed)
		r.Get("/feed/live", s.handleLiveFeed)
		r.Get("/communities", s.handleCommunities)

		r.With(write).Post("/posts", s.handleCreatePost)
		r.With(write).Post("/ratings", s.handleSubmitRating)

		r.Route("/items/{id}", func(r chi.Router) {
			r.With(write).Post("/like", s.handleLike)
			r.With(write).Delete("/like", s.handleUnlike)
			r.With(write).Post("/comments", s.handleAddComment)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleUserTimeline)
			r.With(write).Post("/follow", s.handleFollow)
			r.With(write).Delete("/follow", s.handleUnfollow)
			r.With(write).Post("/tags/{tag}", s.handleFollowTag)
			r.With(write).Delete("/tags/{tag}", s.handleUnfollowTag)
		})

		r.Get("/blocked-terms", s.handleListBlockedTerms)
		r.With(write).Post("/blocked-terms", s.handleAddBlockedTerm)
		r.With(write).Delete("/blocked-terms/{term}", s.handleRemoveBlockedTerm)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and ends live feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}

// writeRateLimit limits mutations per acting user, falling back to the
// client IP for anonymous requests.
func (s *Server) writeRateLimit() func(http.Handler) http.Handler {
	if s.cfg.Server.WriteRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.Server.WriteRateLimit,
		s.cfg.Server.WriteRateWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := r.Header.Get(UserIDHeader); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.feedService.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"snapshot_version": snap.Version,
		"items":            len(snap.Items),
	})
}

// feedParams reads viewer, view and limit from the query string.
func (s *Server) feedParams(r *http.Request) (domain.FeedRequest, error) {
	q := r.URL.Query()

	// the authenticated header wins; viewer only fills in for anonymous calls
	viewer := r.Header.Get(UserIDHeader)
	if viewer == "" {
		viewer = q.Get("viewer")
	}

	view, err := domain.ParseView(q.Get("view"))
	if err != nil {
		return domain.FeedRequest{}, err
	}

	limit := s.cfg.Feed.DefaultLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > s.cfg.Feed.MaxLimit {
			return domain.FeedRequest{}, fmt.Errorf("%w: limit must be between 1 and %d",
				domain.ErrInvalidInput, s.cfg.Feed.MaxLimit)
		}
		limit = parsed
	}

	return domain.FeedRequest{
		ViewerID: viewer,
		View:     view,
		Limit:    limit,
		Cursor:   q.Get("cursor"),
	}, nil
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	req, err := s.feedParams(r)
	if err != nil {
		s.logger.Warn("invalid feed request", "query", r.URL.RawQuery, "error", err)
		s.writeServiceError(w, err, "get feed")
		return
	}

	page, err := s.feedService.GetFeed(r.Context(), req)
	if err != nil {
		s.logger.Warn("failed to get feed",
			"viewer", req.ViewerID,
			"view", req.View,
			"limit", req.Limit,
			"cursor", req.Cursor,
			"error", err,
		)
		s.writeServiceError(w, err, "get feed")
		return
	}

	s.logger.Debug("getFeed success", "viewer", req.ViewerID, "view", req.View,
		"items_returned", len(page.Items), "next_cursor", page.Cursor)

	resp := map[string]any{
		"version": page.Version,
		"items":   page.Items,
	}
	if page.Cursor != "" {
		resp["cursor"] = page.Cursor
	}
	if page.Reasons != nil {
		resp["reasons"] = page.Reasons
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"communities": s.feedService.Communities(r.Context()),
	})
}

func (s *Server) handleUserTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.feedService.UserTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "get user")
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

type createPostRequest struct {
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	MediaURL    string `json:"mediaUrl"`
	MediaType   string `json:"mediaType"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body createPostRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	item, err := s.feedService.CreatePost(r.Context(), domain.NewPost{
		AuthorID:          actor,
		AuthorDisplayName: body.DisplayName,
		Text:              body.Text,
		MediaURL:          body.MediaURL,
		MediaType:         body.MediaType,
	})
	if err != nil {
		s.writeServiceError(w, err, "create post")
		return
	}
	s.logger.Info("post created", "id", item.ID, "author", actor)
	writeJSON(w, http.StatusCreated, item)
}

type submitRatingRequest struct {
	DisplayName string `json:"displayName"`
	Track       string `json:"track"`
	Artist      string `json:"artist"`
	Rating      int    `json:"rating"`
	Comment     string `json:"comment"`
	AlbumArtURL string `json:"albumArtUrl"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body submitRatingRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	item, err := s.feedService.SubmitRating(r.Context(), domain.NewRating{
		AuthorID:          actor,
		AuthorDisplayName: body.DisplayName,
		Track:             body.Track,
		Artist:            body.Artist,
		Score:             body.Rating,
		Comment:           body.Comment,
		AlbumArtURL:       body.AlbumArtURL,
	})
	if err != nil {
		s.writeServiceError(w, err, "submit rating")
		return
	}
	s.logger.Info("rating submitted", "id", item.ID, "author", actor, "track", item.Track)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.feedService.Like(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		s.writeServiceError(w, err, "like item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.feedService.Unlike(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		s.writeServiceError(w, err, "unlike item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addCommentRequest struct {
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body addCommentRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := s.feedService.AddComment(r.Context(), chi.URLParam(r, "id"), domain.Comment{
		Text:              body.Text,
		AuthorID:          actor,
		AuthorDisplayName: body.DisplayName,
	})
	if err != nil {
		s.writeServiceError(w, err, "add comment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.feedService.Follow(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err, "follow user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.feedService.Unfollow(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err, "unfollow user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFollowTag(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	if err := s.feedService.FollowTag(r.Context(), actor, chi.URLParam(r, "tag")); err != nil {
		s.writeServiceError(w, err, "follow tag")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfollowTag(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	if err := s.feedService.UnfollowTag(r.Context(), actor, chi.URLParam(r, "tag")); err != nil {
		s.writeServiceError(w, err, "unfollow tag")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBlockedTerms(w http.ResponseWriter, _ *http.Request) {
	terms := s.feedService.BlockedTerms()
	if terms == nil {
		terms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terms": terms})
}

type blockedTermRequest struct {
	Term string `json:"term"`
}

func (s *Server) handleAddBlockedTerm(w http.ResponseWriter, r *http.Request) {
	var body blockedTermRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.feedService.AddBlockedTerm(r.Context(), body.Term); err != nil {
		s.writeServiceError(w, err, "add blocked term")
		return
	}
	s.logger.Info("blocked term added", "actor", r.Header.Get(UserIDHeader))
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveBlockedTerm(w http.ResponseWriter, r *http.Request) {
	if err := s.feedService.RemoveBlockedTerm(r.Context(), chi.URLParam(r, "term")); err != nil {
		s.writeServiceError(w, err, "remove blocked term")
		return
	}
	s.logger.Info("blocked term removed", "actor", r.Header.Get(UserIDHeader))
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps domain errors onto HTTP statuses. Anything
// unrecognized is logged and reported as a 500 without details.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "AlreadyExists", err.Error())
	default:
		s.logger.Error("request failed", "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to "+action)
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(UserIDHeader)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", UserIDHeader+" header is required")
		return "", false
	}
	return actor, true
}

// requireSelf is requireActor for routes that only the user in the path
// may call.
func requireSelf(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return "", false
	}
	if actor != chi.URLParam(r, "id") {
		writeError(w, http.StatusForbidden, "Forbidden", "cannot modify another user's followed tags")
		return "", false
	}
	return actor, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
