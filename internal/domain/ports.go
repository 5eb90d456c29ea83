package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record, profile or term does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating something that is already there.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput is returned for requests that can never succeed as given.
	ErrInvalidInput = errors.New("invalid input")
)

// ContentRepository defines persistence operations for posts and ratings.
type ContentRepository interface {
	// ListRecords returns every stored record of the given kind.
	ListRecords(ctx context.Context, kind Kind) ([]RawRecord, error)

	// CreateRecord inserts a new record. The record must carry an ID.
	CreateRecord(ctx context.Context, rec *RawRecord) error

	// UpsertRecord replaces a record wholesale, including its likes and
	// comments. Used to mirror documents from the change stream.
	UpsertRecord(ctx context.Context, rec *RawRecord) error

	// DeleteRecord removes a record and everything attached to it.
	DeleteRecord(ctx context.Context, kind Kind, id string) error

	// Like adds userID to the item's likedBy set and updates the like count
	// in the same transaction. Liking twice is a no-op.
	Like(ctx context.Context, itemID, userID string) error

	// Unlike removes userID from the likedBy set, updating the count
	// together with it. Unliking an item that is not liked is a no-op.
	Unlike(ctx context.Context, itemID, userID string) error

	// AddComment appends a comment to the item.
	AddComment(ctx context.Context, itemID string, c RawComment) error
}

// ProfileRepository defines persistence operations for user profiles.
type ProfileRepository interface {
	// GetProfile returns ErrNotFound when the user has no stored profile.
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)

	ListProfiles(ctx context.Context) ([]UserProfile, error)

	// EnsureProfile creates an empty profile if none exists.
	EnsureProfile(ctx context.Context, userID string) error

	// PutProfile replaces the user's following set and followed tags.
	PutProfile(ctx context.Context, p RawProfile) error

	DeleteProfile(ctx context.Context, userID string) error

	// Follow and Unfollow update both sides of the relationship at once.
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error

	FollowTag(ctx context.Context, userID, tag string) error
	UnfollowTag(ctx context.Context, userID, tag string) error
}

// BlocklistRepository defines persistence operations for moderation terms.
type BlocklistRepository interface {
	ListBlockedTerms(ctx context.Context) ([]string, error)

	// AddBlockedTerm returns ErrAlreadyExists for a duplicate term.
	AddBlockedTerm(ctx context.Context, term string) error

	// RemoveBlockedTerm returns ErrNotFound for an unknown term.
	RemoveBlockedTerm(ctx context.Context, term string) error
}

// CursorRepository defines persistence operations for change-stream cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed cursor for the given service
	// name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	LikeCountsFixed    int64
	HashtagsBackfilled int64
}

// Reconciler repairs derived fields that drifted from their source of truth.
type Reconciler interface {
	Reconcile(ctx context.Context) (ReconcileReport, error)
}

// Store bundles every repository the feed service needs. The SQLite
// repository implements all of them.
type Store interface {
	ContentRepository
	ProfileRepository
	BlocklistRepository
	CursorRepository
	Reconciler
}

// ArtworkLookup resolves album art for a track.
type ArtworkLookup interface {
	AlbumArt(ctx context.Context, artist, track string) (string, error)
}
