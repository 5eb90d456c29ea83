package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/tracklist-feeds/internal/domain"
)

// Repository implements domain.Store using SQLite.
type Repository struct {
	db *sql.DB
}

var _ domain.Store = (*Repository)(nil)

// NewRepository opens the SQLite database at path, creates the schema if
// needed, and returns a new Repository. The caller should call Close when
// the repository is no longer needed.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps transactions
	// from tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		uid          TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		body         TEXT,
		timestamp    TEXT NOT NULL DEFAULT 'null',
		hashtags     TEXT NOT NULL DEFAULT '[]',
		like_count   INTEGER NOT NULL DEFAULT 0,
		media_url    TEXT NOT NULL DEFAULT '',
		media_type   TEXT NOT NULL DEFAULT '',
		track        TEXT NOT NULL DEFAULT '',
		artist       TEXT NOT NULL DEFAULT '',
		rating       INTEGER NOT NULL DEFAULT 0,
		album_cover  TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind);
	CREATE INDEX IF NOT EXISTS idx_items_uid ON items(uid);

	CREATE TABLE IF NOT EXISTS likes (
		item_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (item_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS comments (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id      TEXT NOT NULL,
		text         TEXT NOT NULL,
		uid          TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		timestamp    TEXT NOT NULL DEFAULT 'null'
	);

	CREATE INDEX IF NOT EXISTS idx_comments_item_id ON comments(item_id);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	);

	CREATE INDEX IF NOT EXISTS idx_follows_followee ON follows(followee_id);

	CREATE TABLE IF NOT EXISTS followed_tags (
		user_id TEXT NOT NULL,
		tag     TEXT NOT NULL,
		PRIMARY KEY (user_id, tag)
	);

	CREATE TABLE IF NOT EXISTS blocked_terms (
		term       TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		service      TEXT PRIMARY KEY,
		cursor_value INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// ListRecords returns every record of the given kind in insertion order,
// with likes and comments attached.
func (r *Repository) ListRecords(ctx context.Context, kind domain.Kind) ([]domain.RawRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, uid, display_name, body, timestamp, hashtags, like_count,
		       media_url, media_type, track, artist, rating, album_cover
		FROM items
		WHERE kind = ?
		ORDER BY rowid`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", kind, err)
	}
	defer rows.Close()

	var records []domain.RawRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec      domain.RawRecord
			body     sql.NullString
			ts       string
			hashtags string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.UID,
			&rec.DisplayName,
			&body,
			&ts,
			&hashtags,
			&rec.Likes,
			&rec.MediaURL,
			&rec.MediaType,
			&rec.Track,
			&rec.Artist,
			&rec.Rating,
			&rec.AlbumCover,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = kind

		if body.Valid {
			text := body.String
			if kind == domain.KindRating {
				rec.Comment = &text
			} else {
				rec.Text = &text
			}
		}
		if err := json.Unmarshal([]byte(ts), &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("decode timestamp of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(hashtags), &rec.Hashtags); err != nil {
			return nil, fmt.Errorf("decode hashtags of %s: %w", rec.ID, err)
		}

		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if err := r.attachLikes(ctx, kind, records, index); err != nil {
		return nil, err
	}
	if err := r.attachComments(ctx, kind, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) attachLikes(ctx context.Context, kind domain.Kind, records []domain.RawRecord, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.item_id, l.user_id
		FROM likes l
		JOIN items i ON i.id = l.item_id
		WHERE i.kind = ?
		ORDER BY l.created_at, l.rowid`,
		string(kind),
	)
	if err != nil {
		return fmt.Errorf("query likes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID, userID string
		if err := rows.Scan(&itemID, &userID); err != nil {
			return fmt.Errorf("scan like: %w", err)
		}
		if i, ok := index[itemID]; ok {
			records[i].LikedBy = append(records[i].LikedBy, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate likes: %w", err)
	}
	return nil
}

func (r *Repository) attachComments(ctx context.Context, kind domain.Kind, records []domain.RawRecord, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.item_id, c.text, c.uid, c.display_name, c.timestamp
		FROM comments c
		JOIN items i ON i.id = c.item_id
		WHERE i.kind = ?
		ORDER BY c.id`,
		string(kind),
	)
	if err != nil {
		return fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			itemID string
			c      domain.RawComment
			ts     string
		)
		if err := rows.Scan(&itemID, &c.Text, &c.UID, &c.DisplayName, &ts); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		if err := json.Unmarshal([]byte(ts), &c.Timestamp); err != nil {
			return fmt.Errorf("decode comment timestamp: %w", err)
		}
		if i, ok := index[itemID]; ok {
			records[i].Comments = append(records[i].Comments, c)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate comments: %w", err)
	}
	return nil
}

// CreateRecord inserts a new record. Returns domain.ErrAlreadyExists when
// the ID is taken.
func (r *Repository) CreateRecord(ctx context.Context, rec *domain.RawRecord) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, kind, uid, display_name, body, timestamp, hashtags, like_count,
			                   media_url, media_type, track, artist, rating, album_cover)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return insertChildren(ctx, tx, rec)
	})
}

// UpsertRecord inserts or replaces a record together with its likes and
// comments. The stored like count is taken from the record as given;
// Reconcile repairs it if it disagrees with the likes.
func (r *Repository) UpsertRecord(ctx context.Context, rec *domain.RawRecord) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		args, err := recordArgs(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (id, kind, uid, display_name, body, timestamp, hashtags, like_count,
			                   media_url, media_type, track, artist, rating, album_cover)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				kind = excluded.kind,
				uid = excluded.uid,
				display_name = excluded.display_name,
				body = excluded.body,
				timestamp = excluded.timestamp,
				hashtags = excluded.hashtags,
				like_count = excluded.like_count,
				media_url = excluded.media_url,
				media_type = excluded.media_type,
				track = excluded.track,
				artist = excluded.artist,
				rating = excluded.rating,
				album_cover = excluded.album_cover`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM likes WHERE item_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("clear likes of %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE item_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("clear comments of %s: %w", rec.ID, err)
		}
		return insertChildren(ctx, tx, rec)
	})
}

// DeleteRecord removes a record with its likes and comments. Deleting a
// record that does not exist is a no-op.
func (r *Repository) DeleteRecord(ctx context.Context, kind domain.Kind, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ? AND kind = ?`, id, string(kind))
		if err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM likes WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("delete likes of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("delete comments of %s: %w", id, err)
		}
		return nil
	})
}

// Like adds userID to the item's likes and recounts like_count in the same
// transaction.
func (r *Repository) Like(ctx context.Context, itemID, userID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := itemExists(ctx, tx, itemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO likes (item_id, user_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (item_id, user_id) DO NOTHING`,
			itemID, userID, nowMillis(),
		)
		if err != nil {
			return fmt.Errorf("insert like: %w", err)
		}
		return recountLikes(ctx, tx, itemID)
	})
}

// Unlike removes userID from the item's likes and recounts like_count in
// the same transaction.
func (r *Repository) Unlike(ctx context.Context, itemID, userID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := itemExists(ctx, tx, itemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM likes WHERE item_id = ? AND user_id = ?`, itemID, userID)
		if err != nil {
			return fmt.Errorf("delete like: %w", err)
		}
		return recountLikes(ctx, tx, itemID)
	})
}

// AddComment appends a comment to an existing item.
func (r *Repository) AddComment(ctx context.Context, itemID string, c domain.RawComment) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := itemExists(ctx, tx, itemID); err != nil {
			return err
		}
		return insertComment(ctx, tx, itemID, c)
	})
}

// GetProfile returns the user's following, followers and followed tags.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}

	p := &domain.UserProfile{ID: id}
	if p.FollowingIDs, err = r.queryStrings(ctx,
		`SELECT followee_id FROM follows WHERE follower_id = ? ORDER BY created_at, rowid`, id); err != nil {
		return nil, fmt.Errorf("query following: %w", err)
	}
	if p.FollowerIDs, err = r.queryStrings(ctx,
		`SELECT follower_id FROM follows WHERE followee_id = ? ORDER BY created_at, rowid`, id); err != nil {
		return nil, fmt.Errorf("query followers: %w", err)
	}
	if p.FollowedTags, err = r.queryStrings(ctx,
		`SELECT tag FROM followed_tags WHERE user_id = ? ORDER BY tag`, id); err != nil {
		return nil, fmt.Errorf("query followed tags: %w", err)
	}
	return p, nil
}

// ListProfiles returns every stored profile.
func (r *Repository) ListProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	ids, err := r.queryStrings(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	profiles := make([]domain.UserProfile, len(ids))
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		profiles[i] = domain.UserProfile{
			ID:           id,
			FollowingIDs: []string{},
			FollowerIDs:  []string{},
			FollowedTags: []string{},
		}
		index[id] = i
	}

	rows, err := r.db.QueryContext(ctx, `SELECT follower_id, followee_id FROM follows ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query follows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var follower, followee string
		if err := rows.Scan(&follower, &followee); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		if i, ok := index[follower]; ok {
			profiles[i].FollowingIDs = append(profiles[i].FollowingIDs, followee)
		}
		if i, ok := index[followee]; ok {
			profiles[i].FollowerIDs = append(profiles[i].FollowerIDs, follower)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follows: %w", err)
	}

	tagRows, err := r.db.QueryContext(ctx, `SELECT user_id, tag FROM followed_tags ORDER BY user_id, tag`)
	if err != nil {
		return nil, fmt.Errorf("query followed tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var userID, tag string
		if err := tagRows.Scan(&userID, &tag); err != nil {
			return nil, fmt.Errorf("scan followed tag: %w", err)
		}
		if i, ok := index[userID]; ok {
			profiles[i].FollowedTags = append(profiles[i].FollowedTags, tag)
		}
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followed tags: %w", err)
	}

	return profiles, nil
}

// EnsureProfile creates an empty profile if none exists.
func (r *Repository) EnsureProfile(ctx context.Context, userID string) error {
	return ensureUser(ctx, r.db, userID)
}

// PutProfile replaces the user's following edges and followed tags.
// Followers are never written directly: they are the reverse of other
// users' following edges.
func (r *Repository) PutProfile(ctx context.Context, p domain.RawProfile) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUser(ctx, tx, p.ID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE follower_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clear following of %s: %w", p.ID, err)
		}
		for _, followee := range p.Following {
			if followee == "" || followee == p.ID {
				continue
			}
			if err := insertFollow(ctx, tx, p.ID, followee); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM followed_tags WHERE user_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clear followed tags of %s: %w", p.ID, err)
		}
		for _, tag := range p.FollowedTags {
			if tag = domain.NormalizeTag(tag); tag == "" {
				continue
			}
			if err := insertFollowedTag(ctx, tx, p.ID, tag); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProfile removes the user along with every follow edge touching it.
func (r *Repository) DeleteProfile(ctx context.Context, userID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM follows WHERE follower_id = ? OR followee_id = ?`, userID, userID); err != nil {
			return fmt.Errorf("delete follows of %s: %w", userID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM followed_tags WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete followed tags of %s: %w", userID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
			return fmt.Errorf("delete user %s: %w", userID, err)
		}
		return nil
	})
}

// Follow records a single follow edge, which is both the follower's
// following entry and the followee's follower entry.
func (r *Repository) Follow(ctx context.Context, followerID, followeeID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUser(ctx, tx, followerID); err != nil {
			return err
		}
		return insertFollow(ctx, tx, followerID, followeeID)
	})
}

// Unfollow removes the follow edge, if any.
func (r *Repository) Unfollow(ctx context.Context, followerID, followeeID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

// FollowTag adds a tag to the user's followed tags.
func (r *Repository) FollowTag(ctx context.Context, userID, tag string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		return insertFollowedTag(ctx, tx, userID, tag)
	})
}

// UnfollowTag removes a tag from the user's followed tags.
func (r *Repository) UnfollowTag(ctx context.Context, userID, tag string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM followed_tags WHERE user_id = ? AND tag = ?`, userID, tag)
	if err != nil {
		return fmt.Errorf("delete followed tag: %w", err)
	}
	return nil
}

// ListBlockedTerms returns all blocked terms in alphabetical order.
func (r *Repository) ListBlockedTerms(ctx context.Context) ([]string, error) {
	terms, err := r.queryStrings(ctx, `SELECT term FROM blocked_terms ORDER BY term`)
	if err != nil {
		return nil, fmt.Errorf("query blocked terms: %w", err)
	}
	return terms, nil
}

// AddBlockedTerm stores a new blocked term.
func (r *Repository) AddBlockedTerm(ctx context.Context, term string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_terms (term, created_at)
		VALUES (?, ?)
		ON CONFLICT (term) DO NOTHING`,
		term, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("insert blocked term: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("term %q: %w", term, domain.ErrAlreadyExists)
	}
	return nil
}

// RemoveBlockedTerm deletes a blocked term.
func (r *Repository) RemoveBlockedTerm(ctx context.Context, term string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM blocked_terms WHERE term = ?`, term)
	if err != nil {
		return fmt.Errorf("delete blocked term: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("term %q: %w", term, domain.ErrNotFound)
	}
	return nil
}

// GetCursor retrieves the saved change-stream cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the change-stream cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, nowMillis(),
	)
	return err
}

// Reconcile recounts like_count from the likes table wherever they
// disagree, and fills in hashtags for items whose text has some but whose
// stored hashtag list is empty.
func (r *Repository) Reconcile(ctx context.Context) (domain.ReconcileReport, error) {
	var report domain.ReconcileReport

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE items
			SET like_count = (SELECT COUNT(*) FROM likes WHERE likes.item_id = items.id)
			WHERE like_count != (SELECT COUNT(*) FROM likes WHERE likes.item_id = items.id)`)
		if err != nil {
			return fmt.Errorf("recount likes: %w", err)
		}
		report.LikeCountsFixed, _ = res.RowsAffected()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, body FROM items
			WHERE hashtags = '[]' AND body LIKE '%#%'`)
		if err != nil {
			return fmt.Errorf("query items missing hashtags: %w", err)
		}
		type backfill struct {
			id       string
			hashtags []string
		}
		var pending []backfill
		for rows.Next() {
			var id, body string
			if err := rows.Scan(&id, &body); err != nil {
				rows.Close()
				return fmt.Errorf("scan item: %w", err)
			}
			if tags := domain.ExtractHashtags(body); len(tags) > 0 {
				pending = append(pending, backfill{id: id, hashtags: tags})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate items: %w", err)
		}
		rows.Close()

		for _, b := range pending {
			encoded, err := json.Marshal(b.hashtags)
			if err != nil {
				return fmt.Errorf("encode hashtags: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE items SET hashtags = ? WHERE id = ?`, string(encoded), b.id); err != nil {
				return fmt.Errorf("backfill hashtags of %s: %w", b.id, err)
			}
		}
		report.HashtagsBackfilled = int64(len(pending))
		return nil
	})
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	return report, nil
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureUser(ctx context.Context, db execer, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, created_at)
		VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`,
		userID, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return nil
}

func insertFollow(ctx context.Context, tx *sql.Tx, followerID, followeeID string) error {
	if err := ensureUser(ctx, tx, followeeID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		followerID, followeeID, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

func insertFollowedTag(ctx context.Context, tx *sql.Tx, userID, tag string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO followed_tags (user_id, tag)
		VALUES (?, ?)
		ON CONFLICT (user_id, tag) DO NOTHING`,
		userID, tag,
	)
	if err != nil {
		return fmt.Errorf("insert followed tag: %w", err)
	}
	return nil
}

func itemExists(ctx context.Context, tx *sql.Tx, itemID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query item %s: %w", itemID, err)
	}
	return nil
}

func recountLikes(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE items
		SET like_count = (SELECT COUNT(*) FROM likes WHERE item_id = ?)
		WHERE id = ?`,
		itemID, itemID,
	)
	if err != nil {
		return fmt.Errorf("recount likes of %s: %w", itemID, err)
	}
	return nil
}

func insertComment(ctx context.Context, tx *sql.Tx, itemID string, c domain.RawComment) error {
	ts, err := json.Marshal(c.Timestamp)
	if err != nil {
		return fmt.Errorf("encode comment timestamp: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO comments (item_id, text, uid, display_name, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		itemID, c.Text, c.UID, c.DisplayName, string(ts),
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, rec *domain.RawRecord) error {
	created := nowMillis()
	for _, userID := range rec.LikedBy {
		if userID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO likes (item_id, user_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (item_id, user_id) DO NOTHING`,
			rec.ID, userID, created,
		)
		if err != nil {
			return fmt.Errorf("insert like: %w", err)
		}
	}
	for _, c := range rec.Comments {
		if err := insertComment(ctx, tx, rec.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// recordArgs returns the items column values for rec, in insert order.
func recordArgs(rec *domain.RawRecord) ([]any, error) {
	ts, err := json.Marshal(rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}
	hashtags := rec.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	tags, err := json.Marshal(hashtags)
	if err != nil {
		return nil, fmt.Errorf("encode hashtags: %w", err)
	}

	kind := rec.Kind
	if kind != domain.KindRating {
		kind = domain.KindPost
	}
	body := rec.Text
	if kind == domain.KindRating {
		body = rec.Comment
		if body == nil {
			body = rec.Text
		}
	}
	var bodyArg any
	if body != nil {
		bodyArg = *body
	}

	return []any{
		rec.ID,
		string(kind),
		rec.UID,
		rec.DisplayName,
		bodyArg,
		string(ts),
		string(tags),
		rec.Likes,
		rec.MediaURL,
		rec.MediaType,
		rec.Track,
		rec.Artist,
		rec.Rating,
		rec.AlbumCover,
	}, nil
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
