package changestream

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/tracklist-feeds/internal/domain"
)

// Collections mirrored from the document store.
const (
	collectionPosts   = "posts"
	collectionRatings = "ratings"
	collectionUsers   = "users"
)

// Operations carried by a change event.
const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// changeEvent is one document change from the store's change stream.
// Exactly one of Record and Profile is set for upserts, neither for deletes.
type changeEvent struct {
	Seq        int64
	Op         string
	Collection string
	ID         string
	Record     *domain.RawRecord
	Profile    *domain.RawProfile
}

// collectionKind maps a content collection to its item kind.
func collectionKind(collection string) (domain.Kind, bool) {
	switch collection {
	case collectionPosts:
		return domain.KindPost, true
	case collectionRatings:
		return domain.KindRating, true
	default:
		return "", false
	}
}

func parseEvent(data []byte) (*changeEvent, error) {
	var raw struct {
		Seq        int64           `json:"seq"`
		Op         string          `json:"op"`
		Collection string          `json:"collection"`
		ID         string          `json:"id"`
		Record     json.RawMessage `json:"record,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("event %d has no document id", raw.Seq)
	}

	event := &changeEvent{
		Seq:        raw.Seq,
		Op:         raw.Op,
		Collection: raw.Collection,
		ID:         raw.ID,
	}

	if raw.Op != opUpsert || len(raw.Record) == 0 || string(raw.Record) == "null" {
		return event, nil
	}

	if kind, ok := collectionKind(raw.Collection); ok {
		var rec domain.RawRecord
		if err := json.Unmarshal(raw.Record, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal %s record: %w", raw.Collection, err)
		}
		rec.ID = raw.ID
		rec.Kind = kind
		event.Record = &rec
	} else if raw.Collection == collectionUsers {
		var p domain.RawProfile
		if err := json.Unmarshal(raw.Record, &p); err != nil {
			return nil, fmt.Errorf("unmarshal user record: %w", err)
		}
		p.ID = raw.ID
		event.Profile = &p
	}

	return event, nil
}
