package domain

import "time"

// Snapshot is an immutable view of the whole content pool. Every feed is
// computed from one snapshot; a refresh builds a new snapshot from scratch
// instead of patching the old one.
type Snapshot struct {
	Version      uint64
	BuiltAt      time.Time
	Items        []FeedItem
	Profiles     map[string]*UserProfile
	BlockedTerms []string
}

// Profile returns the viewer's profile, or nil when none is stored.
func (s *Snapshot) Profile(userID string) *UserProfile {
	if s == nil || userID == "" {
		return nil
	}
	return s.Profiles[userID]
}

// Input builds the pipeline input for a viewer against this snapshot.
func (s *Snapshot) Input(viewerID string, view View, now time.Time, window time.Duration) FeedInput {
	in := FeedInput{
		ViewerID:       viewerID,
		View:           view,
		Now:            now,
		TrendingWindow: window,
	}
	if s != nil {
		in.Pool = s.Items
		in.Profile = s.Profile(viewerID)
		in.BlockedTerms = s.BlockedTerms
	}
	return in
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Profiles: map[string]*UserProfile{}}
}
