package models

import (
	"errors"
	"slices"
	"time"
)

// SeasonFor returns the MLB season a capture instant belongs to. A season runs
// from April of year Y through March of year Y+1.
func SeasonFor(t time.Time) int {
	t = t.UTC()
	if t.Month() >= time.April {
		return t.Year()
	}
	return t.Year() - 1
}

// SnapshotMeta describes a stored snapshot without its team records.
type SnapshotMeta struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Season    int       `json:"season"`
	TeamCount int       `json:"team_count"`
	DataHash  string    `json:"data_hash"`
}

// Snapshot is an immutable capture of every team's metrics taken together.
type Snapshot struct {
	SnapshotMeta
	Teams []TeamRecord `json:"teams"`
}

// Validate checks that all snapshot fields are coherent
func (s *Snapshot) Validate() error {
	if s.ID <= 0 {
		return errors.New("snapshot ID must be positive")
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if s.Season <= 0 {
		return errors.New("season must be positive")
	}
	if s.TeamCount != len(s.Teams) {
		return errors.New("team count must equal the number of team records")
	}
	if len(s.DataHash) != 64 {
		return errors.New("data hash must be a 64 character hex digest")
	}
	return nil
}

// Team returns the record for teamID, if the snapshot contains one.
func (s *Snapshot) Team(teamID int) (TeamRecord, bool) {
	for _, t := range s.Teams {
		if t.ID == teamID {
			return t, true
		}
	}
	return TeamRecord{}, false
}

// Clone returns a deep copy so callers never share the store's records.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Teams = CloneRecords(s.Teams)
	return &out
}

// CloneRecords deep-copies a record slice, including the run pointers.
func CloneRecords(records []TeamRecord) []TeamRecord {
	out := slices.Clone(records)
	for i := range out {
		if p := out[i].RunsScored; p != nil {
			out[i].RunsScored = IntPtr(*p)
		}
		if p := out[i].RunsAllowed; p != nil {
			out[i].RunsAllowed = IntPtr(*p)
		}
		if p := out[i].RunDifferential; p != nil {
			out[i].RunDifferential = IntPtr(*p)
		}
	}
	return out
}

// StoreStats summarises the snapshot table for maintenance decisions.
type StoreStats struct {
	Total         int         `json:"total"`
	BySeason      map[int]int `json:"by_season"`
	Oldest        time.Time   `json:"oldest"`
	Newest        time.Time   `json:"newest"`
	DuplicateSets int         `json:"duplicate_sets"`
	Incomplete    int         `json:"incomplete"`
	MissingSeason int         `json:"missing_season"`
	MissingHash   int         `json:"missing_hash"`
}
