// Package models defines the core domain entities for the eraops service.
// These models represent MLB teams, their per-capture metrics, immutable
// point-in-time snapshots of those metrics, and the progress of an update pass.
//
// Terminology:
//   - Team: a franchise as listed by the upstream source (identity only).
//   - TeamRecord: one team's validated metrics at a point in time.
//   - Snapshot: every TeamRecord captured together by one complete pass.
package models

import "time"

// Team identifies an MLB franchise as returned by the upstream team listing.
type Team struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`      // Nickname, e.g. "Yankees"
	FullName     string `json:"full_name"` // e.g. "New York Yankees"
	Abbreviation string `json:"abbreviation"`
	Division     string `json:"division"` // Short form, e.g. "AL East"
	League       string `json:"league"`
}

// RawTeamRecord is a team record as it arrives from an upstream payload or a
// legacy snapshot row. Metric fields are loosely typed (JSON number, numeric
// string or nil) and must go through the validator before use.
type RawTeamRecord struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	FullName     string `json:"full_name,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
	Division     string `json:"division,omitempty"`
	League       string `json:"league,omitempty"`

	ERA         any `json:"era"`
	OPS         any `json:"ops"`
	Wins        any `json:"wins,omitempty"`
	Losses      any `json:"losses,omitempty"`
	RunsScored  any `json:"runs_scored,omitempty"`
	RunsAllowed any `json:"runs_allowed,omitempty"`
}

// TeamRecord is one team's validated metrics at a point in time.
//
// RunDifferential is always RunsScored - RunsAllowed. A nil run field means the
// value is unknown; RunsEstimated marks records whose runs were derived from
// ERA/OPS because the upstream omitted them.
type TeamRecord struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	FullName     string `json:"full_name,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
	Division     string `json:"division,omitempty"`
	League       string `json:"league,omitempty"`

	ERA    float64 `json:"era"`
	OPS    float64 `json:"ops"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`

	RunsScored      *int `json:"runs_scored"`
	RunsAllowed     *int `json:"runs_allowed"`
	RunDifferential *int `json:"run_differential"`
	RunsEstimated   bool `json:"runs_estimated,omitempty"`
}

// Raw converts a validated record back to the boundary form. Used when
// re-validating stored content, e.g. during metadata backfill.
func (r TeamRecord) Raw() RawTeamRecord {
	raw := RawTeamRecord{
		ID:           r.ID,
		Name:         r.Name,
		FullName:     r.FullName,
		Abbreviation: r.Abbreviation,
		Division:     r.Division,
		League:       r.League,
		ERA:          r.ERA,
		OPS:          r.OPS,
		Wins:         r.Wins,
		Losses:       r.Losses,
	}
	if r.RunsScored != nil && !r.RunsEstimated {
		raw.RunsScored = *r.RunsScored
	}
	if r.RunsAllowed != nil && !r.RunsEstimated {
		raw.RunsAllowed = *r.RunsAllowed
	}
	return raw
}

// HistoryPoint is one team's metrics as recorded by a single snapshot.
type HistoryPoint struct {
	SnapshotID      int64     `json:"snapshot_id"`
	Timestamp       time.Time `json:"timestamp"`
	ERA             float64   `json:"era"`
	OPS             float64   `json:"ops"`
	RunDifferential *int      `json:"run_differential,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
