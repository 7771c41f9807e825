package models

import "time"

// Phase is the lifecycle state of an update pass.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// UpdateStatus reports the progress of the current (or last) update pass.
// It is a value copy; the accumulated records stay inside the coordinator.
type UpdateStatus struct {
	Phase          Phase     `json:"phase"`
	RunID          string    `json:"run_id,omitempty"`
	Season         int       `json:"season,omitempty"`
	TeamsProcessed int       `json:"teams_processed"`
	TeamsTotal     int       `json:"teams_total"`
	Accumulated    int       `json:"accumulated"`
	SkippedTeams   []int     `json:"skipped_teams,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	SoftError      string    `json:"soft_error,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastUpdated    time.Time `json:"last_updated,omitempty"`
	LastSnapshotID int64     `json:"last_snapshot_id,omitempty"`
}

// InProgress reports whether a pass is currently running.
func (s UpdateStatus) InProgress() bool {
	return s.Phase == PhaseInProgress
}
