// Package retention bounds the snapshot store while keeping a usable
// historical curve.
//
// A maintenance pass removes, in order: partial captures, duplicate content,
// snapshots that share a retention bucket with an earlier one, and (only when
// the store is still over its emergency ceiling) old data followed by
// systematic sampling. Planning is a pure function of the snapshot metadata
// and the clock; the Engine executes a plan through batched deletes so an
// interrupted pass leaves a valid store.
package retention

import (
	"errors"
	"time"
)

// Policy holds the retention thresholds.
type Policy struct {
	// Snapshots with fewer teams than this are partial captures.
	MinTeamCount int

	RecentWindow  time.Duration // keep everything younger than this
	HourlyWindow  time.Duration // current season: one per hour below this age
	SixHourWindow time.Duration // current season: one per 6h below this age
	DailyWindow   time.Duration // current season: one per day below this age, weekly after

	NormalThreshold     int
	AggressiveThreshold int

	EmergencyCeiling    int
	EmergencyTarget     int
	EmergencyCurrentAge time.Duration
	EmergencyPastAge    time.Duration
	EmergencyKeepRecent int

	DeleteBatchSize   int
	BackfillBatchSize int

	// Location defines hour/day/week bucket boundaries. Nil means UTC.
	Location *time.Location
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinTeamCount:        28,
		RecentWindow:        48 * time.Hour,
		HourlyWindow:        7 * 24 * time.Hour,
		SixHourWindow:       30 * 24 * time.Hour,
		DailyWindow:         240 * 24 * time.Hour,
		NormalThreshold:     2000,
		AggressiveThreshold: 3000,
		EmergencyCeiling:    5000,
		EmergencyTarget:     500,
		EmergencyCurrentAge: 90 * 24 * time.Hour,
		EmergencyPastAge:    180 * 24 * time.Hour,
		EmergencyKeepRecent: 100,
		DeleteBatchSize:     200,
		BackfillBatchSize:   100,
	}
}

// Validate checks that thresholds are coherent.
func (p Policy) Validate() error {
	if p.MinTeamCount < 0 {
		return errors.New("min team count cannot be negative")
	}
	if p.RecentWindow <= 0 || p.HourlyWindow <= 0 || p.SixHourWindow <= 0 || p.DailyWindow <= 0 {
		return errors.New("retention windows must be positive")
	}
	if !(p.RecentWindow <= p.HourlyWindow && p.HourlyWindow <= p.SixHourWindow && p.SixHourWindow <= p.DailyWindow) {
		return errors.New("retention windows must be non-decreasing")
	}
	if p.EmergencyTarget <= 0 || p.EmergencyCeiling < p.EmergencyTarget {
		return errors.New("emergency ceiling must be at least the emergency target")
	}
	if p.EmergencyKeepRecent < 0 || p.EmergencyKeepRecent >= p.EmergencyTarget {
		return errors.New("emergency keep-recent must be below the emergency target")
	}
	if p.NormalThreshold > p.AggressiveThreshold || p.AggressiveThreshold > p.EmergencyCeiling {
		return errors.New("urgency thresholds must be non-decreasing")
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Urgency grades how badly the store needs a maintenance pass.
type Urgency string

const (
	UrgencyNone       Urgency = "none"
	UrgencyNormal     Urgency = "normal"
	UrgencyAggressive Urgency = "aggressive"
	UrgencyEmergency  Urgency = "emergency"
)

// Assess grades a snapshot count against the policy thresholds.
func (p Policy) Assess(count int) Urgency {
	switch {
	case count >= p.EmergencyCeiling:
		return UrgencyEmergency
	case count >= p.AggressiveThreshold:
		return UrgencyAggressive
	case count >= p.NormalThreshold:
		return UrgencyNormal
	default:
		return UrgencyNone
	}
}
