package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/eraops/internal/models"
)

// Step names a retention rule.
type Step string

const (
	StepPartial    Step = "partial"
	StepDuplicates Step = "duplicates"
	StepThinned    Step = "thinned"
	StepEmergency  Step = "emergency"
	StepSampled    Step = "sampled"
)

// Steps lists the rules in the order they are applied.
var Steps = []Step{StepPartial, StepDuplicates, StepThinned, StepEmergency, StepSampled}

// Plan lists the snapshot ids each rule removes.
type Plan struct {
	Partial    []int64
	Duplicates []int64
	Thinned    []int64
	Emergency  []int64
	Sampled    []int64

	Before int
	Kept   int
}

// IDs returns the ids removed by one step.
func (p *Plan) IDs(step Step) []int64 {
	switch step {
	case StepPartial:
		return p.Partial
	case StepDuplicates:
		return p.Duplicates
	case StepThinned:
		return p.Thinned
	case StepEmergency:
		return p.Emergency
	case StepSampled:
		return p.Sampled
	}
	return nil
}

// Removed returns every id the plan deletes, in step order.
func (p *Plan) Removed() []int64 {
	out := make([]int64, 0, p.Before-p.Kept)
	for _, step := range Steps {
		out = append(out, p.IDs(step)...)
	}
	return out
}

// Empty reports whether the plan deletes nothing.
func (p *Plan) Empty() bool {
	return p.Before == p.Kept
}

// Compute decides which snapshots to delete. metas may be in any order; the
// result only depends on their content, now and the policy.
func Compute(metas []models.SnapshotMeta, now time.Time, policy Policy) Plan {
	sorted := make([]models.SnapshotMeta, len(metas))
	copy(sorted, metas)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	plan := Plan{Before: len(sorted)}
	survivors := sorted[:0:0]

	for _, m := range sorted {
		if m.TeamCount < policy.MinTeamCount {
			plan.Partial = append(plan.Partial, m.ID)
			continue
		}
		survivors = append(survivors, m)
	}

	survivors = removeDuplicates(survivors, &plan)
	survivors = thin(survivors, now, policy, &plan)

	if len(survivors) > policy.EmergencyCeiling {
		survivors = emergency(survivors, now, policy, &plan)
		survivors = sample(survivors, policy, &plan)
	}

	plan.Kept = len(survivors)
	return plan
}

// removeDuplicates keeps the earliest snapshot for each content hash. Rows
// without a hash are never treated as duplicates.
func removeDuplicates(in []models.SnapshotMeta, plan *Plan) []models.SnapshotMeta {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, m := range in {
		if m.DataHash != "" {
			if _, dup := seen[m.DataHash]; dup {
				plan.Duplicates = append(plan.Duplicates, m.ID)
				continue
			}
			seen[m.DataHash] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

// bucketKey returns the retention bucket a snapshot falls in, or "" when it
// is young enough to always be kept. Keys are absolute so a later pass over
// the survivors sees one snapshot per bucket.
func bucketKey(m models.SnapshotMeta, now time.Time, currentSeason int, policy Policy) string {
	age := now.Sub(m.Timestamp)
	if age < policy.RecentWindow {
		return ""
	}

	t := m.Timestamp.In(policy.location())
	if m.Season == currentSeason {
		switch {
		case age < policy.HourlyWindow:
			return fmt.Sprintf("h:%04d-%02d-%02dT%02d", t.Year(), t.Month(), t.Day(), t.Hour())
		case age < policy.SixHourWindow:
			return fmt.Sprintf("6h:%04d-%02d-%02dT%02d", t.Year(), t.Month(), t.Day(), t.Hour()-t.Hour()%6)
		case age < policy.DailyWindow:
			return fmt.Sprintf("d:%04d-%02d-%02d", t.Year(), t.Month(), t.Day())
		}
	}
	year, week := t.ISOWeek()
	return fmt.Sprintf("w:%04d-W%02d", year, week)
}

// thin keeps the earliest snapshot in each retention bucket.
func thin(in []models.SnapshotMeta, now time.Time, policy Policy, plan *Plan) []models.SnapshotMeta {
	currentSeason := models.SeasonFor(now)
	taken := make(map[string]struct{})
	out := in[:0:0]
	for _, m := range in {
		key := bucketKey(m, now, currentSeason, policy)
		if key != "" {
			if _, ok := taken[key]; ok {
				plan.Thinned = append(plan.Thinned, m.ID)
				continue
			}
			taken[key] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

// emergency drops old snapshots, oldest first, until the target is reached.
func emergency(in []models.SnapshotMeta, now time.Time, policy Policy, plan *Plan) []models.SnapshotMeta {
	currentSeason := models.SeasonFor(now)
	remaining := len(in)
	out := in[:0:0]
	for _, m := range in {
		if remaining > policy.EmergencyTarget {
			age := now.Sub(m.Timestamp)
			old := (m.Season == currentSeason && age > policy.EmergencyCurrentAge) ||
				(m.Season != currentSeason && age > policy.EmergencyPastAge)
			if old {
				plan.Emergency = append(plan.Emergency, m.ID)
				remaining--
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// sample keeps the most recent EmergencyKeepRecent snapshots and every Nth
// of the rest, with N chosen so the total lands at or below the target.
func sample(in []models.SnapshotMeta, policy Policy, plan *Plan) []models.SnapshotMeta {
	if len(in) <= policy.EmergencyTarget {
		return in
	}

	keepRecent := min(policy.EmergencyKeepRecent, len(in))
	split := len(in) - keepRecent
	older, recent := in[:split], in[split:]

	slots := policy.EmergencyTarget - keepRecent
	keep := make(map[int64]struct{}, policy.EmergencyTarget)
	if slots > 0 {
		// Newest first so the most recent older snapshot survives.
		n := (len(older) + slots - 1) / slots
		for i := 0; i < len(older); i++ {
			if i%n == 0 {
				keep[older[len(older)-1-i].ID] = struct{}{}
			}
		}
	}

	out := make([]models.SnapshotMeta, 0, policy.EmergencyTarget)
	for _, m := range older {
		if _, ok := keep[m.ID]; ok {
			out = append(out, m)
			continue
		}
		plan.Sampled = append(plan.Sampled, m.ID)
	}
	return append(out, recent...)
}
