// Package validate normalizes upstream team records and rejects malformed ones
// before they can enter a snapshot.
//
// Rejections are returned as data: every input produces an Outcome that is
// either a valid TeamRecord or a Rejection carrying the reason.
package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
)

// Accepted metric ranges. Records outside them are dropped, never clamped.
const (
	MinERA = 1.0
	MaxERA = 7.0
	MinOPS = 0.5
	MaxOPS = 1.0
)

// Run estimates used when the upstream omits runs scored or allowed.
const (
	runsScoredPerOPS  = 500
	runsAllowedPerERA = 100
)

// Reason identifies why a record was rejected.
type Reason string

const (
	ReasonInvalidID     Reason = "invalid_id"
	ReasonMissingERA    Reason = "missing_era"
	ReasonMissingOPS    Reason = "missing_ops"
	ReasonNonNumericERA Reason = "non_numeric_era"
	ReasonNonNumericOPS Reason = "non_numeric_ops"
	ReasonERAOutOfRange Reason = "era_out_of_range"
	ReasonOPSOutOfRange Reason = "ops_out_of_range"
	ReasonDuplicateID   Reason = "duplicate_id"
)

// Rejection describes a dropped record.
type Rejection struct {
	TeamID int
	Name   string
	Reason Reason
	Detail string
}

func (r Rejection) String() string {
	if r.Detail == "" {
		return fmt.Sprintf("team %d (%s): %s", r.TeamID, r.Name, r.Reason)
	}
	return fmt.Sprintf("team %d (%s): %s: %s", r.TeamID, r.Name, r.Reason, r.Detail)
}

// Outcome is the result of checking a single record.
type Outcome struct {
	Record    models.TeamRecord
	Rejection *Rejection
}

// Valid reports whether the record was accepted.
func (o Outcome) Valid() bool {
	return o.Rejection == nil
}

// Options tunes validator behavior.
type Options struct {
	// EstimateMissingRuns derives runs scored/allowed from OPS/ERA when the
	// upstream omits them. When false the run fields are left unknown.
	EstimateMissingRuns bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{EstimateMissingRuns: true}
}

// Check validates one raw record.
func Check(raw models.RawTeamRecord, opts Options) Outcome {
	reject := func(reason Reason, detail string) Outcome {
		return Outcome{Rejection: &Rejection{TeamID: raw.ID, Name: raw.Name, Reason: reason, Detail: detail}}
	}

	if raw.ID <= 0 {
		return reject(ReasonInvalidID, fmt.Sprintf("id %d", raw.ID))
	}

	era, present, ok := toFloat(raw.ERA)
	if !present {
		return reject(ReasonMissingERA, "")
	}
	if !ok {
		return reject(ReasonNonNumericERA, fmt.Sprintf("%v", raw.ERA))
	}
	ops, present, ok := toFloat(raw.OPS)
	if !present {
		return reject(ReasonMissingOPS, "")
	}
	if !ok {
		return reject(ReasonNonNumericOPS, fmt.Sprintf("%v", raw.OPS))
	}
	if era < MinERA || era > MaxERA {
		return reject(ReasonERAOutOfRange, strconv.FormatFloat(era, 'f', -1, 64))
	}
	if ops < MinOPS || ops > MaxOPS {
		return reject(ReasonOPSOutOfRange, strconv.FormatFloat(ops, 'f', -1, 64))
	}

	rec := models.TeamRecord{
		ID:           raw.ID,
		Name:         raw.Name,
		FullName:     raw.FullName,
		Abbreviation: raw.Abbreviation,
		Division:     raw.Division,
		League:       raw.League,
		ERA:          era,
		OPS:          ops,
		Wins:         toCount(raw.Wins),
		Losses:       toCount(raw.Losses),
	}

	scored, scoredOK := toInt(raw.RunsScored)
	allowed, allowedOK := toInt(raw.RunsAllowed)
	if !scoredOK || !allowedOK {
		if opts.EstimateMissingRuns {
			if !scoredOK {
				scored = int(math.Round(ops * runsScoredPerOPS))
			}
			if !allowedOK {
				allowed = int(math.Round(era * runsAllowedPerERA))
			}
			rec.RunsEstimated = true
		} else {
			if scoredOK {
				rec.RunsScored = models.IntPtr(scored)
			}
			if allowedOK {
				rec.RunsAllowed = models.IntPtr(allowed)
			}
			return Outcome{Record: rec}
		}
	}
	rec.RunsScored = models.IntPtr(scored)
	rec.RunsAllowed = models.IntPtr(allowed)
	rec.RunDifferential = models.IntPtr(scored - allowed)

	return Outcome{Record: rec}
}

// Validate checks every record, drops rejected ones and de-duplicates by team
// ID keeping the first occurrence. The returned slice is never nil.
func Validate(raws []models.RawTeamRecord, opts Options) ([]models.TeamRecord, []Rejection) {
	valid := make([]models.TeamRecord, 0, len(raws))
	var rejected []Rejection
	seen := make(map[int]struct{}, len(raws))

	for _, raw := range raws {
		outcome := Check(raw, opts)
		if !outcome.Valid() {
			rejected = append(rejected, *outcome.Rejection)
			logger.Debug("Rejected team record: %s", outcome.Rejection)
			continue
		}
		if _, dup := seen[outcome.Record.ID]; dup {
			r := Rejection{TeamID: raw.ID, Name: raw.Name, Reason: ReasonDuplicateID}
			rejected = append(rejected, r)
			logger.Debug("Rejected team record: %s", r)
			continue
		}
		seen[outcome.Record.ID] = struct{}{}
		valid = append(valid, outcome.Record)
	}

	return valid, rejected
}

// Records is Validate without the rejection report.
func Records(raws []models.RawTeamRecord, opts Options) []models.TeamRecord {
	valid, _ := Validate(raws, opts)
	return valid
}

// toFloat converts a loosely typed metric. present is false for nil or blank
// values; ok is false when the value is present but not a finite number.
func toFloat(v any) (f float64, present, ok bool) {
	switch n := v.(type) {
	case nil:
		return 0, false, false
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, true, false
		}
		f = parsed
	case interface{ Float64() (float64, error) }: // json.Number
		parsed, err := n.Float64()
		if err != nil {
			return 0, true, false
		}
		f = parsed
	default:
		return 0, true, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, false
	}
	return f, true, true
}

func toInt(v any) (int, bool) {
	f, present, ok := toFloat(v)
	if !present || !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// toCount coerces wins/losses; anything missing, malformed or negative is 0.
func toCount(v any) int {
	n, ok := toInt(v)
	if !ok || n < 0 {
		return 0
	}
	return n
}
