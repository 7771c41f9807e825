package validate

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/rewired-gh/eraops/internal/models"
)

func raw(id int, era, ops any) models.RawTeamRecord {
	return models.RawTeamRecord{ID: id, Name: "Team", ERA: era, OPS: ops, Wins: 10, Losses: 5}
}

func TestCheckRejections(t *testing.T) {
	tests := []struct {
		name string
		in   models.RawTeamRecord
		want Reason
	}{
		{"zero id", raw(0, 3.5, 0.7), ReasonInvalidID},
		{"negative id", raw(-4, 3.5, 0.7), ReasonInvalidID},
		{"missing era", raw(1, nil, 0.7), ReasonMissingERA},
		{"blank era", raw(1, "  ", 0.7), ReasonMissingERA},
		{"missing ops", raw(1, 3.5, nil), ReasonMissingOPS},
		{"non-numeric era", raw(1, "-.--", 0.7), ReasonNonNumericERA},
		{"non-numeric ops", raw(1, 3.5, ".abc"), ReasonNonNumericOPS},
		{"nan era", raw(1, math.NaN(), 0.7), ReasonNonNumericERA},
		{"inf ops", raw(1, 3.5, math.Inf(1)), ReasonNonNumericOPS},
		{"bool era", raw(1, true, 0.7), ReasonNonNumericERA},
		{"era too low", raw(1, 0.99, 0.7), ReasonERAOutOfRange},
		{"era too high", raw(1, 7.01, 0.7), ReasonERAOutOfRange},
		{"ops too low", raw(1, 3.5, 0.499), ReasonOPSOutOfRange},
		{"ops too high", raw(1, 3.5, 1.2), ReasonOPSOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Check(tt.in, DefaultOptions())
			if out.Valid() {
				t.Fatalf("expected rejection, got record %+v", out.Record)
			}
			if out.Rejection.Reason != tt.want {
				t.Errorf("reason = %s, want %s", out.Rejection.Reason, tt.want)
			}
		})
	}
}

func TestCheckBoundariesInclusive(t *testing.T) {
	for _, tc := range []struct{ era, ops float64 }{
		{MinERA, MinOPS},
		{MaxERA, MaxOPS},
	} {
		out := Check(raw(1, tc.era, tc.ops), DefaultOptions())
		if !out.Valid() {
			t.Errorf("era=%v ops=%v rejected: %s", tc.era, tc.ops, out.Rejection)
		}
	}
}

func TestCheckCoercesNumericStrings(t *testing.T) {
	in := models.RawTeamRecord{
		ID: 147, Name: "Yankees",
		ERA: "3.45", OPS: json.Number(".745"),
		Wins: "90", Losses: 60.0,
		RunsScored: "800", RunsAllowed: 650,
	}
	out := Check(in, DefaultOptions())
	if !out.Valid() {
		t.Fatalf("rejected: %s", out.Rejection)
	}
	r := out.Record
	if r.ERA != 3.45 || r.OPS != 0.745 {
		t.Errorf("metrics = %v/%v", r.ERA, r.OPS)
	}
	if r.Wins != 90 || r.Losses != 60 {
		t.Errorf("record = %d-%d", r.Wins, r.Losses)
	}
	if r.RunsEstimated {
		t.Error("runs were supplied, should not be marked estimated")
	}
	if r.RunDifferential == nil || *r.RunDifferential != 150 {
		t.Errorf("run differential = %v, want 150", r.RunDifferential)
	}
}

func TestCheckCountsDefaultToZero(t *testing.T) {
	in := raw(1, 4.0, 0.7)
	in.Wins = nil
	in.Losses = -3
	out := Check(in, DefaultOptions())
	if !out.Valid() {
		t.Fatalf("rejected: %s", out.Rejection)
	}
	if out.Record.Wins != 0 || out.Record.Losses != 0 {
		t.Errorf("record = %d-%d, want 0-0", out.Record.Wins, out.Record.Losses)
	}
}

func TestCheckEstimatesMissingRuns(t *testing.T) {
	out := Check(raw(1, 4.12, 0.732), DefaultOptions())
	if !out.Valid() {
		t.Fatalf("rejected: %s", out.Rejection)
	}
	r := out.Record
	if !r.RunsEstimated {
		t.Error("expected RunsEstimated")
	}
	if *r.RunsScored != 366 || *r.RunsAllowed != 412 {
		t.Errorf("runs = %d/%d, want 366/412", *r.RunsScored, *r.RunsAllowed)
	}
	if *r.RunDifferential != -46 {
		t.Errorf("run differential = %d, want -46", *r.RunDifferential)
	}
}

func TestCheckWithoutEstimation(t *testing.T) {
	in := raw(1, 4.12, 0.731)
	in.RunsScored = 700
	out := Check(in, Options{EstimateMissingRuns: false})
	if !out.Valid() {
		t.Fatalf("rejected: %s", out.Rejection)
	}
	r := out.Record
	if r.RunsEstimated {
		t.Error("estimation disabled but record marked estimated")
	}
	if r.RunsScored == nil || *r.RunsScored != 700 {
		t.Errorf("runs scored = %v, want 700", r.RunsScored)
	}
	if r.RunsAllowed != nil || r.RunDifferential != nil {
		t.Errorf("unknown runs should stay nil, got allowed=%v rd=%v", r.RunsAllowed, r.RunDifferential)
	}
}

func TestValidateDropsAndDeduplicates(t *testing.T) {
	in := []models.RawTeamRecord{
		{ID: 147, Name: "Yankees", ERA: 3.2, OPS: 0.78},
		{ID: 111, Name: "Red Sox", ERA: 9.5, OPS: 0.70},
		{ID: 147, Name: "Yankees (dup)", ERA: 4.0, OPS: 0.70},
		{ID: 121, Name: "Mets", ERA: 3.9, OPS: 0.72},
	}

	valid, rejected := Validate(in, DefaultOptions())
	if len(valid) != 2 {
		t.Fatalf("valid = %d, want 2", len(valid))
	}
	if valid[0].ID != 147 || valid[0].Name != "Yankees" || valid[1].ID != 121 {
		t.Errorf("unexpected survivors: %+v", valid)
	}
	if len(rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(rejected))
	}
	if rejected[0].Reason != ReasonERAOutOfRange || rejected[0].TeamID != 111 {
		t.Errorf("rejected[0] = %+v", rejected[0])
	}
	if rejected[1].Reason != ReasonDuplicateID || rejected[1].TeamID != 147 {
		t.Errorf("rejected[1] = %+v", rejected[1])
	}
}

func TestValidateEmpty(t *testing.T) {
	valid, rejected := Validate(nil, DefaultOptions())
	if valid == nil || len(valid) != 0 {
		t.Errorf("valid = %v, want empty non-nil", valid)
	}
	if len(rejected) != 0 {
		t.Errorf("rejected = %v", rejected)
	}
}

func TestValidatedRecordsRespectRanges(t *testing.T) {
	var in []models.RawTeamRecord
	for i := 1; i <= 100; i++ {
		era := float64(i) * 0.08 // 0.08 .. 8.0
		ops := float64(i) * 0.012
		in = append(in, raw(i, era, ops))
	}
	for _, r := range Records(in, DefaultOptions()) {
		if r.ERA < MinERA || r.ERA > MaxERA || r.OPS < MinOPS || r.OPS > MaxOPS {
			t.Errorf("record %d escaped range check: era=%v ops=%v", r.ID, r.ERA, r.OPS)
		}
	}
}

func TestRejectionString(t *testing.T) {
	r := Rejection{TeamID: 5, Name: "X", Reason: ReasonMissingOPS}
	if got := r.String(); got != "team 5 (X): missing_ops" {
		t.Errorf("String() = %q", got)
	}
	r.Detail = "n/a"
	if got := r.String(); got != "team 5 (X): missing_ops: n/a" {
		t.Errorf("String() = %q", got)
	}
}
