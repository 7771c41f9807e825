// Package fingerprint computes a stable content hash over a set of team
// records. Two record sets with the same fingerprint are treated as the same
// capture regardless of when they were taken.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/rewired-gh/eraops/internal/models"
)

// Decimals is the precision ERA and OPS are rounded to before hashing.
const Decimals = 3

// Tuple is the normalized form of one record that goes into the hash.
type Tuple struct {
	ID              int
	ERA             float64
	OPS             float64
	RunDifferential *int
	Wins            int
	Losses          int
}

// MarshalJSON renders the tuple as [id, era, ops, rd, wins, losses] with
// ERA and OPS written with exactly three decimals.
func (t Tuple) MarshalJSON() ([]byte, error) {
	var rd any
	if t.RunDifferential != nil {
		rd = *t.RunDifferential
	}
	return json.Marshal([]any{
		t.ID,
		json.Number(strconv.FormatFloat(t.ERA, 'f', Decimals, 64)),
		json.Number(strconv.FormatFloat(t.OPS, 'f', Decimals, 64)),
		rd,
		t.Wins,
		t.Losses,
	})
}

// Round rounds v half away from zero to the hashing precision.
func Round(v float64) float64 {
	p := math.Pow10(Decimals)
	return math.Round(v*p) / p
}

// Normalize returns the hash tuples sorted by team ID. Only the first record
// for an ID is kept.
func Normalize(records []models.TeamRecord) []Tuple {
	seen := make(map[int]struct{}, len(records))
	out := make([]Tuple, 0, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		t := Tuple{
			ID:     r.ID,
			ERA:    Round(r.ERA),
			OPS:    Round(r.OPS),
			Wins:   r.Wins,
			Losses: r.Losses,
		}
		if r.RunDifferential != nil {
			t.RunDifferential = models.IntPtr(*r.RunDifferential)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Canonical returns the deterministic serialization that is hashed.
func Canonical(records []models.TeamRecord) []byte {
	b, err := json.Marshal(Normalize(records))
	if err != nil {
		// Only ints, nil and validated decimal strings are marshaled.
		panic("fingerprint: " + err.Error())
	}
	return b
}

// Fingerprint returns the lowercase hex SHA-256 digest of the canonical form.
func Fingerprint(records []models.TeamRecord) string {
	sum := sha256.Sum256(Canonical(records))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two record sets are logically identical.
func Equal(a, b []models.TeamRecord) bool {
	return Fingerprint(a) == Fingerprint(b)
}
