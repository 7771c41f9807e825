// Package standings maps MLB teams to their divisions and ranks the teams of
// a snapshot within each division.
package standings

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/eraops/internal/models"
)

const (
	AmericanLeague = "American League"
	NationalLeague = "National League"
)

// Division is a team's division and league.
type Division struct {
	Name   string `json:"division"`
	League string `json:"league"`
}

// Order is the display order of the six divisions.
var Order = []string{
	"AL East", "AL Central", "AL West",
	"NL East", "NL Central", "NL West",
}

var divisionByTeam = map[int]Division{
	// AL East
	110: {"AL East", AmericanLeague}, // Orioles
	111: {"AL East", AmericanLeague}, // Red Sox
	147: {"AL East", AmericanLeague}, // Yankees
	139: {"AL East", AmericanLeague}, // Rays
	141: {"AL East", AmericanLeague}, // Blue Jays

	// AL Central
	145: {"AL Central", AmericanLeague}, // White Sox
	114: {"AL Central", AmericanLeague}, // Guardians
	116: {"AL Central", AmericanLeague}, // Tigers
	118: {"AL Central", AmericanLeague}, // Royals
	142: {"AL Central", AmericanLeague}, // Twins

	// AL West
	108: {"AL West", AmericanLeague}, // Angels
	117: {"AL West", AmericanLeague}, // Astros
	133: {"AL West", AmericanLeague}, // Athletics
	136: {"AL West", AmericanLeague}, // Mariners
	140: {"AL West", AmericanLeague}, // Rangers

	// NL East
	144: {"NL East", NationalLeague}, // Braves
	146: {"NL East", NationalLeague}, // Marlins
	121: {"NL East", NationalLeague}, // Mets
	143: {"NL East", NationalLeague}, // Phillies
	120: {"NL East", NationalLeague}, // Nationals

	// NL Central
	112: {"NL Central", NationalLeague}, // Cubs
	113: {"NL Central", NationalLeague}, // Reds
	158: {"NL Central", NationalLeague}, // Brewers
	134: {"NL Central", NationalLeague}, // Pirates
	138: {"NL Central", NationalLeague}, // Cardinals

	// NL West
	109: {"NL West", NationalLeague}, // Diamondbacks
	115: {"NL West", NationalLeague}, // Rockies
	119: {"NL West", NationalLeague}, // Dodgers
	135: {"NL West", NationalLeague}, // Padres
	137: {"NL West", NationalLeague}, // Giants
}

// Lookup returns the static division of a team id.
func Lookup(teamID int) (Division, bool) {
	d, ok := divisionByTeam[teamID]
	return d, ok
}

// ShortName turns an upstream division name such as "American League East"
// into "AL East". Names already in short form are returned unchanged.
func ShortName(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, AmericanLeague+" "):
		return "AL " + strings.TrimPrefix(name, AmericanLeague+" ")
	case strings.HasPrefix(name, NationalLeague+" "):
		return "NL " + strings.TrimPrefix(name, NationalLeague+" ")
	}
	return name
}

// LeagueOf returns the league a short division name belongs to, or "".
func LeagueOf(division string) string {
	switch {
	case strings.HasPrefix(division, "AL "):
		return AmericanLeague
	case strings.HasPrefix(division, "NL "):
		return NationalLeague
	}
	return ""
}

// EnsureDivisionInfo returns a copy of records with missing division or
// league filled in from the static map.
func EnsureDivisionInfo(records []models.TeamRecord) []models.TeamRecord {
	out := models.CloneRecords(records)
	for i := range out {
		r := &out[i]
		if r.Division != "" && r.League != "" {
			continue
		}
		d, ok := divisionByTeam[r.ID]
		if !ok {
			if r.League == "" {
				r.League = LeagueOf(r.Division)
			}
			continue
		}
		if r.Division == "" {
			r.Division = d.Name
		}
		if r.League == "" {
			r.League = d.League
		}
	}
	return out
}

// Standing is one team's place in its division.
type Standing struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	FullName     string  `json:"full_name"`
	Abbreviation string  `json:"abbreviation"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Pct          float64 `json:"pct"`
	GamesBehind  float64 `json:"games_behind"`
	Leader       bool    `json:"leader"`
}

// GB formats games behind the way standings tables print it.
func (s Standing) GB() string {
	if s.Leader {
		return "-"
	}
	if s.GamesBehind == math.Trunc(s.GamesBehind) {
		return fmt.Sprintf("%d", int(s.GamesBehind))
	}
	return fmt.Sprintf("%.1f", s.GamesBehind)
}

// DivisionStandings lists a division's teams, leader first.
type DivisionStandings struct {
	Division string     `json:"division"`
	League   string     `json:"league"`
	Teams    []Standing `json:"teams"`
}

// Calculate ranks records within their divisions by wins (descending) then
// losses (ascending). Records without a known division are left out.
// Divisions come back in Order, followed by any others alphabetically.
func Calculate(records []models.TeamRecord) []DivisionStandings {
	grouped := make(map[string][]Standing)
	league := make(map[string]string)
	for _, r := range EnsureDivisionInfo(records) {
		if r.Division == "" {
			continue
		}
		fullName := r.FullName
		if fullName == "" {
			fullName = r.Name
		}
		grouped[r.Division] = append(grouped[r.Division], Standing{
			ID:           r.ID,
			Name:         r.Name,
			FullName:     fullName,
			Abbreviation: r.Abbreviation,
			Wins:         r.Wins,
			Losses:       r.Losses,
			Pct:          winPct(r.Wins, r.Losses),
		})
		if league[r.Division] == "" {
			league[r.Division] = r.League
		}
	}

	names := make([]string, 0, len(grouped))
	seen := make(map[string]bool, len(Order))
	for _, name := range Order {
		seen[name] = true
		if _, ok := grouped[name]; ok {
			names = append(names, name)
		}
	}
	var extra []string
	for name := range grouped {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	out := make([]DivisionStandings, 0, len(names))
	for _, name := range names {
		teams := grouped[name]
		sort.SliceStable(teams, func(i, j int) bool {
			if teams[i].Wins != teams[j].Wins {
				return teams[i].Wins > teams[j].Wins
			}
			return teams[i].Losses < teams[j].Losses
		})
		leader := teams[0]
		for i := range teams {
			if i == 0 {
				teams[i].Leader = true
				continue
			}
			teams[i].GamesBehind = float64((leader.Wins-teams[i].Wins)+(teams[i].Losses-leader.Losses)) / 2
		}
		out = append(out, DivisionStandings{Division: name, League: league[name], Teams: teams})
	}
	return out
}

func winPct(wins, losses int) float64 {
	total := wins + losses
	if total <= 0 {
		return 0
	}
	return math.Round(float64(wins)/float64(total)*1000) / 1000
}
