// Package freshness decides whether a stored snapshot is recent enough to
// serve without refetching, based on whether MLB games are likely being
// played at the moment of the check.
package freshness

import (
	"fmt"
	"time"
	_ "time/tzdata" // America/New_York must resolve on hosts without zoneinfo
)

// DefaultLocation is the clock game schedules are judged against.
const DefaultLocation = "America/New_York"

const (
	DefaultRegular  = time.Hour
	DefaultExtended = 24 * time.Hour
)

// Regular-season calendar window, inclusive, in the oracle's location.
const (
	seasonStartMonth = time.April
	seasonStartDay   = 1
	seasonEndMonth   = time.October
	seasonEndDay     = 15
)

// Oracle applies the short window while games are likely in progress and the
// long window otherwise.
type Oracle struct {
	Regular  time.Duration
	Extended time.Duration
	Location *time.Location
}

// New builds an Oracle. Zero windows fall back to the defaults and an empty
// tzName to DefaultLocation.
func New(regular, extended time.Duration, tzName string) (*Oracle, error) {
	if regular <= 0 {
		regular = DefaultRegular
	}
	if extended <= 0 {
		extended = DefaultExtended
	}
	if tzName == "" {
		tzName = DefaultLocation
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", tzName, err)
	}
	return &Oracle{Regular: regular, Extended: extended, Location: loc}, nil
}

func (o *Oracle) local(t time.Time) time.Time {
	if o.Location == nil {
		return t.UTC()
	}
	return t.In(o.Location)
}

// SeasonActive reports whether now falls between April 1 and October 15
// (inclusive) by local calendar date.
func (o *Oracle) SeasonActive(now time.Time) bool {
	l := o.local(now)
	md := int(l.Month())*100 + l.Day()
	return md >= int(seasonStartMonth)*100+seasonStartDay && md <= int(seasonEndMonth)*100+seasonEndDay
}

// GamesLikely reports whether games are probably being played: in season,
// from 13:00 through 23:59 local time, or from 18:00 on Mondays.
func (o *Oracle) GamesLikely(now time.Time) bool {
	if !o.SeasonActive(now) {
		return false
	}
	l := o.local(now)
	first := 13
	if l.Weekday() == time.Monday {
		first = 18
	}
	return l.Hour() >= first && l.Hour() <= 23
}

// Window returns the freshness window that applies at now.
func (o *Oracle) Window(now time.Time) time.Duration {
	if o.GamesLikely(now) {
		return o.Regular
	}
	return o.Extended
}

// IsFresh reports whether a snapshot captured at ts is still current at now.
// Timestamps in the future are fresh.
func (o *Oracle) IsFresh(ts, now time.Time) bool {
	return now.Sub(ts) < o.Window(now)
}
