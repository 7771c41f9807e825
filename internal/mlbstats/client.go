// Package mlbstats is a client for the public MLB Stats API. It lists the
// active major league teams and fetches each team's season pitching and
// hitting totals.
package mlbstats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/standings"
)

const (
	DefaultBaseURL = "https://statsapi.mlb.com"
	majorLeagueID  = 1
	maxBodyBytes   = 4 << 20
)

// Client provides access to the MLB Stats API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport, e.g. with a mock in tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// WithRetries sets how many times a request is attempted and the base delay
// between attempts. The delay grows linearly with the attempt number.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxRetries = attempts
		}
		c.retryDelay = delay
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a new MLB Stats API client.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
		retryDelay: time.Second,
		userAgent:  "eraops/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiTeam struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	TeamName     string `json:"teamName"`
	Abbreviation string `json:"abbreviation"`
	Active       *bool  `json:"active"`
	Sport        struct {
		ID int `json:"id"`
	} `json:"sport"`
	League struct {
		Name string `json:"name"`
	} `json:"league"`
	Division struct {
		Name string `json:"name"`
	} `json:"division"`
}

type statsResponse struct {
	Stats []struct {
		Splits []struct {
			Stat map[string]any `json:"stat"`
		} `json:"splits"`
	} `json:"stats"`
}

// ListTeams returns the active major league teams.
func (c *Client) ListTeams(ctx context.Context) ([]models.Team, error) {
	url := fmt.Sprintf("%s/api/v1/teams?sportId=%d&activeStatus=Y", c.baseURL, majorLeagueID)

	var response struct {
		Teams []apiTeam `json:"teams"`
	}
	if err := c.getJSON(ctx, url, &response); err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}

	teams := make([]models.Team, 0, len(response.Teams))
	for _, at := range response.Teams {
		if at.Sport.ID != 0 && at.Sport.ID != majorLeagueID {
			continue
		}
		if at.Active != nil && !*at.Active {
			continue
		}
		teams = append(teams, toTeam(at))
	}
	return teams, nil
}

func toTeam(at apiTeam) models.Team {
	name := strings.TrimSpace(at.TeamName)
	if name == "" {
		if fields := strings.Fields(at.Name); len(fields) > 0 {
			name = fields[len(fields)-1]
		}
	}
	team := models.Team{
		ID:           at.ID,
		Name:         name,
		FullName:     at.Name,
		Abbreviation: at.Abbreviation,
		Division:     standings.ShortName(at.Division.Name),
		League:       at.League.Name,
	}
	if d, ok := standings.Lookup(at.ID); ok {
		if team.Division == "" {
			team.Division = d.Name
		}
		if team.League == "" {
			team.League = d.League
		}
	}
	return team
}

// FetchTeamStats returns the team's season totals. Metric values are passed
// through as the API reports them; the validator decides whether they are
// usable.
func (c *Client) FetchTeamStats(ctx context.Context, team models.Team, season int) (models.RawTeamRecord, error) {
	raw := models.RawTeamRecord{
		ID:           team.ID,
		Name:         team.Name,
		FullName:     team.FullName,
		Abbreviation: team.Abbreviation,
		Division:     team.Division,
		League:       team.League,
	}

	pitching, err := c.seasonStat(ctx, team.ID, "pitching", season)
	if err != nil {
		return raw, fmt.Errorf("failed to fetch pitching stats for team %d: %w", team.ID, err)
	}
	hitting, err := c.seasonStat(ctx, team.ID, "hitting", season)
	if err != nil {
		return raw, fmt.Errorf("failed to fetch hitting stats for team %d: %w", team.ID, err)
	}

	raw.ERA = pitching["era"]
	raw.Wins = pitching["wins"]
	raw.Losses = pitching["losses"]
	raw.RunsAllowed = pitching["runs"]
	raw.OPS = hitting["ops"]
	raw.RunsScored = hitting["runs"]
	return raw, nil
}

// seasonStat returns the first split of a stats group, or nil when the API
// has no split for the season yet.
func (c *Client) seasonStat(ctx context.Context, teamID int, group string, season int) (map[string]any, error) {
	url := fmt.Sprintf("%s/api/v1/teams/%d/stats?stats=season&group=%s&season=%d", c.baseURL, teamID, group, season)

	var response statsResponse
	if err := c.getJSON(ctx, url, &response); err != nil {
		return nil, err
	}
	for _, s := range response.Stats {
		for _, split := range s.Splits {
			if split.Stat != nil {
				return split.Stat, nil
			}
		}
	}
	logger.Debug("mlbstats: no %s split for team %d season %d", group, teamID, season)
	return nil, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.doRequest(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			if err := wait(ctx, time.Duration(i)*c.retryDelay); err != nil {
				return nil, lastErr
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = classifyError(err, 0)
			logger.Debug("mlbstats: GET %s failed (%s): %v", url, ErrorKind(lastErr), err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
			resp.Body.Close()
			lastErr = classifyError(nil, resp.StatusCode)
			logger.Debug("mlbstats: GET %s returned %d", url, resp.StatusCode)
			if !retryable(lastErr) {
				return nil, lastErr
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
