// Package coordinator drives incremental update passes against an external
// team-stats source.
//
// A pass lists every team, then fetches them a batch at a time across
// repeated Step calls. Results are validated and buffered in memory; a
// snapshot is committed exactly once, when the last batch finishes and the
// buffer is complete enough. The coordinator never schedules itself: callers
// decide when the next step runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/validate"
)

// Source is the external metrics provider.
type Source interface {
	ListTeams(ctx context.Context) ([]models.Team, error)
	FetchTeamStats(ctx context.Context, team models.Team, season int) (models.RawTeamRecord, error)
}

// SnapshotWriter persists a completed pass.
type SnapshotWriter interface {
	CreateSnapshot(ctx context.Context, records []models.TeamRecord, season int) (*models.Snapshot, error)
}

// Recorder receives pass measurements.
type Recorder interface {
	SourceFetch(outcome string, d time.Duration)
	SourceRetry()
	RecordRejected(reason string)
	TeamSkipped()
	SnapshotCommitted(teams int)
	PassFailed(kind string)
}

// Coordinator owns the state of the current update pass. All methods are safe
// for concurrent use; Start, Step and Reset are serialized while Status never
// waits on an in-flight step.
type Coordinator struct {
	src     Source
	writer  SnapshotWriter
	cfg     Config
	limiter *rate.Limiter
	metrics Recorder
	now     func() time.Time

	onCommit  func(*models.Snapshot)
	onFailure func(models.UpdateStatus)

	runMu  sync.Mutex // serializes passes
	teams  []models.Team
	buffer map[int]models.TeamRecord

	mu     sync.RWMutex // guards status
	status models.UpdateStatus
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOnCommit registers a callback run after each committed snapshot.
func WithOnCommit(fn func(*models.Snapshot)) Option {
	return func(c *Coordinator) { c.onCommit = fn }
}

// WithOnFailure registers a callback run when a pass enters the failed phase.
func WithOnFailure(fn func(models.UpdateStatus)) Option {
	return func(c *Coordinator) { c.onFailure = fn }
}

// WithMetrics reports pass measurements to r.
func WithMetrics(r Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

// WithClock overrides the clock used for timestamps and season derivation.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates an idle Coordinator.
func New(src Source, writer SnapshotWriter, cfg Config, opts ...Option) (*Coordinator, error) {
	if src == nil || writer == nil {
		return nil, errors.New("coordinator needs a source and a snapshot writer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	c := &Coordinator{
		src:     src,
		writer:  writer,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		buffer:  make(map[int]models.TeamRecord),
		status:  models.UpdateStatus{Phase: models.PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status returns a copy of the current pass state.
func (c *Coordinator) Status() models.UpdateStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotStatus()
}

// snapshotStatus copies the status. Callers hold mu.
func (c *Coordinator) snapshotStatus() models.UpdateStatus {
	s := c.status
	s.SkippedTeams = slices.Clone(c.status.SkippedTeams)
	return s
}

func (c *Coordinator) update(fn func(s *models.UpdateStatus)) models.UpdateStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
	c.status.LastUpdated = c.now().UTC()
	return c.snapshotStatus()
}

// Start begins a new pass and runs its first step. If a pass is already in
// progress the current status is returned unchanged.
func (c *Coordinator) Start(ctx context.Context, batchSize int) models.UpdateStatus {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.start(ctx, batchSize)
}

func (c *Coordinator) start(ctx context.Context, batchSize int) models.UpdateStatus {
	if st := c.Status(); st.InProgress() {
		return st
	}

	c.teams = nil
	clear(c.buffer)

	season := c.cfg.Season
	if season <= 0 {
		season = models.SeasonFor(c.now())
	}
	runID := uuid.NewString()
	startedAt := c.now().UTC()

	c.update(func(s *models.UpdateStatus) {
		*s = models.UpdateStatus{Phase: models.PhaseIdle, RunID: runID, Season: season, StartedAt: startedAt}
	})

	teams, err := c.listTeams(ctx)
	if err == nil && len(teams) == 0 {
		err = &SourceUnavailableError{Attempts: 1, Err: errors.New("source listed no teams")}
	}
	if err != nil {
		return c.fail(err)
	}
	c.teams = teams

	logger.Info("Starting update pass %s: season=%d teams=%d", runID, season, len(teams))
	c.update(func(s *models.UpdateStatus) {
		s.Phase = models.PhaseInProgress
		s.TeamsTotal = len(teams)
	})

	return c.step(ctx, batchSize)
}

// Step fetches the next batch of a pass in progress. In any other phase the
// status is returned unchanged.
func (c *Coordinator) Step(ctx context.Context, batchSize int) models.UpdateStatus {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if st := c.Status(); !st.InProgress() {
		return st
	}
	return c.step(ctx, batchSize)
}

// Trigger advances the pass in progress, or starts a new one.
func (c *Coordinator) Trigger(ctx context.Context, batchSize int) models.UpdateStatus {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.Status().InProgress() {
		return c.step(ctx, batchSize)
	}
	return c.start(ctx, batchSize)
}

// Reset discards the current pass and returns to idle. It waits for an
// in-flight step to return.
func (c *Coordinator) Reset() models.UpdateStatus {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.teams = nil
	clear(c.buffer)
	logger.Info("Update state reset")
	return c.update(func(s *models.UpdateStatus) {
		*s = models.UpdateStatus{Phase: models.PhaseIdle}
	})
}

func (c *Coordinator) step(ctx context.Context, batchSize int) models.UpdateStatus {
	if batchSize <= 0 || batchSize > c.cfg.MaxBatchSize {
		batchSize = c.cfg.MaxBatchSize
	}

	st := c.Status()
	before := st.TeamsProcessed
	end := min(before+batchSize, len(c.teams))
	batch := c.teams[before:end]

	attempted, accepted := 0, 0
	var skipped []int
	for _, team := range batch {
		if ctx.Err() != nil {
			break
		}
		raw, err := c.fetch(ctx, team, st.Season)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("Skipping team %d (%s) this pass: %v", team.ID, team.Name, err)
			if c.metrics != nil {
				c.metrics.TeamSkipped()
			}
			skipped = append(skipped, team.ID)
			attempted++
			continue
		}
		attempted++

		if raw.ID == 0 {
			raw.ID = team.ID
		}
		out := validate.Check(raw, c.cfg.Validator)
		if !out.Valid() {
			logger.Warn("Dropped record for team %d: %s", team.ID, out.Rejection)
			if c.metrics != nil {
				c.metrics.RecordRejected(string(out.Rejection.Reason))
			}
			continue
		}
		c.buffer[out.Record.ID] = out.Record
		accepted++
	}

	var soft string
	switch {
	case attempted < len(batch):
		soft = fmt.Sprintf("step interrupted after %d of %d teams: %v", attempted, len(batch), context.Cause(ctx))
	case accepted == 0 && len(batch) > 0:
		soft = fmt.Sprintf("batch of teams %d-%d returned no records", before+1, end)
	}
	if soft != "" {
		logger.Warn("Update pass %s: %s", st.RunID, soft)
	}

	processed := before + attempted
	st = c.update(func(s *models.UpdateStatus) {
		s.TeamsProcessed = processed
		s.Accumulated = len(c.buffer)
		s.SkippedTeams = append(s.SkippedTeams, skipped...)
		s.SoftError = soft
	})
	logger.Debug("Update pass %s: %d/%d teams processed, %d records buffered", st.RunID, processed, st.TeamsTotal, st.Accumulated)

	if processed < st.TeamsTotal {
		return st
	}
	return c.complete(ctx, before)
}

// complete applies the completion guard and commits the snapshot. before is
// the processed count to restore if the commit fails.
func (c *Coordinator) complete(ctx context.Context, before int) models.UpdateStatus {
	st := c.Status()

	missing := st.TeamsTotal - len(c.buffer)
	if missing > c.cfg.CompletenessTolerance {
		clear(c.buffer)
		c.update(func(s *models.UpdateStatus) { s.Accumulated = 0 })
		return c.fail(&IncompleteCaptureError{Missing: missing, Total: st.TeamsTotal, Tolerance: c.cfg.CompletenessTolerance})
	}

	records := make([]models.TeamRecord, 0, len(c.buffer))
	for _, team := range c.teams {
		if r, ok := c.buffer[team.ID]; ok {
			records = append(records, r)
		}
	}
	// Records whose id differs from the listing still belong to the capture.
	if len(records) < len(c.buffer) {
		listed := make(map[int]bool, len(c.teams))
		for _, team := range c.teams {
			listed[team.ID] = true
		}
		for id, r := range c.buffer {
			if !listed[id] {
				records = append(records, r)
			}
		}
	}

	snap, err := c.writer.CreateSnapshot(ctx, records, st.Season)
	if err != nil {
		c.update(func(s *models.UpdateStatus) { s.TeamsProcessed = before })
		return c.fail(&StorageError{Err: err})
	}

	clear(c.buffer)
	st = c.update(func(s *models.UpdateStatus) {
		s.Phase = models.PhaseCompleted
		s.Accumulated = 0
		s.LastError = ""
		s.LastSnapshotID = snap.ID
	})
	logger.Info("Update pass %s committed snapshot %d with %d teams (%d missing)", st.RunID, snap.ID, snap.TeamCount, max(missing, 0))

	if c.metrics != nil {
		c.metrics.SnapshotCommitted(snap.TeamCount)
	}
	if c.onCommit != nil {
		c.onCommit(snap.Clone())
	}
	return st
}

func (c *Coordinator) fail(err error) models.UpdateStatus {
	st := c.update(func(s *models.UpdateStatus) {
		s.Phase = models.PhaseFailed
		s.LastError = err.Error()
	})
	logger.Error("Update pass %s failed: %v", st.RunID, err)

	if c.metrics != nil {
		c.metrics.PassFailed(errorKind(err))
	}
	if c.onFailure != nil {
		c.onFailure(st)
	}
	return st
}

func (c *Coordinator) listTeams(ctx context.Context) ([]models.Team, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.retried()
			if err := sleep(ctx, c.cfg.backoff(attempt-1)); err != nil {
				return nil, &SourceUnavailableError{Attempts: attempt - 1, Err: err}
			}
		}
		if err := c.pace(ctx); err != nil {
			return nil, &SourceUnavailableError{Attempts: attempt - 1, Err: err}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		start := time.Now()
		teams, err := c.src.ListTeams(callCtx)
		cancel()
		c.observe(err, time.Since(start))
		if err == nil {
			return teams, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return nil, &SourceUnavailableError{Attempts: attempt, Err: err}
		}
		logger.Debug("Listing teams failed (attempt %d/%d): %v", attempt, c.cfg.MaxAttempts, err)
	}
	return nil, &SourceUnavailableError{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Coordinator) fetch(ctx context.Context, team models.Team, season int) (models.RawTeamRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.retried()
			if err := sleep(ctx, c.cfg.backoff(attempt-1)); err != nil {
				return models.RawTeamRecord{}, err
			}
		}
		if err := c.pace(ctx); err != nil {
			return models.RawTeamRecord{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		start := time.Now()
		raw, err := c.src.FetchTeamStats(callCtx, team, season)
		cancel()
		c.observe(err, time.Since(start))
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return models.RawTeamRecord{}, ctx.Err()
		}
		if !retryable(err) {
			return models.RawTeamRecord{}, &SourceUnavailableError{TeamID: team.ID, Attempts: attempt, Err: err}
		}
		logger.Debug("Fetching team %d failed (attempt %d/%d): %v", team.ID, attempt, c.cfg.MaxAttempts, err)
	}
	return models.RawTeamRecord{}, &SourceUnavailableError{TeamID: team.ID, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

// pace enforces the minimum spacing plus jitter between source calls.
func (c *Coordinator) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.cfg.Jitter > 0 {
		return sleep(ctx, time.Duration(rand.Int63n(int64(c.cfg.Jitter))))
	}
	return nil
}

func (c *Coordinator) retried() {
	if c.metrics != nil {
		c.metrics.SourceRetry()
	}
}

func (c *Coordinator) observe(err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	c.metrics.SourceFetch(outcome, d)
}

func sleep(ctx context.Context, d time.Duration) error {
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
