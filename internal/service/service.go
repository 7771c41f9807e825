// Package service is the caller-facing surface of eraops. It composes the
// snapshot store, the freshness oracle and the update coordinator into the
// read and write operations a presentation layer needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/eraops/internal/freshness"
	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/retention"
	"github.com/rewired-gh/eraops/internal/standings"
	"github.com/rewired-gh/eraops/internal/storage"
)

// DefaultHistoryDays is the history length used when a caller passes none.
const DefaultHistoryDays = 30

// Store is the part of the snapshot store the service reads.
type Store interface {
	LatestSnapshot(ctx context.Context, season int) (*models.Snapshot, error)
	SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, season int) ([]models.SnapshotMeta, error)
	History(ctx context.Context, teamID, limit, season int) ([]models.HistoryPoint, error)
	Stats(ctx context.Context, minTeams int) (*models.StoreStats, error)
}

// Updater drives update passes.
type Updater interface {
	Trigger(ctx context.Context, batchSize int) models.UpdateStatus
	Status() models.UpdateStatus
	Reset() models.UpdateStatus
}

// Latest is the newest snapshot together with its freshness.
type Latest struct {
	Snapshot *models.Snapshot `json:"snapshot"`
	Fresh    bool             `json:"fresh"`
	Age      time.Duration    `json:"age"`
}

// StatsReport is the store summary plus the urgency it implies.
type StatsReport struct {
	*models.StoreStats
	Urgency retention.Urgency `json:"urgency"`
}

// Service implements the caller-facing operations.
type Service struct {
	store   Store
	updater Updater
	oracle  *freshness.Oracle
	policy  retention.Policy
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service. The retention policy supplies the completeness
// threshold and urgency grading used by Stats.
func New(store Store, updater Updater, oracle *freshness.Oracle, policy retention.Policy, opts ...Option) *Service {
	s := &Service{
		store:   store,
		updater: updater,
		oracle:  oracle,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LatestSnapshot returns the newest snapshot (of season, when non-zero) and
// whether it is fresh. It returns storage.ErrNotFound when there is none.
func (s *Service) LatestSnapshot(ctx context.Context, season int) (*Latest, error) {
	snap, err := s.store.LatestSnapshot(ctx, season)
	if errors.Is(err, storage.ErrNotFound) {
		// The newest row may have been removed by maintenance between the
		// lookup and the read.
		snap, err = s.store.LatestSnapshot(ctx, season)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	snap.Teams = standings.EnsureDivisionInfo(snap.Teams)
	return &Latest{
		Snapshot: snap,
		Fresh:    s.oracle.IsFresh(snap.Timestamp, now),
		Age:      now.Sub(snap.Timestamp),
	}, nil
}

// NeedsUpdate reports whether a new pass should run: the store has no
// snapshot yet or the newest one is stale.
func (s *Service) NeedsUpdate(ctx context.Context) (bool, error) {
	latest, err := s.LatestSnapshot(ctx, 0)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !latest.Fresh, nil
}

// History returns a team's metrics across the most recent days snapshots,
// oldest first. days <= 0 uses DefaultHistoryDays.
func (s *Service) History(ctx context.Context, teamID, days, season int) ([]models.HistoryPoint, error) {
	if teamID <= 0 {
		return nil, fmt.Errorf("invalid team id %d", teamID)
	}
	if days <= 0 {
		days = DefaultHistoryDays
	}
	return s.store.History(ctx, teamID, days, season)
}

// ListSnapshots returns every snapshot's metadata, newest first.
func (s *Service) ListSnapshots(ctx context.Context) ([]models.SnapshotMeta, error) {
	return s.store.ListSnapshots(ctx, 0)
}

// SnapshotByID returns one snapshot or storage.ErrNotFound.
func (s *Service) SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error) {
	snap, err := s.store.SnapshotByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.Teams = standings.EnsureDivisionInfo(snap.Teams)
	return snap, nil
}

// TriggerUpdate starts a pass, or advances the running one by batchSize teams.
func (s *Service) TriggerUpdate(ctx context.Context, batchSize int) models.UpdateStatus {
	return s.updater.Trigger(ctx, batchSize)
}

// UpdateStatus returns the progress of the current or last pass.
func (s *Service) UpdateStatus() models.UpdateStatus {
	return s.updater.Status()
}

// ResetUpdate abandons the current pass.
func (s *Service) ResetUpdate() models.UpdateStatus {
	logger.Info("Update status has been manually reset")
	return s.updater.Reset()
}

// DivisionStandings ranks the teams of the newest snapshot within their
// divisions.
func (s *Service) DivisionStandings(ctx context.Context, season int) ([]standings.DivisionStandings, error) {
	latest, err := s.LatestSnapshot(ctx, season)
	if err != nil {
		return nil, err
	}
	return standings.Calculate(latest.Snapshot.Teams), nil
}

// Stats summarises the store and grades how urgently it needs maintenance.
func (s *Service) Stats(ctx context.Context) (*StatsReport, error) {
	st, err := s.store.Stats(ctx, s.policy.MinTeamCount)
	if err != nil {
		return nil, err
	}
	return &StatsReport{StoreStats: st, Urgency: s.policy.Assess(st.Total)}, nil
}
