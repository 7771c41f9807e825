package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
)

// Store is the subset of the snapshot store a maintenance pass needs.
type Store interface {
	SnapshotMetas(ctx context.Context) ([]models.SnapshotMeta, error)
	DeleteSnapshots(ctx context.Context, ids []int64, batchSize int) (int, error)
	Backfill(ctx context.Context, batchSize int) (int, error)
	PendingBackfill(ctx context.Context, batchSize int) ([]models.SnapshotMeta, error)
	Vacuum(ctx context.Context) error
}

// Recorder receives maintenance measurements.
type Recorder interface {
	RetentionDeleted(step string, n int)
	StoredSnapshots(n int)
	MaintenanceRun(urgency string, d time.Duration, err error)
}

// ErrInvalidPolicy wraps policy validation failures.
var ErrInvalidPolicy = errors.New("invalid retention policy")

// RunOptions tunes a single pass.
type RunOptions struct {
	// DryRun computes the plan without touching the store.
	DryRun bool
	// Vacuum reclaims disk space when the pass deleted anything.
	Vacuum bool
}

// Result reports what a pass did (or would do, for a dry run).
type Result struct {
	Before     int           `json:"before"`
	After      int           `json:"after"`
	Backfilled int           `json:"backfilled"`
	Deleted    map[Step]int  `json:"deleted"`
	Removed    []int64       `json:"removed"`
	Urgency    Urgency       `json:"urgency"`
	DryRun     bool          `json:"dry_run"`
	Vacuumed   bool          `json:"vacuumed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// TotalDeleted sums deletions across steps.
func (r *Result) TotalDeleted() int {
	n := 0
	for _, c := range r.Deleted {
		n += c
	}
	return n
}

// Engine runs maintenance passes against a Store. Passes are serialized.
type Engine struct {
	store   Store
	policy  Policy
	metrics Recorder
	mu      sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder reports pass results to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine creates an Engine after validating policy.
func NewEngine(store Store, policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	e := &Engine{store: store, policy: policy}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Run performs one maintenance pass as of now. Legacy rows are backfilled
// first so their counts and hashes are known; a dry run fills them in memory
// only. On error the returned Result
// reflects the deletions committed before the failure.
func (e *Engine) Run(ctx context.Context, now time.Time, opts RunOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &Result{Deleted: make(map[Step]int), DryRun: opts.DryRun, StartedAt: now}
	start := time.Now()
	err := e.run(ctx, now, opts, res)
	res.Duration = time.Since(start)

	if e.metrics != nil {
		e.metrics.MaintenanceRun(string(res.Urgency), res.Duration, err)
		if !opts.DryRun {
			e.metrics.StoredSnapshots(res.After)
		}
	}
	if err != nil {
		return res, err
	}

	logger.Info("Maintenance %s: %d -> %d snapshots (partial=%d duplicates=%d thinned=%d emergency=%d sampled=%d, dry_run=%v) in %s",
		res.Urgency, res.Before, res.After,
		res.Deleted[StepPartial], res.Deleted[StepDuplicates], res.Deleted[StepThinned],
		res.Deleted[StepEmergency], res.Deleted[StepSampled], opts.DryRun, res.Duration.Round(time.Millisecond))
	return res, nil
}

func (e *Engine) run(ctx context.Context, now time.Time, opts RunOptions, res *Result) error {
	var pending []models.SnapshotMeta
	if opts.DryRun {
		var err error
		pending, err = e.store.PendingBackfill(ctx, e.policy.BackfillBatchSize)
		if err != nil {
			return fmt.Errorf("backfill preview failed: %w", err)
		}
		res.Backfilled = len(pending)
	} else {
		n, err := e.store.Backfill(ctx, e.policy.BackfillBatchSize)
		res.Backfilled = n
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
	}

	metas, err := e.store.SnapshotMetas(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	metas = withBackfill(metas, pending)
	res.Before = len(metas)
	res.After = len(metas)
	res.Urgency = e.policy.Assess(len(metas))

	plan := Compute(metas, now, e.policy)

	if opts.DryRun {
		for _, step := range Steps {
			res.Deleted[step] = len(plan.IDs(step))
		}
		res.Removed = plan.Removed()
		res.After = plan.Kept
		return nil
	}

	for _, step := range Steps {
		ids := plan.IDs(step)
		if len(ids) == 0 {
			continue
		}
		n, err := e.store.DeleteSnapshots(ctx, ids, e.policy.DeleteBatchSize)
		res.Deleted[step] += n
		res.After -= n
		res.Removed = append(res.Removed, ids[:min(n, len(ids))]...)
		if e.metrics != nil && n > 0 {
			e.metrics.RetentionDeleted(string(step), n)
		}
		if err != nil {
			return fmt.Errorf("%s step failed after %d deletions: %w", step, n, err)
		}
		logger.Debug("Retention step %s removed %d snapshots", step, n)
	}

	if opts.Vacuum && res.TotalDeleted() > 0 {
		if err := e.store.Vacuum(ctx); err != nil {
			return err
		}
		res.Vacuumed = true
	}
	return nil
}

// withBackfill replaces stored metadata with the values a backfill would write.
func withBackfill(metas, pending []models.SnapshotMeta) []models.SnapshotMeta {
	if len(pending) == 0 {
		return metas
	}
	byID := make(map[int64]models.SnapshotMeta, len(pending))
	for _, m := range pending {
		byID[m.ID] = m
	}
	for i, m := range metas {
		if filled, ok := byID[m.ID]; ok {
			metas[i] = filled
		}
	}
	return metas
}

// Assess grades count against the engine's policy.
func (e *Engine) Assess(count int) Urgency {
	return e.policy.Assess(count)
}
