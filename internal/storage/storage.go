// Package storage persists snapshots in SQLite.
//
// Snapshots are immutable once written: the store only ever inserts whole
// snapshots, reads them back as copies, and deletes them by id. Schema changes
// go through embedded golang-migrate migrations applied on open. Decoded team
// records are kept in a bounded LRU keyed by snapshot id.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/rewired-gh/eraops/internal/fingerprint"
	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/validate"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultDeleteBatchSize bounds the ids removed per delete transaction.
const DefaultDeleteBatchSize = 200

var (
	// ErrNotFound is returned when a snapshot does not exist (or was deleted
	// between listing and fetching).
	ErrNotFound = errors.New("snapshot not found")
	// ErrEmptySnapshot is returned when creating a snapshot with no records.
	ErrEmptySnapshot = errors.New("snapshot must contain at least one team record")
)

// Storage is the SQLite-backed snapshot store. It is safe for concurrent use.
type Storage struct {
	db    *sql.DB
	path  string
	cache *lru.Cache[int64, []models.TeamRecord]
	now   func() time.Time
}

type options struct {
	cacheSize    int
	busyTimeout  time.Duration
	maxOpenConns int
	dirPerm      os.FileMode
	now          func() time.Time
}

// Option configures a Storage.
type Option func(*options)

// WithCacheSize sets how many decoded snapshots are kept in memory.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithMaxOpenConns caps the connection pool for file databases.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

// WithDirPermissions sets the mode used when creating the database directory.
func WithDirPermissions(mode os.FileMode) Option {
	return func(o *options) { o.dirPerm = mode }
}

// WithClock overrides the capture clock used by CreateSnapshot.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens (creating if needed) the database at path and applies migrations.
// Use MemoryPath for a throwaway database.
func New(path string, opts ...Option) (*Storage, error) {
	o := options{
		cacheSize:    256,
		busyTimeout:  5 * time.Second,
		maxOpenConns: 4,
		dirPerm:      0o755,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if path == "" {
		path = filepath.Join(os.TempDir(), "eraops", "snapshots.db")
	}

	var dsn string
	if path == MemoryPath {
		dsn = MemoryPath
	} else {
		if err := os.MkdirAll(filepath.Dir(path), o.dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			path, o.busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Every new connection to ":memory:" is a separate empty database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if o.cacheSize <= 0 {
		o.cacheSize = 1
	}
	cache, err := lru.New[int64, []models.TeamRecord](o.cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}

	return &Storage{db: db, path: path, cache: cache, now: o.now}, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
			}
		} else if err = tx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
		}
	}()
	return fn(tx)
}

// CreateSnapshot stores records as a new snapshot captured now. A season of 0
// is derived from the capture time.
func (s *Storage) CreateSnapshot(ctx context.Context, records []models.TeamRecord, season int) (*models.Snapshot, error) {
	return s.CreateSnapshotAt(ctx, records, s.now(), season)
}

// CreateSnapshotAt stores records as a snapshot captured at ts. Used for
// seeding and imports; regular captures use CreateSnapshot.
func (s *Storage) CreateSnapshotAt(ctx context.Context, records []models.TeamRecord, ts time.Time, season int) (*models.Snapshot, error) {
	if len(records) == 0 {
		return nil, ErrEmptySnapshot
	}

	ts = time.UnixMicro(ts.UnixMicro()).UTC()
	if season <= 0 {
		season = models.SeasonFor(ts)
	}
	teams := models.CloneRecords(records)

	data, err := json.Marshal(teams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode team records: %w", err)
	}

	snap := &models.Snapshot{
		SnapshotMeta: models.SnapshotMeta{
			Timestamp: ts,
			Season:    season,
			TeamCount: len(teams),
			DataHash:  fingerprint.Fingerprint(teams),
		},
		Teams: teams,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (captured_at, season, team_count, data_hash, data) VALUES (?, ?, ?, ?, ?)`,
			ts.UnixMicro(), season, snap.TeamCount, snap.DataHash, string(data))
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		snap.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read snapshot id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Add(snap.ID, models.CloneRecords(teams))
	logger.Debug("Stored snapshot %d: season=%d teams=%d hash=%s", snap.ID, season, snap.TeamCount, snap.DataHash[:12])
	return snap, nil
}

func timeFromMicro(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

const metaColumns = `id, captured_at, season, team_count, data_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (models.SnapshotMeta, error) {
	var (
		m        models.SnapshotMeta
		captured int64
		season   sql.NullInt64
		hash     sql.NullString
	)
	if err := row.Scan(&m.ID, &captured, &season, &m.TeamCount, &hash); err != nil {
		return m, err
	}
	m.Timestamp = timeFromMicro(captured)
	if season.Valid {
		m.Season = int(season.Int64)
	} else {
		m.Season = models.SeasonFor(m.Timestamp)
	}
	m.DataHash = hash.String
	return m, nil
}

func seasonFilter(season int) (string, []any) {
	if season > 0 {
		return ` WHERE season = ?`, []any{season}
	}
	return "", nil
}

// SnapshotByID returns the snapshot with the given id, or ErrNotFound.
func (s *Storage) SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metaColumns+` FROM snapshots WHERE id = ?`, id)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %d: %w", id, err)
	}

	teams, err := s.records(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{SnapshotMeta: meta, Teams: teams}, nil
}

// LatestSnapshot returns the most recent snapshot, optionally restricted to a
// season (0 means any), or ErrNotFound when there is none.
func (s *Storage) LatestSnapshot(ctx context.Context, season int) (*models.Snapshot, error) {
	where, args := seasonFilter(season)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM snapshots`+where+` ORDER BY captured_at DESC, id DESC LIMIT 1`, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	return s.SnapshotByID(ctx, id)
}

func (s *Storage) queryMetas(ctx context.Context, query string, args ...any) ([]models.SnapshotMeta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	metas := make([]models.SnapshotMeta, 0)
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return metas, nil
}

// ListSnapshots returns snapshot metadata newest first, optionally restricted
// to a season (0 means all).
func (s *Storage) ListSnapshots(ctx context.Context, season int) ([]models.SnapshotMeta, error) {
	where, args := seasonFilter(season)
	return s.queryMetas(ctx, `SELECT `+metaColumns+` FROM snapshots`+where+` ORDER BY captured_at DESC, id DESC`, args...)
}

// SnapshotMetas returns metadata for every snapshot ordered oldest first.
func (s *Storage) SnapshotMetas(ctx context.Context) ([]models.SnapshotMeta, error) {
	return s.queryMetas(ctx, `SELECT `+metaColumns+` FROM snapshots ORDER BY captured_at ASC, id ASC`)
}

// History returns one team's metrics across the most recent limit snapshots,
// oldest first. Snapshots missing the team are skipped.
func (s *Storage) History(ctx context.Context, teamID, limit, season int) ([]models.HistoryPoint, error) {
	points := make([]models.HistoryPoint, 0)
	if limit <= 0 {
		return points, nil
	}

	where, args := seasonFilter(season)
	metas, err := s.queryMetas(ctx,
		`SELECT `+metaColumns+` FROM snapshots`+where+` ORDER BY captured_at DESC, id DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, err
	}

	for i := len(metas) - 1; i >= 0; i-- {
		m := metas[i]
		teams, err := s.records(ctx, m.ID)
		if errors.Is(err, ErrNotFound) {
			logger.Debug("Snapshot %d disappeared while reading history for team %d", m.ID, teamID)
			continue
		}
		if err != nil {
			return nil, err
		}

		found := false
		for _, t := range teams {
			if t.ID != teamID {
				continue
			}
			p := models.HistoryPoint{SnapshotID: m.ID, Timestamp: m.Timestamp, ERA: t.ERA, OPS: t.OPS}
			if t.RunDifferential != nil {
				p.RunDifferential = models.IntPtr(*t.RunDifferential)
			}
			points = append(points, p)
			found = true
			break
		}
		if !found {
			logger.Debug("Team %d missing from snapshot %d", teamID, m.ID)
		}
	}
	return points, nil
}

// DeleteSnapshots removes the given ids in transactions of at most batchSize
// ids each. It returns the number of rows deleted; on error that is the count
// committed before the failing batch.
func (s *Storage) DeleteSnapshots(ctx context.Context, ids []int64, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultDeleteBatchSize
	}

	deleted := 0
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		batch := ids[start:end]

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := `DELETE FROM snapshots WHERE id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",") + `)`

		var n int64
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to delete snapshots: %w", err)
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return deleted, err
		}
		for _, id := range batch {
			s.cache.Remove(id)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// CountSnapshots returns the number of snapshots, optionally restricted to a
// season (0 means all).
func (s *Storage) CountSnapshots(ctx context.Context, season int) (int, error) {
	where, args := seasonFilter(season)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

// records returns a copy of a snapshot's decoded team records.
func (s *Storage) records(ctx context.Context, id int64) ([]models.TeamRecord, error) {
	if teams, ok := s.cache.Get(id); ok {
		return models.CloneRecords(teams), nil
	}

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %d data: %w", id, err)
	}

	teams, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", id, err)
	}
	s.cache.Add(id, teams)
	return models.CloneRecords(teams), nil
}

// storedRecord is the on-disk shape of a team record. Older rows may carry
// metrics as strings, stale run differentials or out-of-range values.
type storedRecord struct {
	models.RawTeamRecord
	RunsEstimated bool `json:"runs_estimated"`
}

// decodeRecords parses stored record JSON and re-validates it. Stored runs are
// taken as given (estimates keep their flag); missing runs stay unknown.
func decodeRecords(data string) ([]models.TeamRecord, error) {
	var stored []storedRecord
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode team records: %w", err)
	}

	raws := make([]models.RawTeamRecord, len(stored))
	estimated := make(map[int]bool, len(stored))
	for i, r := range stored {
		raws[i] = r.RawTeamRecord
		if _, seen := estimated[r.ID]; !seen {
			estimated[r.ID] = r.RunsEstimated
		}
	}

	teams := validate.Records(raws, validate.Options{EstimateMissingRuns: false})
	for i := range teams {
		if estimated[teams[i].ID] && teams[i].RunsScored != nil && teams[i].RunsAllowed != nil {
			teams[i].RunsEstimated = true
		}
	}
	return teams, nil
}
