package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rewired-gh/eraops/internal/fingerprint"
	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
)

// DefaultBackfillBatchSize is the number of rows updated per backfill commit.
const DefaultBackfillBatchSize = 100

type backfillRow struct {
	id       int64
	captured int64
	season   sql.NullInt64
	data     string
}

// meta derives the metadata Backfill writes for the row.
func (r backfillRow) meta() (models.SnapshotMeta, error) {
	teams, err := decodeRecords(r.data)
	if err != nil {
		return models.SnapshotMeta{}, err
	}
	m := models.SnapshotMeta{
		ID:        r.id,
		Timestamp: timeFromMicro(r.captured),
		TeamCount: len(teams),
		DataHash:  fingerprint.Fingerprint(teams),
	}
	if r.season.Valid {
		m.Season = int(r.season.Int64)
	} else {
		m.Season = models.SeasonFor(m.Timestamp)
	}
	return m, nil
}

// Backfill fills in season, team_count and data_hash on rows written before
// those columns existed. Each batch commits on its own so the store stays
// usable while it runs. It returns the number of rows updated.
func (s *Storage) Backfill(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}

	updated := 0
	var lastID int64
	for {
		batch, err := s.backfillCandidates(ctx, lastID, batchSize)
		if err != nil {
			return updated, err
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].id

		n := 0
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			for _, row := range batch {
				m, err := row.meta()
				if err != nil {
					logger.Warn("Skipping backfill of snapshot %d: %v", row.id, err)
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE snapshots SET season = COALESCE(season, ?), team_count = ?, data_hash = ? WHERE id = ?`,
					m.Season, m.TeamCount, m.DataHash, row.id); err != nil {
					return fmt.Errorf("failed to backfill snapshot %d: %w", row.id, err)
				}
				n++
			}
			return nil
		})
		if err != nil {
			return updated, err
		}
		for _, row := range batch {
			s.cache.Remove(row.id)
		}
		updated += n
		logger.Debug("Backfilled %d snapshots (through id %d)", n, lastID)

		if len(batch) < batchSize {
			break
		}
	}

	if updated > 0 {
		logger.Info("Backfilled metadata on %d snapshots", updated)
	}
	return updated, nil
}

// PendingBackfill returns the metadata Backfill would write, without writing
// it. Rows that cannot be decoded are left out, as Backfill skips them.
func (s *Storage) PendingBackfill(ctx context.Context, batchSize int) ([]models.SnapshotMeta, error) {
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}

	var out []models.SnapshotMeta
	var lastID int64
	for {
		batch, err := s.backfillCandidates(ctx, lastID, batchSize)
		if err != nil {
			return nil, err
		}
		for _, row := range batch {
			m, err := row.meta()
			if err != nil {
				logger.Debug("Snapshot %d cannot be backfilled: %v", row.id, err)
				continue
			}
			out = append(out, m)
		}
		if len(batch) < batchSize {
			return out, nil
		}
		lastID = batch[len(batch)-1].id
	}
}

func (s *Storage) backfillCandidates(ctx context.Context, afterID int64, limit int) ([]backfillRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, captured_at, season, data FROM snapshots
		 WHERE id > ? AND (season IS NULL OR data_hash IS NULL OR data_hash = '' OR team_count = 0)
		 ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find rows to backfill: %w", err)
	}
	defer rows.Close()

	var out []backfillRow
	for rows.Next() {
		var r backfillRow
		if err := rows.Scan(&r.id, &r.captured, &r.season, &r.data); err != nil {
			return nil, fmt.Errorf("failed to scan backfill row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarises the table for maintenance decisions. Rows with fewer than
// minTeams records count as incomplete.
func (s *Storage) Stats(ctx context.Context, minTeams int) (*models.StoreStats, error) {
	st := &models.StoreStats{BySeason: make(map[int]int)}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(captured_at), MAX(captured_at),
		       COALESCE(SUM(CASE WHEN team_count < ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN season IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN data_hash IS NULL OR data_hash = '' THEN 1 ELSE 0 END), 0)
		FROM snapshots`, minTeams).
		Scan(&st.Total, &oldest, &newest, &st.Incomplete, &st.MissingSeason, &st.MissingHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = timeFromMicro(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = timeFromMicro(newest.Int64)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT data_hash FROM snapshots
			WHERE data_hash IS NOT NULL AND data_hash != ''
			GROUP BY data_hash HAVING COUNT(*) > 1
		)`).Scan(&st.DuplicateSets)
	if err != nil {
		return nil, fmt.Errorf("failed to count duplicate hashes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT season, COUNT(*) FROM snapshots WHERE season IS NOT NULL GROUP BY season ORDER BY season`)
	if err != nil {
		return nil, fmt.Errorf("failed to count snapshots by season: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var season, n int
		if err := rows.Scan(&season, &n); err != nil {
			return nil, fmt.Errorf("failed to scan season count: %w", err)
		}
		st.BySeason[season] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate season counts: %w", err)
	}
	return st, nil
}

// Vacuum reclaims space freed by deletions.
func (s *Storage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
