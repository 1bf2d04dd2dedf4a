// Package repository persists a query mirror of appended ledger entries in
// PostgreSQL.
//
// The mirror exists for indexed listing and reporting only. The JSONL log
// file remains the sole source of truth: nothing in the verification path
// reads from here, so a diverged mirror can mislead a dashboard but never
// a chain audit.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no archived entry matches.
var ErrNotFound = errors.New("archived entry not found")

// ArchivedEntry is one mirrored ledger entry row.
type ArchivedEntry struct {
	Seq        int64           `json:"seq"         db:"seq"`
	Timestamp  float64         `json:"timestamp"   db:"ts"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
	Payload    json.RawMessage `json:"payload"     db:"payload"`
	PrevHash   *string         `json:"prev_hash"   db:"prev_hash"`
	SelfHash   string          `json:"self_hash"   db:"self_hash"`
}

// ArchiveRepository mirrors appended entries into the ledger_archive table.
type ArchiveRepository struct {
	db *pgxpool.Pool
}

// NewArchiveRepository creates a new ArchiveRepository.
func NewArchiveRepository(db *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Insert mirrors one appended entry. Re-mirroring the same entry is a
// no-op, keyed on self_hash, so replaying a ledger into the archive is
// idempotent.
func (r *ArchiveRepository) Insert(ctx context.Context, ts float64, payload any, prevHash *string, selfHash string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `INSERT INTO ledger_archive (ts, recorded_at, payload, prev_hash, self_hash)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (self_hash) DO NOTHING`
	_, err = r.db.Exec(ctx, query, ts, time.Now().UTC(), body, prevHash, selfHash)
	return err
}

// List returns mirrored entries in ledger order.
func (r *ArchiveRepository) List(ctx context.Context, limit, offset int) ([]*ArchivedEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT seq, ts, recorded_at, payload, prev_hash, self_hash
	          FROM ledger_archive ORDER BY seq ASC LIMIT $1 OFFSET $2`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListRange returns mirrored entries whose ledger timestamp falls in
// [from, to). Pass to = 0 for an open upper bound.
func (r *ArchiveRepository) ListRange(ctx context.Context, from, to float64, limit int) ([]*ArchivedEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT seq, ts, recorded_at, payload, prev_hash, self_hash
	          FROM ledger_archive
	          WHERE ts >= $1 AND ($2 = 0 OR ts < $2)
	          ORDER BY seq ASC LIMIT $3`
	rows, err := r.db.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Count returns the number of mirrored entries.
func (r *ArchiveRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived entries: %w", err)
	}
	return n, nil
}

// Latest returns the most recently mirrored entry.
func (r *ArchiveRepository) Latest(ctx context.Context) (*ArchivedEntry, error) {
	query := `SELECT seq, ts, recorded_at, payload, prev_hash, self_hash
	          FROM ledger_archive ORDER BY seq DESC LIMIT 1`
	row := r.db.QueryRow(ctx, query)

	var e ArchivedEntry
	err := row.Scan(&e.Seq, &e.Timestamp, &e.RecordedAt, &e.Payload, &e.PrevHash, &e.SelfHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*ArchivedEntry, error) {
	var entries []*ArchivedEntry
	for rows.Next() {
		var e ArchivedEntry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.RecordedAt, &e.Payload, &e.PrevHash, &e.SelfHash); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
