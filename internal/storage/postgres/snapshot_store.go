package postgres

import (
	"context"
	"fmt"

	"github.com/lanternworks/harvester/internal/harvest"
)

// SnapshotStore persists snapshot rows in Postgres. Raw content lives in the
// blob store; rows carry the URI and content hash.
type SnapshotStore struct {
	db DB
}

// NewSnapshotStore constructs a SnapshotStore from an existing pool.
func NewSnapshotStore(db DB) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SnapshotStore{db: db}, nil
}

const insertSnapshotSQL = `
INSERT INTO snapshots (
	id, job_id, url, page_type, ordinal, status,
	content_hash, blob_uri, failure_reason, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// Write inserts one snapshot row. Content is immutable once written.
func (s *SnapshotStore) Write(ctx context.Context, snap harvest.Snapshot) error {
	_, err := s.db.Exec(ctx, insertSnapshotSQL,
		snap.ID, snap.JobID, snap.URL, string(snap.PageType), snap.Ordinal, string(snap.Status),
		nullable(snap.ContentHash), nullable(snap.BlobURI), nullable(snap.FailureReason), snap.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const listFetchedSQL = `
SELECT id, job_id, url, page_type, ordinal, status,
	COALESCE(content_hash, ''), COALESCE(blob_uri, ''), COALESCE(failure_reason, ''), fetched_at
FROM snapshots
WHERE job_id = $1 AND status = $2
ORDER BY ordinal ASC`

// ListFetched returns the job's unparsed snapshots in ordinal order.
func (s *SnapshotStore) ListFetched(ctx context.Context, jobID string) ([]harvest.Snapshot, error) {
	rows, err := s.db.Query(ctx, listFetchedSQL, jobID, string(harvest.SnapshotFetched))
	if err != nil {
		return nil, fmt.Errorf("list fetched snapshots: %w", err)
	}
	defer rows.Close()

	var out []harvest.Snapshot
	for rows.Next() {
		var (
			snap     harvest.Snapshot
			pageType string
			status   string
		)
		if err := rows.Scan(
			&snap.ID, &snap.JobID, &snap.URL, &pageType, &snap.Ordinal, &status,
			&snap.ContentHash, &snap.BlobURI, &snap.FailureReason, &snap.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.PageType = harvest.PageType(pageType)
		snap.Status = harvest.SnapshotStatus(status)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// MarkParsed transitions one snapshot to parsed.
func (s *SnapshotStore) MarkParsed(ctx context.Context, snapshotID string) error {
	return s.setStatus(ctx, snapshotID, harvest.SnapshotParsed)
}

// MarkFailed transitions one snapshot to failed.
func (s *SnapshotStore) MarkFailed(ctx context.Context, snapshotID string) error {
	return s.setStatus(ctx, snapshotID, harvest.SnapshotFailed)
}

func (s *SnapshotStore) setStatus(ctx context.Context, snapshotID string, status harvest.SnapshotStatus) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE snapshots SET status = $2 WHERE id = $1",
		snapshotID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update snapshot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("snapshot %s not found", snapshotID)
	}
	return nil
}
