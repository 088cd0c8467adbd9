package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lanternworks/harvester/internal/harvest"
)

// RecordStore persists parsed records in Postgres.
type RecordStore struct {
	db DB
}

// NewRecordStore constructs a RecordStore from an existing pool.
func NewRecordStore(db DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RecordStore{db: db}, nil
}

const insertRecordSQL = `
INSERT INTO parsed_records (
	id, job_id, snapshot_id, page_type, fields,
	org_ref, success, error_text, parsed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// SaveRecord inserts one parsed record row.
func (s *RecordStore) SaveRecord(ctx context.Context, record harvest.ParsedRecord) error {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.db.Exec(ctx, insertRecordSQL,
		record.ID, record.JobID, record.SnapshotID, string(record.PageType), fields,
		nullable(record.OrgRef), record.Success, nullable(record.ErrorText), record.ParsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert parsed record: %w", err)
	}
	return nil
}

const listRecordsSQL = `
SELECT id, job_id, snapshot_id, page_type, fields,
	COALESCE(org_ref, ''), success, COALESCE(error_text, ''), parsed_at
FROM parsed_records
WHERE job_id = $1
ORDER BY parsed_at ASC`

// ListRecords returns all records stored for a job.
func (s *RecordStore) ListRecords(ctx context.Context, jobID string) ([]harvest.ParsedRecord, error) {
	rows, err := s.db.Query(ctx, listRecordsSQL, jobID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []harvest.ParsedRecord
	for rows.Next() {
		var (
			record   harvest.ParsedRecord
			pageType string
			fields   []byte
		)
		if err := rows.Scan(
			&record.ID, &record.JobID, &record.SnapshotID, &pageType, &fields,
			&record.OrgRef, &record.Success, &record.ErrorText, &record.ParsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		record.PageType = harvest.PageType(pageType)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &record.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

const hasOrganizationSQL = `
SELECT EXISTS (
	SELECT 1 FROM parsed_records
	WHERE page_type = $1 AND org_ref = $2 AND success
)`

// HasOrganization reports whether an organization record with this identity
// has already been harvested.
func (s *RecordStore) HasOrganization(ctx context.Context, orgRef string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, hasOrganizationSQL,
		string(harvest.PageTypeOrganization), orgRef,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check organization: %w", err)
	}
	return exists, nil
}
