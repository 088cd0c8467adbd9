package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lanternworks/harvester/internal/harvest"
)

// JobStore persists job rows in Postgres.
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore from an existing pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &JobStore{db: db}, nil
}

const insertJobSQL = `
INSERT INTO jobs (
	id, type, stage, status, priority,
	account_mode, selected_account_ids, bound_account_id,
	urls, search_query, progress, error_text,
	parent_job_id, enrichment_depth,
	created_at, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job harvest.Job) error {
	ids, progress, err := marshalJobColumns(job)
	if err != nil {
		return err
	}
	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}
	_, err = s.db.Exec(ctx, insertJobSQL,
		job.ID, string(job.Type), string(job.Stage), string(job.Status), job.Priority,
		string(job.AccountMode), ids, nullable(job.BoundAccountID),
		urls, nullable(job.SearchQuery), progress, nullable(job.ErrorText),
		nullable(job.ParentJobID), job.EnrichmentDepth,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const selectJobSQL = `
SELECT id, type, stage, status, priority,
	account_mode, selected_account_ids, COALESCE(bound_account_id, ''),
	urls, COALESCE(search_query, ''), progress, COALESCE(error_text, ''),
	COALESCE(parent_job_id, ''), enrichment_depth,
	created_at, started_at, completed_at
FROM jobs`

// GetJob fetches one job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	row := s.db.QueryRow(ctx, selectJobSQL+" WHERE id = $1", jobID)
	job, err := scanJob(row)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// NextPending returns the oldest highest-priority pending job in the stage.
// SKIP LOCKED keeps concurrent pickers from handing out the same row.
func (s *JobStore) NextPending(ctx context.Context, stage harvest.JobStage) (harvest.Job, bool, error) {
	row := s.db.QueryRow(ctx,
		selectJobSQL+` WHERE stage = $1 AND status = $2
ORDER BY priority DESC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`,
		string(stage), string(harvest.JobStatusPending),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Job{}, false, nil
		}
		return harvest.Job{}, false, fmt.Errorf("next pending %s: %w", stage, err)
	}
	return job, true, nil
}

const updateJobSQL = `
UPDATE jobs SET
	stage = $2, status = $3, priority = $4,
	bound_account_id = $5, progress = $6, error_text = $7,
	started_at = $8, completed_at = $9
WHERE id = $1`

// UpdateJob persists stage, status, counters, and timestamps for a job.
func (s *JobStore) UpdateJob(ctx context.Context, job harvest.Job) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.db.Exec(ctx, updateJobSQL,
		job.ID, string(job.Stage), string(job.Status), job.Priority,
		nullable(job.BoundAccountID), progress, nullable(job.ErrorText),
		job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func marshalJobColumns(job harvest.Job) ([]byte, []byte, error) {
	ids, err := json.Marshal(job.SelectedAccountIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal selected account ids: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	return ids, progress, nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job      harvest.Job
		jobType  string
		stage    string
		status   string
		mode     string
		ids      []byte
		urls     []byte
		progress []byte
	)
	err := row.Scan(
		&job.ID, &jobType, &stage, &status, &job.Priority,
		&mode, &ids, &job.BoundAccountID,
		&urls, &job.SearchQuery, &progress, &job.ErrorText,
		&job.ParentJobID, &job.EnrichmentDepth,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return harvest.Job{}, err
	}
	job.Type = harvest.JobType(jobType)
	job.Stage = harvest.JobStage(stage)
	job.Status = harvest.JobStatus(status)
	job.AccountMode = harvest.AccountMode(mode)
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &job.SelectedAccountIDs); err != nil {
			return harvest.Job{}, fmt.Errorf("unmarshal selected account ids: %w", err)
		}
	}
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &job.URLs); err != nil {
			return harvest.Job{}, fmt.Errorf("unmarshal urls: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return harvest.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
