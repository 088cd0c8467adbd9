package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/metrics"
)

// ParseConfig controls parse stage behavior.
type ParseConfig struct {
	// CompletionTopic receives one event per completed job. Empty disables
	// publishing.
	CompletionTopic string
}

// ParseStage runs one parse/pending job to completion: snapshot replay
// through the parser, record persistence, enrichment, and the final job
// completion flip.
type ParseStage struct {
	jobs      harvest.JobStore
	snaps     harvest.SnapshotStore
	records   harvest.RecordStore
	blobs     harvest.BlobStore
	parser    harvest.Parser
	enricher  harvest.Enricher
	publisher harvest.Publisher
	clock     harvest.Clock
	ids       harvest.IDGenerator
	cfg       ParseConfig
	logger    *zap.Logger
}

// NewParseStage constructs a ParseStage.
func NewParseStage(
	jobs harvest.JobStore,
	snaps harvest.SnapshotStore,
	records harvest.RecordStore,
	blobs harvest.BlobStore,
	p harvest.Parser,
	enricher harvest.Enricher,
	publisher harvest.Publisher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	cfg ParseConfig,
	logger *zap.Logger,
) *ParseStage {
	return &ParseStage{
		jobs:      jobs,
		snaps:     snaps,
		records:   records,
		blobs:     blobs,
		parser:    p,
		enricher:  enricher,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the parse stage for one picked-up job. Per-snapshot failures
// are recorded and skipped; the job still completes. The returned error is
// reserved for storage failures the caller should log and back off from.
func (p *ParseStage) Execute(ctx context.Context, job harvest.Job) error {
	job.Status = harvest.JobStatusRunning
	terminal, err := p.updateJob(ctx, job, "mark job running")
	if err != nil {
		return err
	}
	if terminal {
		return nil
	}

	snaps, err := p.snaps.ListFetched(ctx, job.ID)
	if err != nil {
		return &harvest.StorageError{Op: "list fetched snapshots", Err: err}
	}

	for _, snap := range snaps {
		stopped, err := p.parseSnapshot(ctx, &job, snap)
		if err != nil {
			return err
		}
		if stopped {
			p.logger.Info("job cancelled externally, stopping parse", zap.String("job_id", job.ID))
			return nil
		}
	}

	now := p.clock.Now()
	job.Stage = harvest.JobStageCompleted
	job.Status = harvest.JobStatusCompleted
	job.CompletedAt = &now
	terminal, err = p.updateJob(ctx, job, "mark job completed")
	if err != nil {
		return err
	}
	if terminal {
		p.logger.Info("job cancelled externally, skipping completion", zap.String("job_id", job.ID))
		return nil
	}
	metrics.ObserveJob(string(harvest.JobStageParse), "completed")
	p.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("parsed", job.Progress.Parsed),
		zap.Int("failed", job.Progress.Failed))

	p.publishCompletion(ctx, job)
	return nil
}

func (p *ParseStage) parseSnapshot(ctx context.Context, job *harvest.Job, snap harvest.Snapshot) (bool, error) {
	content, err := p.snapshotContent(ctx, snap)
	if err != nil {
		p.logger.Error("snapshot content unavailable",
			zap.String("job_id", job.ID),
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
		return p.recordFailure(ctx, job, snap, fmt.Sprintf("content unavailable: %v", err))
	}

	record, parseErr := p.parser.Parse(content, snap.URL)
	if parseErr != nil {
		var typed *harvest.ParseError
		if !errors.As(parseErr, &typed) {
			return false, fmt.Errorf("parse snapshot %s: %w", snap.ID, parseErr)
		}
		p.logger.Warn("parse failed",
			zap.String("job_id", job.ID),
			zap.String("url", snap.URL),
			zap.String("reason", typed.Reason))
		metrics.ObserveParse(string(snap.PageType), "error")
		return p.recordFailure(ctx, job, snap, typed.Reason)
	}

	recordID, err := p.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("generate record id: %w", err)
	}
	record.ID = recordID
	record.JobID = job.ID
	record.SnapshotID = snap.ID
	record.ParsedAt = p.clock.Now()

	if err := p.records.SaveRecord(ctx, record); err != nil {
		return false, &harvest.StorageError{Op: "save record", Err: err}
	}
	if err := p.snaps.MarkParsed(ctx, snap.ID); err != nil {
		return false, &harvest.StorageError{Op: "mark snapshot parsed", Err: err}
	}
	job.Progress.Parsed++
	terminal, err := p.updateJob(ctx, *job, "update job progress")
	if err != nil || terminal {
		return terminal, err
	}
	metrics.ObserveParse(string(record.PageType), "parsed")

	// Enrichment failures never fail the parse stage; the record is already
	// durable.
	if p.enricher != nil {
		if err := p.enricher.Enrich(ctx, *job, record); err != nil {
			p.logger.Error("enrichment failed",
				zap.String("job_id", job.ID),
				zap.String("org_ref", record.OrgRef),
				zap.Error(err))
		}
	}
	return false, nil
}

// snapshotContent prefers inline content and falls back to the blob store.
func (p *ParseStage) snapshotContent(ctx context.Context, snap harvest.Snapshot) ([]byte, error) {
	if len(snap.Content) > 0 {
		return snap.Content, nil
	}
	if snap.BlobURI == "" {
		return nil, fmt.Errorf("snapshot %s has no content and no blob uri", snap.ID)
	}
	return p.blobs.GetObject(ctx, snap.BlobURI)
}

func (p *ParseStage) recordFailure(ctx context.Context, job *harvest.Job, snap harvest.Snapshot, reason string) (bool, error) {
	recordID, err := p.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("generate record id: %w", err)
	}
	failure := harvest.ParsedRecord{
		ID:         recordID,
		JobID:      job.ID,
		SnapshotID: snap.ID,
		PageType:   snap.PageType,
		Success:    false,
		ErrorText:  reason,
		ParsedAt:   p.clock.Now(),
	}
	if err := p.records.SaveRecord(ctx, failure); err != nil {
		return false, &harvest.StorageError{Op: "save failure record", Err: err}
	}
	if err := p.snaps.MarkFailed(ctx, snap.ID); err != nil {
		return false, &harvest.StorageError{Op: "mark snapshot failed", Err: err}
	}
	job.Progress.Failed++
	return p.updateJob(ctx, *job, "update job progress")
}

// updateJob persists the working copy unless another writer already moved the
// stored row to a terminal status, in which case the stored row wins and the
// stage stops. Without the reload a cancellation landing mid-stage would be
// overwritten.
func (p *ParseStage) updateJob(ctx context.Context, job harvest.Job, op string) (bool, error) {
	stored, err := p.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return false, &harvest.StorageError{Op: "reload job", Err: err}
	}
	if stored.Terminal() {
		return true, nil
	}
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		return false, &harvest.StorageError{Op: op, Err: err}
	}
	return false, nil
}

func (p *ParseStage) publishCompletion(ctx context.Context, job harvest.Job) {
	if p.publisher == nil || p.cfg.CompletionTopic == "" {
		return
	}
	payload := map[string]any{
		"job_id":       job.ID,
		"type":         string(job.Type),
		"status":       string(job.Status),
		"parent_job_id": job.ParentJobID,
		"progress": map[string]int{
			"total":   job.Progress.Total,
			"fetched": job.Progress.Fetched,
			"parsed":  job.Progress.Parsed,
			"failed":  job.Progress.Failed,
		},
		"completed_at": job.CompletedAt,
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.CompletionTopic, payload); err != nil {
		p.logger.Error("publish completion event failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}
