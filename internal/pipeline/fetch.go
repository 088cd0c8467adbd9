// Package pipeline executes the fetch and parse stages of a job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/metrics"
	"github.com/lanternworks/harvester/internal/parser"
)

// FetchConfig controls fetch stage behavior.
type FetchConfig struct {
	ContentType       string
	BlobPrefix        string
	NavTimeout        time.Duration
	DelayMin          time.Duration
	DelayMax          time.Duration
	SearchURLTemplate string
}

// FetchStage runs one fetch/pending job to completion: account selection,
// session acquisition, per-URL navigation with sentinel screening, snapshot
// persistence, and the stage flip to parse/pending.
type FetchStage struct {
	jobs     harvest.JobStore
	snaps    harvest.SnapshotStore
	blobs    harvest.BlobStore
	pool     harvest.AccountPool
	sessions harvest.SessionRegistry
	sentinel harvest.Sentinel
	hasher   harvest.Hasher
	clock    harvest.Clock
	ids      harvest.IDGenerator
	cfg      FetchConfig
	logger   *zap.Logger

	// sleep is swappable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration)
}

// NewFetchStage constructs a FetchStage.
func NewFetchStage(
	jobs harvest.JobStore,
	snaps harvest.SnapshotStore,
	blobs harvest.BlobStore,
	pool harvest.AccountPool,
	sessions harvest.SessionRegistry,
	sentinel harvest.Sentinel,
	hasher harvest.Hasher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	cfg FetchConfig,
	logger *zap.Logger,
) *FetchStage {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return &FetchStage{
		jobs:     jobs,
		snaps:    snaps,
		blobs:    blobs,
		pool:     pool,
		sessions: sessions,
		sentinel: sentinel,
		hasher:   hasher,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Execute runs the fetch stage for one picked-up job. Job-level failures are
// persisted on the job row; the returned error is reserved for storage
// failures the caller should log and back off from.
func (f *FetchStage) Execute(ctx context.Context, job harvest.Job) error {
	urls := f.targetURLs(job)
	if len(urls) == 0 {
		return f.failJob(ctx, job, "no target urls")
	}

	now := f.clock.Now()
	job.Status = harvest.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Progress.Total = len(urls)
	terminal, err := f.updateJob(ctx, job, "mark job running")
	if err != nil {
		return err
	}
	if terminal {
		return nil
	}

	account, err := f.pool.Select(ctx, job)
	if err != nil {
		if errors.Is(err, harvest.ErrNoAccountAvailable) {
			f.logger.Warn("no account available", zap.String("job_id", job.ID))
			return f.failJob(ctx, job, harvest.ErrNoAccountAvailable.Error())
		}
		return err
	}
	job.BoundAccountID = account.ID

	nav, err := f.sessions.GetOrCreate(ctx, account)
	if err != nil {
		f.logger.Error("session acquisition failed",
			zap.String("job_id", job.ID),
			zap.String("account_id", account.ID),
			zap.Error(err))
		if recErr := f.pool.RecordOutcome(ctx, account.ID, false); recErr != nil {
			f.logger.Error("record account outcome failed", zap.String("account_id", account.ID), zap.Error(recErr))
		}
		return f.failJob(ctx, job, err.Error())
	}

	for i, target := range urls {
		if err := f.pool.Wait(ctx, account.ID); err != nil {
			return f.failJob(ctx, job, fmt.Sprintf("rate limit wait: %v", err))
		}

		pageType := parser.PageTypeForURL(target)
		page, navErr := nav.Navigate(ctx, target, f.cfg.NavTimeout)
		if navErr != nil {
			f.logger.Warn("navigation failed",
				zap.String("job_id", job.ID),
				zap.String("url", target),
				zap.Error(navErr))
			metrics.ObserveFetch(string(pageType), "error", 0)
			if err := f.writeFailed(ctx, job.ID, target, pageType, i, navErr.Error()); err != nil {
				return err
			}
			job.Progress.Failed++
			terminal, err := f.updateJob(ctx, job, "update job progress")
			if err != nil {
				return err
			}
			if terminal {
				return nil
			}
			f.pause(ctx)
			continue
		}

		if f.sentinel.Classify(page.FinalURL, page.Title, page.Content) == harvest.VerdictChallenge {
			f.logger.Warn("anti-detection challenge",
				zap.String("job_id", job.ID),
				zap.String("url", target),
				zap.String("final_url", page.FinalURL),
				zap.String("account_id", account.ID))
			metrics.ObserveChallenge()
			metrics.ObserveFetch(string(pageType), "challenge", page.Duration)
			if err := f.writeFailed(ctx, job.ID, target, pageType, i, "anti-detection challenge"); err != nil {
				return err
			}
			job.Progress.Failed++
			if recErr := f.pool.RecordOutcome(ctx, account.ID, false); recErr != nil {
				f.logger.Error("record account outcome failed", zap.String("account_id", account.ID), zap.Error(recErr))
			}
			detected := &harvest.AntiDetectionError{URL: target, Reason: "challenge page detected"}
			return f.failJob(ctx, job, detected.Error())
		}

		terminal, err := f.persistPage(ctx, &job, target, pageType, i, page)
		if err != nil {
			return err
		}
		if terminal {
			f.logger.Info("job cancelled externally, stopping fetch", zap.String("job_id", job.ID))
			return nil
		}
		metrics.ObserveFetch(string(pageType), "fetched", page.Duration)
		f.logger.Debug("page fetched",
			zap.String("job_id", job.ID),
			zap.String("url", target),
			zap.Duration("duration", page.Duration))

		// Pacing applies after every URL, the last one included, so
		// back-to-back jobs on the same account keep a human cadence.
		f.pause(ctx)
	}

	if err := f.pool.RecordOutcome(ctx, account.ID, true); err != nil {
		f.logger.Error("record account outcome failed", zap.String("account_id", account.ID), zap.Error(err))
	}

	job.Stage = harvest.JobStageParse
	job.Status = harvest.JobStatusPending
	terminal, err = f.updateJob(ctx, job, "flip job to parse")
	if err != nil {
		return err
	}
	if terminal {
		f.logger.Info("job cancelled externally, skipping stage flip", zap.String("job_id", job.ID))
		return nil
	}
	metrics.ObserveJob(string(harvest.JobStageFetch), "completed")
	f.logger.Info("fetch stage complete",
		zap.String("job_id", job.ID),
		zap.Int("fetched", job.Progress.Fetched),
		zap.Int("failed", job.Progress.Failed))
	return nil
}

// targetURLs resolves the job's URL list, synthesizing a search results URL
// for query-only search jobs.
func (f *FetchStage) targetURLs(job harvest.Job) []string {
	if len(job.URLs) > 0 {
		return job.URLs
	}
	if job.SearchQuery != "" && f.cfg.SearchURLTemplate != "" {
		return []string{fmt.Sprintf(f.cfg.SearchURLTemplate, url.QueryEscape(job.SearchQuery))}
	}
	return nil
}

func (f *FetchStage) persistPage(ctx context.Context, job *harvest.Job, target string, pageType harvest.PageType, ordinal int, page harvest.Page) (bool, error) {
	hash, err := f.hasher.Hash(page.Content)
	if err != nil {
		return false, fmt.Errorf("hash content: %w", err)
	}
	uri, err := f.blobs.PutObject(ctx, f.buildBlobPath(job.ID, hash), f.cfg.ContentType, page.Content)
	if err != nil {
		return false, &harvest.StorageError{Op: "put blob", Err: err}
	}

	snapID, err := f.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := harvest.Snapshot{
		ID:          snapID,
		JobID:       job.ID,
		URL:         target,
		PageType:    pageType,
		Ordinal:     ordinal,
		Status:      harvest.SnapshotFetched,
		Content:     page.Content,
		ContentHash: hash,
		BlobURI:     uri,
		FetchedAt:   f.clock.Now(),
	}
	if err := f.snaps.Write(ctx, snap); err != nil {
		return false, &harvest.StorageError{Op: "write snapshot", Err: err}
	}

	job.Progress.Fetched++
	return f.updateJob(ctx, *job, "update job progress")
}

func (f *FetchStage) writeFailed(ctx context.Context, jobID, target string, pageType harvest.PageType, ordinal int, reason string) error {
	snapID, err := f.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := harvest.Snapshot{
		ID:            snapID,
		JobID:         jobID,
		URL:           target,
		PageType:      pageType,
		Ordinal:       ordinal,
		Status:        harvest.SnapshotFailed,
		FailureReason: reason,
		FetchedAt:     f.clock.Now(),
	}
	if err := f.snaps.Write(ctx, snap); err != nil {
		return &harvest.StorageError{Op: "write failed snapshot", Err: err}
	}
	return nil
}

func (f *FetchStage) failJob(ctx context.Context, job harvest.Job, reason string) error {
	now := f.clock.Now()
	job.Status = harvest.JobStatusFailed
	job.ErrorText = reason
	job.CompletedAt = &now
	terminal, err := f.updateJob(ctx, job, "mark job failed")
	if err != nil {
		return err
	}
	if terminal {
		return nil
	}
	metrics.ObserveJob(string(job.Stage), "failed")
	return nil
}

// updateJob persists the working copy unless another writer already moved the
// stored row to a terminal status, in which case the stored row wins and the
// stage stops. Without the reload a cancellation landing mid-stage would be
// overwritten.
func (f *FetchStage) updateJob(ctx context.Context, job harvest.Job, op string) (bool, error) {
	stored, err := f.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return false, &harvest.StorageError{Op: "reload job", Err: err}
	}
	if stored.Terminal() {
		return true, nil
	}
	if err := f.jobs.UpdateJob(ctx, job); err != nil {
		return false, &harvest.StorageError{Op: op, Err: err}
	}
	return false, nil
}

func (f *FetchStage) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(f.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// pause sleeps a uniform random duration inside the configured window.
func (f *FetchStage) pause(ctx context.Context) {
	d := f.cfg.DelayMin
	if f.cfg.DelayMax > f.cfg.DelayMin {
		d += time.Duration(rand.Int63n(int64(f.cfg.DelayMax - f.cfg.DelayMin + 1)))
	}
	if d <= 0 {
		return
	}
	f.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
