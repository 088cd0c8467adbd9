// Package enrich spawns follow-on organization jobs from parsed records.
package enrich

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/metrics"
)

// Trigger creates at most one child job per organization reference. Dedupe
// runs against persisted organization records plus an in-memory set of
// references a child job was already spawned for, since a spawned job's
// record only lands in the store after its own parse stage finishes.
type Trigger struct {
	mu      sync.Mutex
	spawned map[string]struct{}

	jobs     harvest.JobStore
	records  harvest.RecordStore
	ids      harvest.IDGenerator
	clock    harvest.Clock
	maxDepth int
	urlTmpl  string
	logger   *zap.Logger
}

// NewTrigger wires the enrichment trigger. maxDepth bounds how many
// generations of child jobs a single intake job can produce; urlTmpl must
// contain one %s verb for the organization reference.
func NewTrigger(jobs harvest.JobStore, records harvest.RecordStore, ids harvest.IDGenerator, clock harvest.Clock, maxDepth int, urlTmpl string, logger *zap.Logger) *Trigger {
	return &Trigger{
		spawned:  make(map[string]struct{}),
		jobs:     jobs,
		records:  records,
		ids:      ids,
		clock:    clock,
		maxDepth: maxDepth,
		urlTmpl:  urlTmpl,
		logger:   logger,
	}
}

// Enrich inspects one parsed record and creates a child organization job when
// the referenced organization has not been harvested or queued yet.
func (t *Trigger) Enrich(ctx context.Context, parent harvest.Job, record harvest.ParsedRecord) error {
	if !record.Success || record.OrgRef == "" {
		return nil
	}
	if parent.EnrichmentDepth >= t.maxDepth {
		t.logger.Debug("enrichment depth reached, not spawning",
			zap.String("job_id", parent.ID),
			zap.String("org_ref", record.OrgRef),
			zap.Int("depth", parent.EnrichmentDepth))
		return nil
	}
	// An organization record never re-spawns a job for itself.
	if record.PageType == harvest.PageTypeOrganization {
		return nil
	}

	t.mu.Lock()
	if _, ok := t.spawned[record.OrgRef]; ok {
		t.mu.Unlock()
		return nil
	}
	// Claim the reference before the store round trip so a concurrent parse
	// of the same reference cannot double-spawn.
	t.spawned[record.OrgRef] = struct{}{}
	t.mu.Unlock()

	exists, err := t.records.HasOrganization(ctx, record.OrgRef)
	if err != nil {
		t.release(record.OrgRef)
		return &harvest.StorageError{Op: "has organization", Err: err}
	}
	if exists {
		return nil
	}

	childID, err := t.ids.NewID()
	if err != nil {
		t.release(record.OrgRef)
		return fmt.Errorf("generate child job id: %w", err)
	}
	child := harvest.Job{
		ID:                 childID,
		Type:               harvest.JobTypeOrganization,
		Stage:              harvest.JobStageFetch,
		Status:             harvest.JobStatusPending,
		Priority:           parent.Priority + 1,
		AccountMode:        parent.AccountMode,
		SelectedAccountIDs: parent.SelectedAccountIDs,
		URLs:               []string{fmt.Sprintf(t.urlTmpl, record.OrgRef)},
		Progress:           harvest.JobProgress{Total: 1},
		ParentJobID:        parent.ID,
		EnrichmentDepth:    parent.EnrichmentDepth + 1,
		CreatedAt:          t.clock.Now(),
	}
	if err := t.jobs.CreateJob(ctx, child); err != nil {
		t.release(record.OrgRef)
		return &harvest.StorageError{Op: "create child job", Err: err}
	}

	metrics.ObserveEnrichment()
	t.logger.Info("spawned enrichment job",
		zap.String("job_id", child.ID),
		zap.String("parent_job_id", parent.ID),
		zap.String("org_ref", record.OrgRef),
		zap.Int("depth", child.EnrichmentDepth))
	return nil
}

func (t *Trigger) release(orgRef string) {
	t.mu.Lock()
	delete(t.spawned, orgRef)
	t.mu.Unlock()
}
