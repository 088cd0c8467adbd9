// Package memory provides in-memory store implementations for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lanternworks/harvester/internal/harvest"
)

// JobStore is a mutex-guarded in-memory job store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]harvest.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]harvest.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, errors.New("job not found")
	}
	return job, nil
}

// NextPending returns the oldest highest-priority pending job in the stage.
func (s *JobStore) NextPending(_ context.Context, stage harvest.JobStage) (harvest.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]harvest.Job, 0)
	for _, job := range s.jobs {
		if job.Stage == stage && job.Status == harvest.JobStatusPending {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return harvest.Job{}, false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true, nil
}

// UpdateJob replaces the stored job row.
func (s *JobStore) UpdateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return errors.New("job not found")
	}
	s.jobs[job.ID] = job
	return nil
}
