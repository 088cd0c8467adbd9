package memory

import (
	"context"
	"sync"

	"github.com/lanternworks/harvester/internal/harvest"
)

// RecordStore is a mutex-guarded in-memory parsed-record store.
type RecordStore struct {
	mu      sync.RWMutex
	byJob   map[string][]harvest.ParsedRecord
	orgRefs map[string]struct{}
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byJob:   make(map[string][]harvest.ParsedRecord),
		orgRefs: make(map[string]struct{}),
	}
}

// SaveRecord appends a parsed record. Organization records index their own
// identity so enrichment can skip targets that were already harvested.
func (s *RecordStore) SaveRecord(_ context.Context, record harvest.ParsedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byJob[record.JobID] = append(s.byJob[record.JobID], record)
	if record.PageType == harvest.PageTypeOrganization && record.OrgRef != "" {
		s.orgRefs[record.OrgRef] = struct{}{}
	}
	return nil
}

// ListRecords returns all records stored for a job.
func (s *RecordStore) ListRecords(_ context.Context, jobID string) ([]harvest.ParsedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.byJob[jobID]
	out := make([]harvest.ParsedRecord, len(records))
	copy(out, records)
	return out, nil
}

// HasOrganization reports whether an organization record with this identity
// has been harvested.
func (s *RecordStore) HasOrganization(_ context.Context, orgRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orgRefs[orgRef]
	return ok, nil
}
