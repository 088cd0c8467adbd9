package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lanternworks/harvester/internal/harvest"
)

// SnapshotStore is a mutex-guarded in-memory snapshot store. Content is held
// inline; blob URIs are whatever the fetch stage recorded.
type SnapshotStore struct {
	mu    sync.RWMutex
	byID  map[string]harvest.Snapshot
	byJob map[string][]string
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		byID:  make(map[string]harvest.Snapshot),
		byJob: make(map[string][]string),
	}
}

// Write stores a snapshot row. Content is immutable once written.
func (s *SnapshotStore) Write(_ context.Context, snap harvest.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[snap.ID]; exists {
		return errors.New("snapshot already exists")
	}
	s.byID[snap.ID] = snap
	s.byJob[snap.JobID] = append(s.byJob[snap.JobID], snap.ID)
	return nil
}

// ListFetched returns the job's snapshots with status=fetched in ordinal order.
func (s *SnapshotStore) ListFetched(_ context.Context, jobID string) ([]harvest.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Snapshot, 0)
	for _, id := range s.byJob[jobID] {
		snap := s.byID[id]
		if snap.Status == harvest.SnapshotFetched {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// ListAll returns every snapshot of a job in ordinal order.
func (s *SnapshotStore) ListAll(_ context.Context, jobID string) ([]harvest.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Snapshot, 0, len(s.byJob[jobID]))
	for _, id := range s.byJob[jobID] {
		out = append(out, s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// MarkParsed transitions one snapshot to parsed.
func (s *SnapshotStore) MarkParsed(_ context.Context, snapshotID string) error {
	return s.setStatus(snapshotID, harvest.SnapshotParsed)
}

// MarkFailed transitions one snapshot to failed.
func (s *SnapshotStore) MarkFailed(_ context.Context, snapshotID string) error {
	return s.setStatus(snapshotID, harvest.SnapshotFailed)
}

func (s *SnapshotStore) setStatus(snapshotID string, status harvest.SnapshotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[snapshotID]
	if !ok {
		return errors.New("snapshot not found")
	}
	snap.Status = status
	s.byID[snapshotID] = snap
	return nil
}
