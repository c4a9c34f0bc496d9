package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type batchKey struct {
	jobID uint
	index int
}

// MemoryStore is an in-process Store with the same semantics as GormStore.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  uint
	jobs    map[uint]*Job
	batches map[batchKey]struct{}
	errors  map[uint][]RowError
	docs    map[uint][]Document
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    map[uint]*Job{},
		batches: map[batchKey]struct{}{},
		errors:  map[uint][]RowError{},
		docs:    map[uint][]Document{},
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	stored := *job
	stored.ID = s.nextID
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	stored.ProcessedRows, stored.SuccessCount, stored.FailureCount = 0, 0, 0
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.jobs[stored.ID] = &stored
	*job = stored
	return nil
}

func (s *MemoryStore) get(id uint) (*Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *MemoryStore) Get(_ context.Context, id uint) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.Status == StatusPending {
		job.Status = StatusProcessing
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) BatchApplied(_ context.Context, jobID uint, batchIndex int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.batches[batchKey{jobID, batchIndex}]
	return ok, nil
}

func (s *MemoryStore) ApplyBatch(_ context.Context, res BatchResult) (bool, error) {
	if err := res.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey{res.JobID, res.BatchIndex}
	if _, dup := s.batches[key]; dup {
		return false, nil
	}
	job, err := s.get(res.JobID)
	if err != nil {
		return false, err
	}
	s.batches[key] = struct{}{}
	job.ProcessedRows += res.RowCount
	job.SuccessCount += res.Succeeded
	job.FailureCount += res.Failed
	job.UpdatedAt = time.Now()
	s.errors[res.JobID] = append(s.errors[res.JobID], res.Errors...)
	return true, nil
}

func (s *MemoryStore) ClaimFinalization(_ context.Context, jobID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	if job.FinalizedAt != nil || !job.Done() {
		return false, nil
	}
	now := time.Now()
	job.FinalizedAt = &now
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID uint, status Status, resultKey string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job %d with %q: %w", jobID, status, ErrInvalidTerminal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.ResultKey = resultKey
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddDocument(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs[doc.JobID] {
		if d.RowIndex == doc.RowIndex {
			return nil
		}
	}
	s.docs[doc.JobID] = append(s.docs[doc.JobID], doc)
	return nil
}

func (s *MemoryStore) Documents(_ context.Context, jobID uint) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Document(nil), s.docs[jobID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (s *MemoryStore) Errors(_ context.Context, jobID uint) ([]RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]RowError(nil), s.errors[jobID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}
