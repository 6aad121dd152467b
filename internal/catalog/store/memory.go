package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// MemoryStore is an in-process WorkflowStore backed by a map, guarded by
// a RWMutex. It is the default test double for pipeline/stage tests and
// is also suitable for single-process smoke runs that don't need
// cross-restart durability.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*catalog.Item
	batchJobs map[string]catalog.BatchJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*catalog.Item),
		batchJobs: make(map[string]catalog.BatchJob),
	}
}

func cloneItem(it *catalog.Item) *catalog.Item {
	cp := *it
	cp.FailureHistory = append([]catalog.FailureRecord(nil), it.FailureHistory...)
	return &cp
}

func (s *MemoryStore) CreateOrLoadItem(_ context.Context, barcode string, medium catalog.Medium) (*catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[barcode]; ok {
		return cloneItem(existing), nil
	}

	now := time.Now()
	it := &catalog.Item{
		Barcode:      barcode,
		Medium:       medium,
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentStage: catalog.StageExtract,
	}
	s.items[barcode] = it
	return cloneItem(it), nil
}

func (s *MemoryStore) GetItem(_ context.Context, barcode string) (*catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[barcode]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) SaveStage(_ context.Context, barcode string, stage catalog.Stage, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[barcode]
	if !ok {
		return ErrNotFound
	}

	switch stage {
	case catalog.StageExtract:
		it.Extraction = record.(*catalog.ExtractionRecord)
	case catalog.StageSearch:
		it.SearchResult = record.(*catalog.SearchRecord)
	case catalog.StageSelect:
		it.Selection = record.(*catalog.SelectionRecord)
	case catalog.StageVerify:
		it.Verification = record.(*catalog.VerificationRecord)
	case catalog.StageDispose:
		it.Disposition = record.(*catalog.DispositionRecord)
	}

	it.CurrentStage = stage.Next()
	it.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, stage catalog.Stage, limit int) ([]*catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Item
	for _, it := range s.items {
		if it.CurrentStage == stage {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Barcode < out[j].Barcode })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, barcode string, fr catalog.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[barcode]
	if !ok {
		return ErrNotFound
	}
	it.FailureHistory = append(it.FailureHistory, fr)
	if !fr.Retryable {
		it.CurrentStage = catalog.StageFailed
	}
	it.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RegisterBatchJob(_ context.Context, job catalog.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchJobs[job.JobID] = job
	return nil
}

func (s *MemoryStore) ListOpenBatchJobs(_ context.Context, provider string) ([]catalog.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.BatchJob
	for _, j := range s.batchJobs {
		if j.Provider != provider {
			continue
		}
		switch j.Status {
		case "completed", "failed", "expired":
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (s *MemoryStore) CloseBatchJob(_ context.Context, jobID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.batchJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.ClosedAt = time.Now()
	s.batchJobs[jobID] = job
	return nil
}

func (s *MemoryStore) Close() error { return nil }
