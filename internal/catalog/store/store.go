// Package store implements WorkflowStore, the single durable source of
// truth for per-item pipeline progress. Every stage worker reads its
// eligible items and writes its results exclusively through this
// interface; no in-memory pipeline state survives a crash on its own.
package store

import (
	"context"
	"errors"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// ErrNotFound is returned when an item or batch job does not exist.
var ErrNotFound = errors.New("store: not found")

// WorkflowStore is the durable per-item state contract every pipeline
// stage depends on (§4.1).
type WorkflowStore interface {
	// CreateOrLoadItem returns the existing item for barcode, or creates
	// one at StageExtract if none exists yet.
	CreateOrLoadItem(ctx context.Context, barcode string, medium catalog.Medium) (*catalog.Item, error)

	// GetItem loads one item by barcode. Returns ErrNotFound if absent.
	GetItem(ctx context.Context, barcode string) (*catalog.Item, error)

	// SaveStage persists the result of one stage for one item and
	// advances CurrentStage to stage.Next(). record must be the pointer
	// type matching stage (*catalog.ExtractionRecord for StageExtract,
	// and so on).
	SaveStage(ctx context.Context, barcode string, stage catalog.Stage, record any) error

	// ListPending returns up to limit items whose CurrentStage equals
	// stage, ordered by barcode for deterministic processing order. A
	// limit <= 0 means no limit.
	ListPending(ctx context.Context, stage catalog.Stage, limit int) ([]*catalog.Item, error)

	// RecordFailure appends a FailureRecord to an item's history. If
	// fr.Retryable is false, the item's CurrentStage is set to
	// StageFailed so it stops appearing in ListPending.
	RecordFailure(ctx context.Context, barcode string, fr catalog.FailureRecord) error

	// RegisterBatchJob records a newly submitted provider batch job.
	RegisterBatchJob(ctx context.Context, job catalog.BatchJob) error

	// ListOpenBatchJobs returns batch jobs for provider whose Status is
	// not yet a terminal one ("completed"/"failed"/"expired"), so a
	// resumed run can re-poll them instead of resubmitting.
	ListOpenBatchJobs(ctx context.Context, provider string) ([]catalog.BatchJob, error)

	// CloseBatchJob marks a batch job with its terminal status.
	CloseBatchJob(ctx context.Context, jobID string, status string) error

	// Close releases any underlying resources (database connections,
	// file handles).
	Close() error
}
