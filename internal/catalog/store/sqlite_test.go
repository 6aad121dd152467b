package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_createLoadAdvance(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLiteStore(t)

	it, err := s.CreateOrLoadItem(ctx, "059173017359115", catalog.MediumCD)
	require.NoError(t, err)
	require.Equal(t, catalog.StageExtract, it.CurrentStage)

	again, err := s.CreateOrLoadItem(ctx, "059173017359115", catalog.MediumCD)
	require.NoError(t, err)
	require.Equal(t, it.Barcode, again.Barcode)

	err = s.SaveStage(ctx, it.Barcode, catalog.StageExtract, &catalog.ExtractionRecord{Title: "Greatest Hits"})
	require.NoError(t, err)

	loaded, err := s.GetItem(ctx, it.Barcode)
	require.NoError(t, err)
	require.Equal(t, catalog.StageSearch, loaded.CurrentStage)
	require.NotNil(t, loaded.Extraction)
	require.Equal(t, "Greatest Hits", loaded.Extraction.Title)
}

func TestSQLiteStore_fullStageProgressionRoundTrips(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLiteStore(t)

	it, err := s.CreateOrLoadItem(ctx, "bc1", catalog.MediumLP)
	require.NoError(t, err)

	require.NoError(t, s.SaveStage(ctx, it.Barcode, catalog.StageExtract, &catalog.ExtractionRecord{Title: "Abbey Road"}))
	require.NoError(t, s.SaveStage(ctx, it.Barcode, catalog.StageSearch, &catalog.SearchRecord{
		Candidates: []catalog.BibCandidate{{OCLCNumber: "123", Title: "Abbey Road"}},
	}))
	require.NoError(t, s.SaveStage(ctx, it.Barcode, catalog.StageSelect, &catalog.SelectionRecord{SelectedOCLCNumber: "123", Confidence: 90}))
	require.NoError(t, s.SaveStage(ctx, it.Barcode, catalog.StageVerify, &catalog.VerificationRecord{Passed: true, FinalConfidence: 90}))
	require.NoError(t, s.SaveStage(ctx, it.Barcode, catalog.StageDispose, &catalog.DispositionRecord{Group: catalog.DispositionAlmaBatch}))

	loaded, err := s.GetItem(ctx, it.Barcode)
	require.NoError(t, err)
	require.Equal(t, catalog.StageDisposed, loaded.CurrentStage)
	require.Equal(t, "Abbey Road", loaded.Extraction.Title)
	require.Len(t, loaded.SearchResult.Candidates, 1)
	require.Equal(t, "123", loaded.Selection.SelectedOCLCNumber)
	require.True(t, loaded.Verification.Passed)
	require.Equal(t, catalog.DispositionAlmaBatch, loaded.Disposition.Group)
}

func TestSQLiteStore_listPendingOrderedAndLimited(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLiteStore(t)

	for _, bc := range []string{"300", "100", "200"} {
		_, err := s.CreateOrLoadItem(ctx, bc, catalog.MediumLP)
		require.NoError(t, err)
	}

	pending, err := s.ListPending(ctx, catalog.StageExtract, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []string{"100", "200", "300"}, []string{pending[0].Barcode, pending[1].Barcode, pending[2].Barcode})

	limited, err := s.ListPending(ctx, catalog.StageExtract, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestSQLiteStore_recordFailureParksNonRetryable(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLiteStore(t)

	it, err := s.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	err = s.RecordFailure(ctx, it.Barcode, catalog.FailureRecord{Stage: catalog.StageExtract, Message: "bad scan", Retryable: false})
	require.NoError(t, err)

	loaded, err := s.GetItem(ctx, it.Barcode)
	require.NoError(t, err)
	require.Equal(t, catalog.StageFailed, loaded.CurrentStage)
	require.Len(t, loaded.FailureHistory, 1)
	require.Equal(t, "bad scan", loaded.FailureHistory[0].Message)
}

func TestSQLiteStore_batchJobLifecycle(t *testing.T) {
	ctx := t.Context()
	s := newTestSQLiteStore(t)

	job := catalog.BatchJob{JobID: "batch_abc123", Provider: "anthropic", Stage: catalog.StageExtract, Barcodes: []string{"bc1", "bc2"}, Status: "in_progress"}
	require.NoError(t, s.RegisterBatchJob(ctx, job))

	open, err := s.ListOpenBatchJobs(ctx, "anthropic")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, []string{"bc1", "bc2"}, open[0].Barcodes)

	require.NoError(t, s.CloseBatchJob(ctx, job.JobID, "completed"))

	open, err = s.ListOpenBatchJobs(ctx, "anthropic")
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestSQLiteStore_getItemNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.GetItem(t.Context(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
