package runctl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/catalog/store"
	"github.com/utlibraries/audiocat/internal/emit"
)

func fastPolicy() catalog.RetryPolicy {
	return catalog.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Retryable: catalog.IsRetryable}
}

func handleAllStages(c *RunController) {
	c.Handle(catalog.StageExtract, func(ctx context.Context, item *catalog.Item) (any, error) {
		return &catalog.ExtractionRecord{Title: "t"}, nil
	})
	c.Handle(catalog.StageSearch, func(ctx context.Context, item *catalog.Item) (any, error) {
		return &catalog.SearchRecord{}, nil
	})
	c.Handle(catalog.StageSelect, func(ctx context.Context, item *catalog.Item) (any, error) {
		return &catalog.SelectionRecord{SelectedOCLCNumber: "0"}, nil
	})
	c.Handle(catalog.StageVerify, func(ctx context.Context, item *catalog.Item) (any, error) {
		return &catalog.VerificationRecord{Passed: true, FinalConfidence: 50}, nil
	})
	c.Handle(catalog.StageDispose, func(ctx context.Context, item *catalog.Item) (any, error) {
		return &catalog.DispositionRecord{Group: catalog.DispositionCatalogerReview}, nil
	})
}

func TestRunController_drivesItemThroughEveryStage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	c := NewRunController(st, nil, 2)
	c.Policy = fastPolicy()
	handleAllStages(c)

	state, err := c.Run(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, 5, state.ItemsProcessed)
	require.Equal(t, 0, state.ItemsFailed)

	item, err := st.GetItem(ctx, "bc1")
	require.NoError(t, err)
	require.Equal(t, catalog.StageDisposed, item.CurrentStage)
	require.NotNil(t, item.Disposition)
}

func TestRunController_missingWorkerFailsRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	c := NewRunController(st, nil, 1)
	c.Policy = fastPolicy()

	_, err = c.Run(ctx, "run1")
	require.Error(t, err)
}

func TestRunController_nonRetryableFailureParksItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	c := NewRunController(st, nil, 1)
	c.Policy = fastPolicy()
	c.Handle(catalog.StageExtract, func(ctx context.Context, item *catalog.Item) (any, error) {
		return nil, catalog.NewStageError(catalog.ErrCodeParseError, catalog.StageExtract, item.Barcode, "bad scan", nil)
	})
	c.Handle(catalog.StageSearch, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.SearchRecord{}, nil })
	c.Handle(catalog.StageSelect, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.SelectionRecord{}, nil })
	c.Handle(catalog.StageVerify, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.VerificationRecord{}, nil })
	c.Handle(catalog.StageDispose, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.DispositionRecord{}, nil })

	state, err := c.Run(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, 1, state.ItemsFailed)

	item, err := st.GetItem(ctx, "bc1")
	require.NoError(t, err)
	require.Equal(t, catalog.StageFailed, item.CurrentStage)
	require.Len(t, item.FailureHistory, 1)
}

func TestRunController_batchWorkerRunsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, bc := range []string{"bc1", "bc2", "bc3"} {
		_, err := st.CreateOrLoadItem(ctx, bc, catalog.MediumCD)
		require.NoError(t, err)
	}

	c := NewRunController(st, nil, 2)
	c.Policy = fastPolicy()
	c.BatchThreshold = 2

	var batchCalls, syncCalls int32
	c.HandleBatch(catalog.StageExtract, func(ctx context.Context, items []*catalog.Item) (map[string]any, map[string]error, error) {
		atomic.AddInt32(&batchCalls, 1)
		records := make(map[string]any, len(items))
		for _, item := range items {
			records[item.Barcode] = &catalog.ExtractionRecord{Title: "batched"}
		}
		return records, nil, nil
	})
	c.Handle(catalog.StageExtract, func(ctx context.Context, item *catalog.Item) (any, error) {
		atomic.AddInt32(&syncCalls, 1)
		return &catalog.ExtractionRecord{Title: "sync"}, nil
	})
	c.Handle(catalog.StageSearch, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.SearchRecord{}, nil })
	c.Handle(catalog.StageSelect, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.SelectionRecord{}, nil })
	c.Handle(catalog.StageVerify, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.VerificationRecord{Passed: true}, nil })
	c.Handle(catalog.StageDispose, func(ctx context.Context, item *catalog.Item) (any, error) { return &catalog.DispositionRecord{}, nil })

	state, err := c.Run(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, 15, state.ItemsProcessed) // 3 items * 5 stages
	require.Equal(t, int32(1), atomic.LoadInt32(&batchCalls))
	require.Equal(t, int32(0), atomic.LoadInt32(&syncCalls))

	item, err := st.GetItem(ctx, "bc1")
	require.NoError(t, err)
	require.Equal(t, "batched", item.Extraction.Title)
}

func TestRunController_belowThresholdUsesSyncWorker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	c := NewRunController(st, nil, 1)
	c.Policy = fastPolicy()
	c.BatchThreshold = 5

	var batchCalls int32
	c.HandleBatch(catalog.StageExtract, func(ctx context.Context, items []*catalog.Item) (map[string]any, map[string]error, error) {
		atomic.AddInt32(&batchCalls, 1)
		return nil, nil, nil
	})
	handleAllStages(c)

	_, err = c.Run(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, int32(0), atomic.LoadInt32(&batchCalls))
}

func TestRunController_resumeAppliesOpenJobsBeforeRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreateOrLoadItem(ctx, "bc1", catalog.MediumCD)
	require.NoError(t, err)

	c := NewRunController(st, emit.NewBufferedEmitter(), 1)
	c.Policy = fastPolicy()

	var resumeCalls int32
	c.HandleResume(catalog.StageExtract, func(ctx context.Context, runID string) (map[string]any, map[string]error, error) {
		atomic.AddInt32(&resumeCalls, 1)
		return map[string]any{"bc1": &catalog.ExtractionRecord{Title: "resumed"}}, nil, nil
	})
	handleAllStages(c)

	state, err := c.Resume(ctx, "run1")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&resumeCalls))
	// 4 remaining stages processed through the sync loop after resume
	// applies the extraction stage directly.
	require.Equal(t, 4, state.ItemsProcessed)

	item, err := st.GetItem(ctx, "bc1")
	require.NoError(t, err)
	require.Equal(t, "resumed", item.Extraction.Title)
	require.Equal(t, catalog.StageDisposed, item.CurrentStage)
}
