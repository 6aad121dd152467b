// Package runctl implements RunController, the top-level driver that
// walks every item through the five pipeline stages. Unlike a general
// graph executor, the pipeline's topology is a fixed linear chain, so
// the controller is a straight sequential loop over stages rather than
// a scheduler over an arbitrary node graph: each stage drains its own
// pending queue (with bounded intra-stage fan-out) before the next
// stage starts, and a crash or restart resumes cleanly because all
// per-item progress lives in WorkflowStore, not in controller memory.
package runctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/catalog/store"
	"github.com/utlibraries/audiocat/internal/emit"
)

// StageWorker processes one item at its current stage and returns the
// stage record to persist. The concrete record type must match what
// store.WorkflowStore.SaveStage expects for that stage.
type StageWorker func(ctx context.Context, item *catalog.Item) (any, error)

// BatchWorker processes every pending item of a stage as a single
// provider batch submission instead of one call per item. records maps
// a barcode to the stage record SaveStage should persist for it;
// itemErrors maps a barcode to a per-item failure that shouldn't stop
// the rest of the batch. err is reserved for a failure that invalidates
// the whole submission (a submitted job could not be registered, polled
// or fetched), which aborts the stage the same way a StageWorker error
// would.
type BatchWorker func(ctx context.Context, items []*catalog.Item) (records map[string]any, itemErrors map[string]error, err error)

// BatchResumer re-polls whatever provider batch jobs a stage left open
// from an earlier, interrupted run of runID, before Resume falls
// through to the normal per-item Run loop. Its return shape mirrors
// BatchWorker's.
type BatchResumer func(ctx context.Context, runID string) (records map[string]any, itemErrors map[string]error, err error)

// PipelineState holds only run-level counters; all durable per-item
// state lives in WorkflowStore, which keeps checkpoint-equivalent state
// small and makes resuming a crashed run just a matter of re-listing
// each stage's pending queue.
type PipelineState struct {
	RunID          string
	ItemsProcessed int
	ItemsFailed    int
	StartedAt      time.Time
}

// RunController drives items through StageExtract -> StageSearch ->
// StageSelect -> StageVerify -> StageDispose -> StageDisposed.
type RunController struct {
	Store       store.WorkflowStore
	Emitter     emit.Emitter
	Policy      catalog.RetryPolicy
	Concurrency int // max in-flight items per stage; <= 0 means 1

	// BatchThreshold is the pending-item count at or above which a stage
	// with a registered BatchWorker runs in batch mode instead of
	// fanning out StageWorker calls one item at a time. A stage with no
	// BatchWorker always runs through StageWorker regardless of count.
	BatchThreshold int

	workers      map[catalog.Stage]StageWorker
	batchWorkers map[catalog.Stage]BatchWorker
	resumers     map[catalog.Stage]BatchResumer

	mu    sync.Mutex
	state PipelineState
}

// stageOrder is the pipeline's fixed topology.
var stageOrder = []catalog.Stage{
	catalog.StageExtract,
	catalog.StageSearch,
	catalog.StageSelect,
	catalog.StageVerify,
	catalog.StageDispose,
}

// NewRunController builds a controller with the default retry policy.
// Register stage workers with Handle before calling Run.
func NewRunController(st store.WorkflowStore, emitter emit.Emitter, concurrency int) *RunController {
	return &RunController{
		Store:        st,
		Emitter:      emitter,
		Policy:       catalog.DefaultRetryPolicy(),
		Concurrency:  concurrency,
		workers:      make(map[catalog.Stage]StageWorker),
		batchWorkers: make(map[catalog.Stage]BatchWorker),
		resumers:     make(map[catalog.Stage]BatchResumer),
	}
}

// Handle registers the sync, one-item-at-a-time worker for a stage.
func (c *RunController) Handle(stage catalog.Stage, worker StageWorker) {
	c.workers[stage] = worker
}

// HandleBatch registers a stage's batch-mode worker. Register both
// Handle and HandleBatch for a stage to let it fall back to sync mode
// when its pending count is below BatchThreshold.
func (c *RunController) HandleBatch(stage catalog.Stage, worker BatchWorker) {
	c.batchWorkers[stage] = worker
}

// HandleResume registers a stage's batch-job recovery hook, consulted
// by Resume before the normal Run loop starts.
func (c *RunController) HandleResume(stage catalog.Stage, resumer BatchResumer) {
	c.resumers[stage] = resumer
}

// Run drains every stage in order for runID, returning once every item
// has either reached StageDisposed or StageFailed, or ctx is cancelled.
// Calling Run again for a runID whose items are mid-pipeline resumes
// exactly where they left off, since pending-item membership is
// determined entirely by each item's CurrentStage in the store.
func (c *RunController) Run(ctx context.Context, runID string) (PipelineState, error) {
	c.mu.Lock()
	c.state = PipelineState{RunID: runID, StartedAt: time.Now()}
	c.mu.Unlock()

	c.emit(runID, "", "run_start", nil)

	for _, stage := range stageOrder {
		worker, ok := c.workers[stage]
		if !ok {
			return c.snapshot(), fmt.Errorf("runctl: no worker registered for stage %s", stage)
		}
		if err := c.runStage(ctx, runID, stage, worker); err != nil {
			c.emit(runID, string(stage), "run_aborted", map[string]interface{}{"error": err.Error()})
			return c.snapshot(), err
		}
	}

	c.emit(runID, "", "run_complete", map[string]interface{}{
		"items_processed": c.snapshot().ItemsProcessed,
		"items_failed":    c.snapshot().ItemsFailed,
	})
	return c.snapshot(), nil
}

// Resume recovers any provider batch jobs left open by an earlier,
// interrupted run of runID before falling through to Run. A stage
// with no registered BatchResumer is left untouched here; Run's normal
// pending-queue scan picks its items up the same way it would for a
// run that was never interrupted.
func (c *RunController) Resume(ctx context.Context, runID string) (PipelineState, error) {
	for _, stage := range stageOrder {
		resumer, ok := c.resumers[stage]
		if !ok {
			continue
		}

		records, itemErrors, err := resumer(ctx, runID)
		if err != nil {
			return c.snapshot(), fmt.Errorf("runctl: resume %s: %w", stage, err)
		}

		for barcode, record := range records {
			if err := c.Store.SaveStage(ctx, barcode, stage, record); err != nil {
				return c.snapshot(), fmt.Errorf("runctl: resume save stage %s for %s: %w", stage, barcode, err)
			}
			c.emit(runID, string(stage), "item_finished", map[string]interface{}{"barcode": barcode, "resumed": true})
		}
		for barcode, itemErr := range itemErrors {
			if err := c.recordItemFailure(ctx, runID, stage, barcode, itemErr); err != nil {
				return c.snapshot(), err
			}
		}
	}

	return c.Run(ctx, runID)
}

func (c *RunController) runStage(ctx context.Context, runID string, stage catalog.Stage, worker StageWorker) error {
	c.emit(runID, string(stage), "stage_start", nil)

	limit := c.Concurrency
	if limit <= 0 {
		limit = 1
	}

	for {
		pending, err := c.Store.ListPending(ctx, stage, 0)
		if err != nil {
			return fmt.Errorf("runctl: list pending for %s: %w", stage, err)
		}
		if len(pending) == 0 {
			break
		}

		if batchWorker, ok := c.batchWorkers[stage]; ok && len(pending) >= c.BatchThreshold && c.BatchThreshold > 0 {
			if err := c.runBatchStage(ctx, runID, stage, batchWorker, pending); err != nil {
				return err
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for _, item := range pending {
			item := item
			g.Go(func() error {
				return c.processItem(gctx, runID, stage, worker, item)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	c.emit(runID, string(stage), "stage_end", nil)
	return nil
}

// runBatchStage drives one batch-mode pass over pending: the whole
// slice goes to worker in one call instead of one StageWorker call per
// item, since that's what lets a BatchWorker submit every barcode as a
// single provider batch job rather than one request apiece.
func (c *RunController) runBatchStage(ctx context.Context, runID string, stage catalog.Stage, worker BatchWorker, pending []*catalog.Item) error {
	c.emit(runID, string(stage), "batch_stage_start", map[string]interface{}{"items": len(pending)})

	records, itemErrors, err := worker(ctx, pending)
	if err != nil {
		return fmt.Errorf("runctl: batch worker for %s: %w", stage, err)
	}

	for _, item := range pending {
		if ierr, failed := itemErrors[item.Barcode]; failed {
			if err := c.recordItemFailure(ctx, runID, stage, item.Barcode, ierr); err != nil {
				return err
			}
			continue
		}

		record, ok := records[item.Barcode]
		if !ok {
			return fmt.Errorf("runctl: batch worker for %s returned no outcome for %s", stage, item.Barcode)
		}
		if err := c.Store.SaveStage(ctx, item.Barcode, stage, record); err != nil {
			return fmt.Errorf("runctl: save stage %s for %s: %w", stage, item.Barcode, err)
		}
		c.bumpProcessed()
		c.emit(runID, string(stage), "item_finished", map[string]interface{}{"barcode": item.Barcode})
	}

	c.emit(runID, string(stage), "batch_stage_end", nil)
	return nil
}

func (c *RunController) recordItemFailure(ctx context.Context, runID string, stage catalog.Stage, barcode string, itemErr error) error {
	fr := catalog.FailureRecord{
		Stage:      stage,
		Message:    itemErr.Error(),
		OccurredAt: time.Now(),
		Retryable:  false,
	}
	if se, ok := asStageError(itemErr); ok {
		fr.Code = se.Code
		fr.Retryable = se.Retryable()
	}
	if err := c.Store.RecordFailure(ctx, barcode, fr); err != nil {
		return fmt.Errorf("runctl: record failure for %s: %w", barcode, err)
	}
	c.bumpFailed()
	c.emit(runID, string(stage), "item_failed", map[string]interface{}{"barcode": barcode, "error": itemErr.Error()})
	return nil
}

func (c *RunController) processItem(ctx context.Context, runID string, stage catalog.Stage, worker StageWorker, item *catalog.Item) error {
	c.emit(runID, string(stage), "item_start", map[string]interface{}{"barcode": item.Barcode})
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < c.Policy.MaxAttempts; attempt++ {
		record, err := worker(ctx, item)
		if err == nil {
			if saveErr := c.Store.SaveStage(ctx, item.Barcode, stage, record); saveErr != nil {
				return fmt.Errorf("runctl: save stage %s for %s: %w", stage, item.Barcode, saveErr)
			}
			c.bumpProcessed()
			c.emit(runID, string(stage), "item_finished", map[string]interface{}{
				"barcode":     item.Barcode,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			return nil
		}

		lastErr = err
		retryable := c.Policy.Retryable
		if retryable == nil {
			retryable = catalog.IsRetryable
		}
		if !retryable(err) || attempt == c.Policy.MaxAttempts-1 {
			break
		}

		c.emit(runID, string(stage), "item_retry", map[string]interface{}{
			"barcode": item.Barcode, "attempt": attempt + 1, "error": err.Error(),
		})

		delay := catalog.ComputeBackoff(attempt, c.Policy.BaseDelay, c.Policy.MaxDelay, nil)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.recordItemFailure(ctx, runID, stage, item.Barcode, lastErr)
}

func asStageError(err error) (*catalog.StageError, bool) {
	se, ok := err.(*catalog.StageError)
	return se, ok
}

func (c *RunController) bumpProcessed() {
	c.mu.Lock()
	c.state.ItemsProcessed++
	c.mu.Unlock()
}

func (c *RunController) bumpFailed() {
	c.mu.Lock()
	c.state.ItemsFailed++
	c.mu.Unlock()
}

func (c *RunController) snapshot() PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RunController) emit(runID, stage, msg string, meta map[string]interface{}) {
	if c.Emitter == nil {
		return
	}
	c.Emitter.Emit(emit.Event{RunID: runID, StageName: stage, Msg: msg, Meta: meta})
}
