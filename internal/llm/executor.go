package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/emit"
)

// Executor is the single call path every stage uses to talk to an LLM:
// rate limiting, retry-with-backoff, cost recording, and progress
// emission all happen here so stage code stays free of cross-cutting
// concerns.
type Executor struct {
	Model   ChatModel
	Limiter *RateLimiter
	Policy  catalog.RetryPolicy
	Ledger  *catalog.CostLedger
	Emitter emit.Emitter
	ModelID string
	rng     *rand.Rand
}

// NewExecutor builds an Executor seeded deterministically from seed so
// a replayed run produces the same jittered backoff sequence.
func NewExecutor(model ChatModel, modelID string, limiter *RateLimiter, policy catalog.RetryPolicy, ledger *catalog.CostLedger, emitter emit.Emitter, seed int64) *Executor {
	return &Executor{
		Model:   model,
		Limiter: limiter,
		Policy:  policy,
		Ledger:  ledger,
		Emitter: emitter,
		ModelID: modelID,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Execute sends one chat request, retrying per Policy on transient
// failures and recording the call's cost once it succeeds.
func (e *Executor) Execute(ctx context.Context, runID string, stage catalog.Stage, barcode string, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := e.Policy.Validate(); err != nil {
		return ChatOut{}, err
	}

	hadImages := false
	for _, msg := range messages {
		if len(msg.Images) > 0 {
			hadImages = true
			break
		}
	}

	var lastErr error
	for attempt := 0; attempt < e.Policy.MaxAttempts; attempt++ {
		if err := e.Limiter.Wait(ctx); err != nil {
			return ChatOut{}, err
		}

		out, err := e.Model.Chat(ctx, messages, tools)
		if err == nil {
			if e.Ledger != nil {
				e.Ledger.RecordCall(e.ModelID, stage, barcode, out.InputTokens, out.OutputTokens, hadImages)
			}
			return out, nil
		}

		lastErr = err
		retryable := e.Policy.Retryable
		if retryable == nil {
			retryable = catalog.IsRetryable
		}
		if !retryable(err) || attempt == e.Policy.MaxAttempts-1 {
			break
		}

		if e.Emitter != nil {
			e.Emitter.Emit(emit.Event{
				RunID:     runID,
				StageName: string(stage),
				Msg:       "item_retry",
				Meta:      map[string]interface{}{"barcode": barcode, "attempt": attempt + 1, "error": err.Error()},
			})
		}

		delay := catalog.ComputeBackoff(attempt, e.Policy.BaseDelay, e.Policy.MaxDelay, e.rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ChatOut{}, ctx.Err()
		}
	}

	return ChatOut{}, lastErr
}

// BatchJobStore is the slice of WorkflowStore batch-mode execution
// needs. It's declared here, against the catalog.BatchJob type, rather
// than imported from catalog/store, so this package doesn't take on a
// dependency on the store package just to describe a method set its
// caller already satisfies.
type BatchJobStore interface {
	RegisterBatchJob(ctx context.Context, job catalog.BatchJob) error
	ListOpenBatchJobs(ctx context.Context, provider string) ([]catalog.BatchJob, error)
	CloseBatchJob(ctx context.Context, jobID string, status string) error
}

// BatchOutcome is one barcode's result from a completed batch job.
type BatchOutcome struct {
	Barcode string
	Out     ChatOut
	Err     error
}

// ExecuteBatch submits every barcode's request to provider as one or
// more payload-bounded chunks, registers each submitted job with jobs
// so a crashed run can resume polling instead of resubmitting, then
// blocks until every chunk finishes and returns each barcode's result.
// A chunk the provider rejects at submission does not stop the others:
// each of its barcodes comes back with a retryable
// ErrCodeProviderBatchFailure outcome instead.
// A stage chooses batch mode over repeated Execute calls once its
// pending count passes the configured threshold; ExecuteBatch itself
// doesn't apply that threshold, it just runs the batch it's handed.
func (e *Executor) ExecuteBatch(ctx context.Context, runID string, stage catalog.Stage, barcodes []string, buildMessages func(barcode string) ([]Message, []ToolSpec), provider BatchProvider, jobs BatchJobStore, maxPayloadBytes int64, pollInterval time.Duration) ([]BatchOutcome, error) {
	requests := make([]BatchRequest, 0, len(barcodes))
	for _, barcode := range barcodes {
		messages, _ := buildMessages(barcode)
		requests = append(requests, BatchRequest{Barcode: barcode, EstimatedBytes: estimateRequestBytes(messages)})
	}

	planner := &BatchPlanner{RunID: runID, MaxBytes: maxPayloadBytes}
	chunks := planner.Plan(requests)

	submitted := make([]catalog.BatchJob, 0, len(chunks))
	var rejected []BatchOutcome
	for _, chunk := range chunks {
		job, err := provider.Submit(ctx, runID, chunk, buildMessages)
		if err != nil {
			for _, barcode := range chunk.Barcodes {
				rejected = append(rejected, BatchOutcome{Barcode: barcode, Err: catalog.NewStageError(catalog.ErrCodeProviderBatchFailure, stage, barcode, fmt.Sprintf("submit batch chunk %d", chunk.ChunkIndex), err)})
			}
			continue
		}
		job.Stage = stage

		if jobs != nil {
			if err := jobs.RegisterBatchJob(ctx, job); err != nil {
				return nil, fmt.Errorf("llm: register batch job %s: %w", job.JobID, err)
			}
		}
		if e.Emitter != nil {
			e.Emitter.Emit(emit.Event{
				RunID:     runID,
				StageName: string(stage),
				Msg:       "batch_submitted",
				Meta:      map[string]interface{}{"job_id": job.JobID, "chunk": chunk.ChunkIndex, "items": len(chunk.Barcodes)},
			})
		}
		submitted = append(submitted, job)
	}

	outcomes, err := e.collectBatchResults(ctx, runID, stage, submitted, provider, jobs, pollInterval)
	return append(rejected, outcomes...), err
}

// ResumeBatch re-polls every open job jobs reports for provider and
// stage, picking up a run that crashed between submitting a batch and
// fetching its results. It never resubmits: a job already accepted by
// the provider is left to finish however it was originally chunked.
func (e *Executor) ResumeBatch(ctx context.Context, runID string, stage catalog.Stage, provider BatchProvider, jobs BatchJobStore, pollInterval time.Duration) ([]BatchOutcome, error) {
	if jobs == nil {
		return nil, nil
	}

	open, err := jobs.ListOpenBatchJobs(ctx, provider.Name())
	if err != nil {
		return nil, fmt.Errorf("llm: list open %s batch jobs: %w", provider.Name(), err)
	}

	var pending []catalog.BatchJob
	for _, job := range open {
		if job.Stage == stage {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	return e.collectBatchResults(ctx, runID, stage, pending, provider, jobs, pollInterval)
}

// collectBatchResults polls each job to completion, fetches its
// results, closes it out in jobs, and records ledger cost per
// successful item.
func (e *Executor) collectBatchResults(ctx context.Context, runID string, stage catalog.Stage, jobList []catalog.BatchJob, provider BatchProvider, jobs BatchJobStore, pollInterval time.Duration) ([]BatchOutcome, error) {
	var outcomes []BatchOutcome

	for _, job := range jobList {
		for {
			status, done, err := provider.Poll(ctx, job)
			if err != nil {
				return outcomes, fmt.Errorf("llm: poll batch job %s: %w", job.JobID, err)
			}
			if done {
				job.Status = status
				break
			}
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return outcomes, ctx.Err()
			}
		}

		results, err := provider.FetchResults(ctx, job)
		if err != nil {
			return outcomes, fmt.Errorf("llm: fetch batch job %s results: %w", job.JobID, err)
		}

		if jobs != nil {
			if err := jobs.CloseBatchJob(ctx, job.JobID, job.Status); err != nil {
				return outcomes, fmt.Errorf("llm: close batch job %s: %w", job.JobID, err)
			}
		}

		barcodeByCustomID := make(map[string]string, len(job.Barcodes))
		for _, barcode := range job.Barcodes {
			barcodeByCustomID[BatchCustomID(runID, job.Chunk, barcode)] = barcode
		}

		for _, res := range results {
			barcode := barcodeByCustomID[res.CustomID]
			if res.Err == nil && e.Ledger != nil {
				e.Ledger.RecordCall(e.ModelID, stage, barcode, res.Out.InputTokens, res.Out.OutputTokens, true)
			}
			outcomes = append(outcomes, BatchOutcome{Barcode: barcode, Out: res.Out, Err: res.Err})
		}
	}

	return outcomes, nil
}

// estimateRequestBytes approximates one request's serialized payload
// size: message text plus its images inflated by base64's roughly 4/3
// expansion, close enough for bin-packing chunks under a byte ceiling
// without needing to actually marshal the provider's wire format.
func estimateRequestBytes(messages []Message) int64 {
	var total int64
	for _, msg := range messages {
		total += int64(len(msg.Content))
		for _, img := range msg.Images {
			total += int64(len(img.Data)) * 4 / 3
		}
	}
	return total
}
