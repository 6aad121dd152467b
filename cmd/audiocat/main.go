// Command audiocat drives one cataloging run: it wires the stage
// workers to a RunController and a WorkflowStore, then blocks until
// every item reaches a terminal stage or the run is interrupted.
//
// Argument parsing, secret loading, and image acquisition are owned by
// the caller's deployment — this entrypoint reads its configuration
// path and run identifier from the environment so the core pipeline
// stays free of CLI-framework dependencies, matching the original
// workflow's non-goal of specifying its own argument handling.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/catalog/alma"
	"github.com/utlibraries/audiocat/internal/catalog/dispose"
	"github.com/utlibraries/audiocat/internal/catalog/extract"
	"github.com/utlibraries/audiocat/internal/catalog/selection"
	"github.com/utlibraries/audiocat/internal/catalog/store"
	"github.com/utlibraries/audiocat/internal/catalog/verify"
	"github.com/utlibraries/audiocat/internal/catalog/worldcat"
	"github.com/utlibraries/audiocat/internal/emit"
	"github.com/utlibraries/audiocat/internal/llm"
	"github.com/utlibraries/audiocat/internal/llm/anthropic"
	"github.com/utlibraries/audiocat/internal/runctl"
)

// batchPollInterval is how often ExecuteBatch/ResumeBatch re-checks a
// submitted provider job's status; both Anthropic's and OpenAI's batch
// APIs settle on the order of minutes, so sub-second polling only adds
// load for no benefit.
const batchPollInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("audiocat: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := catalog.DefaultConfig()
	if path := os.Getenv("AUDIOCAT_CONFIG"); path != "" {
		loaded, err := catalog.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	runID := os.Getenv("AUDIOCAT_RUN_ID")
	if runID == "" {
		runID = uuid.NewString()
	}

	wfStore, unlock, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer unlock()
	defer wfStore.Close()

	emitter := emit.NewLogEmitter(os.Stdout, os.Getenv("AUDIOCAT_LOG_JSON") == "1")
	ledger := catalog.NewCostLedger(runID)

	extractModel := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), cfg.Models.ExtractionModel)
	selectModel := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), cfg.Models.SelectionModel)

	extractLimiter := llm.NewRateLimiter(4, 1)
	selectLimiter := llm.NewRateLimiter(4, 1)
	policy := catalog.DefaultRetryPolicy()

	seed := time.Now().UnixNano()
	extractExecutor := llm.NewExecutor(extractModel, cfg.Models.ExtractionModel, extractLimiter, policy, ledger, emitter, seed)
	selectExecutor := llm.NewExecutor(selectModel, cfg.Models.SelectionModel, selectLimiter, policy, ledger, emitter, seed+1)

	images := newDirImageSource(os.Getenv("AUDIOCAT_IMAGE_DIR"))

	extractor := &extract.Extractor{Executor: extractExecutor, Images: images, ModelID: cfg.Models.ExtractionModel}

	clientID := os.Getenv("WORLDCAT_CLIENT_ID")
	clientSecret := os.Getenv("WORLDCAT_CLIENT_SECRET")
	holdingsClient := worldcat.NewHoldingsClient(cfg.WorldCat, clientID, clientSecret)
	searchClient := worldcat.NewSearchClient(cfg.WorldCat, clientID, clientSecret, holdingsClient)
	queryBuilder := worldcat.QueryBuilder{}

	almaClient := alma.NewClient(cfg.Alma, os.Getenv("ALMA_API_KEY"))

	selector := &selection.Selector{Executor: selectExecutor, ModelID: cfg.Models.SelectionModel}
	verifier := verify.Verifier{Thresholds: cfg.Thresholds}
	disposer := dispose.NewEngine(cfg.Thresholds, almaClient, holdingsClient, wfStore)

	anthropicAPIKey := os.Getenv("ANTHROPIC_API_KEY")
	extractBatchProvider := &llm.AnthropicBatchProvider{APIKey: anthropicAPIKey, ModelName: cfg.Models.ExtractionModel}
	selectBatchProvider := &llm.AnthropicBatchProvider{APIKey: anthropicAPIKey, ModelName: cfg.Models.SelectionModel}

	controller := runctl.NewRunController(wfStore, emitter, cfg.Concurrency.MaxConcurrentPerStage)
	controller.BatchThreshold = cfg.Models.BatchThreshold

	controller.Handle(catalog.StageExtract, func(ctx context.Context, item *catalog.Item) (any, error) {
		return extractor.Extract(ctx, runID, item.Barcode, item.Medium)
	})

	controller.HandleBatch(catalog.StageExtract, func(ctx context.Context, items []*catalog.Item) (map[string]any, map[string]error, error) {
		messagesByBarcode := make(map[string][]llm.Message, len(items))
		itemErrors := make(map[string]error)
		barcodes := make([]string, 0, len(items))

		for _, item := range items {
			messages, _, err := extractor.BuildBatchMessages(ctx, item.Barcode, item.Medium)
			if err != nil {
				itemErrors[item.Barcode] = err
				continue
			}
			messagesByBarcode[item.Barcode] = messages
			barcodes = append(barcodes, item.Barcode)
		}

		buildMessages := func(barcode string) ([]llm.Message, []llm.ToolSpec) {
			return messagesByBarcode[barcode], nil
		}

		outcomes, err := extractExecutor.ExecuteBatch(ctx, runID, catalog.StageExtract, barcodes, buildMessages,
			extractBatchProvider, wfStore, cfg.Concurrency.AdaptiveBatchPayloadBytes, batchPollInterval)
		if err != nil {
			return nil, nil, err
		}

		records := make(map[string]any, len(outcomes))
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				itemErrors[outcome.Barcode] = outcome.Err
				continue
			}
			rec, err := extractor.ParseBatchResult(outcome.Out)
			if err != nil {
				itemErrors[outcome.Barcode] = err
				continue
			}
			records[outcome.Barcode] = rec
		}
		return records, itemErrors, nil
	})

	controller.HandleResume(catalog.StageExtract, func(ctx context.Context, runID string) (map[string]any, map[string]error, error) {
		outcomes, err := extractExecutor.ResumeBatch(ctx, runID, catalog.StageExtract, extractBatchProvider, wfStore, batchPollInterval)
		if err != nil {
			return nil, nil, err
		}

		records := make(map[string]any, len(outcomes))
		itemErrors := make(map[string]error)
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				itemErrors[outcome.Barcode] = outcome.Err
				continue
			}
			rec, err := extractor.ParseBatchResult(outcome.Out)
			if err != nil {
				itemErrors[outcome.Barcode] = err
				continue
			}
			records[outcome.Barcode] = rec
		}
		return records, itemErrors, nil
	})

	controller.Handle(catalog.StageSearch, func(ctx context.Context, item *catalog.Item) (any, error) {
		if item.Extraction == nil {
			return nil, catalog.NewStageError(catalog.ErrCodeDataInvariantViolation, catalog.StageSearch, item.Barcode, "missing extraction record", nil)
		}
		queries := queryBuilder.Build(*item.Extraction, item.Medium)
		rec, err := searchClient.Search(ctx, queries)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})

	controller.Handle(catalog.StageSelect, func(ctx context.Context, item *catalog.Item) (any, error) {
		if item.Extraction == nil || item.SearchResult == nil {
			return nil, catalog.NewStageError(catalog.ErrCodeDataInvariantViolation, catalog.StageSelect, item.Barcode, "missing extraction or search record", nil)
		}
		return selector.Select(ctx, runID, item.Barcode, *item.Extraction, *item.SearchResult)
	})

	controller.HandleBatch(catalog.StageSelect, func(ctx context.Context, items []*catalog.Item) (map[string]any, map[string]error, error) {
		records := make(map[string]any, len(items))
		candidatesByBarcode := make(map[string][]catalog.BibCandidate, len(items))
		messagesByBarcode := make(map[string][]llm.Message, len(items))
		itemErrors := make(map[string]error)
		barcodes := make([]string, 0, len(items))

		for _, item := range items {
			if item.Extraction == nil || item.SearchResult == nil {
				itemErrors[item.Barcode] = catalog.NewStageError(catalog.ErrCodeDataInvariantViolation, catalog.StageSelect, item.Barcode, "missing extraction or search record", nil)
				continue
			}
			if len(item.SearchResult.Candidates) == 0 {
				records[item.Barcode] = &catalog.SelectionRecord{
					SelectedOCLCNumber: "0",
					Confidence:         0,
					Explanation:        "no candidates returned by catalog search",
					Model:              cfg.Models.SelectionModel,
				}
				continue
			}
			candidatesByBarcode[item.Barcode] = item.SearchResult.Candidates
			messagesByBarcode[item.Barcode] = selector.BuildBatchMessages(*item.Extraction, item.SearchResult.Candidates)
			barcodes = append(barcodes, item.Barcode)
		}

		buildMessages := func(barcode string) ([]llm.Message, []llm.ToolSpec) {
			return messagesByBarcode[barcode], nil
		}

		outcomes, err := selectExecutor.ExecuteBatch(ctx, runID, catalog.StageSelect, barcodes, buildMessages,
			selectBatchProvider, wfStore, cfg.Concurrency.AdaptiveBatchPayloadBytes, batchPollInterval)
		if err != nil {
			return nil, nil, err
		}

		for _, outcome := range outcomes {
			if outcome.Err != nil {
				itemErrors[outcome.Barcode] = outcome.Err
				continue
			}
			rec, err := selector.ParseBatchResult(outcome.Out, candidatesByBarcode[outcome.Barcode])
			if err != nil {
				itemErrors[outcome.Barcode] = err
				continue
			}
			records[outcome.Barcode] = rec
		}
		return records, itemErrors, nil
	})

	controller.HandleResume(catalog.StageSelect, func(ctx context.Context, runID string) (map[string]any, map[string]error, error) {
		outcomes, err := selectExecutor.ResumeBatch(ctx, runID, catalog.StageSelect, selectBatchProvider, wfStore, batchPollInterval)
		if err != nil {
			return nil, nil, err
		}

		records := make(map[string]any, len(outcomes))
		itemErrors := make(map[string]error)
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				itemErrors[outcome.Barcode] = outcome.Err
				continue
			}
			item, err := wfStore.GetItem(ctx, outcome.Barcode)
			if err != nil {
				itemErrors[outcome.Barcode] = err
				continue
			}
			var candidates []catalog.BibCandidate
			if item.SearchResult != nil {
				candidates = item.SearchResult.Candidates
			}
			rec, err := selector.ParseBatchResult(outcome.Out, candidates)
			if err != nil {
				itemErrors[outcome.Barcode] = err
				continue
			}
			records[outcome.Barcode] = rec
		}
		return records, itemErrors, nil
	})

	controller.Handle(catalog.StageVerify, func(ctx context.Context, item *catalog.Item) (any, error) {
		if item.Extraction == nil || item.Selection == nil || item.SearchResult == nil {
			return nil, catalog.NewStageError(catalog.ErrCodeDataInvariantViolation, catalog.StageVerify, item.Barcode, "missing prior stage records", nil)
		}
		candidate, ok := findCandidate(item.SearchResult.Candidates, item.Selection.SelectedOCLCNumber)
		if !ok {
			rec := catalog.VerificationRecord{Passed: false, Reasons: []string{"selected OCLC number not in candidate list"}}
			return &rec, nil
		}
		rec := verifier.Verify(item.Selection.Confidence, *item.Extraction, candidate)
		return &rec, nil
	})

	controller.Handle(catalog.StageDispose, func(ctx context.Context, item *catalog.Item) (any, error) {
		if item.Selection == nil || item.Verification == nil || item.SearchResult == nil {
			return nil, catalog.NewStageError(catalog.ErrCodeDataInvariantViolation, catalog.StageDispose, item.Barcode, "missing selection, search, or verification record", nil)
		}
		if !item.Verification.Passed {
			rec := catalog.DispositionRecord{Group: catalog.DispositionCatalogerReview, Reasons: item.Verification.Reasons}
			return &rec, nil
		}
		candidate, _ := findCandidate(item.SearchResult.Candidates, item.Selection.SelectedOCLCNumber)
		rec, err := disposer.Dispose(ctx, item.Barcode, candidate, *item.Selection, *item.Verification)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})

	state, err := controller.Resume(ctx, runID)
	if err != nil {
		return err
	}

	log.Printf("run %s complete: %d processed, %d failed, total cost $%.4f",
		state.RunID, state.ItemsProcessed, state.ItemsFailed, ledger.TotalCost())
	return nil
}

func findCandidate(candidates []catalog.BibCandidate, oclcNumber string) (catalog.BibCandidate, bool) {
	for _, c := range candidates {
		if c.OCLCNumber == oclcNumber {
			return c, true
		}
	}
	return catalog.BibCandidate{}, false
}

func openStore(cfg catalog.StoreConfig) (store.WorkflowStore, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), noop, nil
	case "mysql":
		st, err := store.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open mysql store: %w", err)
		}
		return st, noop, nil
	default:
		lock := store.NewRunLock(cfg.DSN)
		acquired, err := lock.TryAcquire()
		if err != nil {
			return nil, noop, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			return nil, noop, fmt.Errorf("another audiocat process already holds the lock on %s", cfg.DSN)
		}
		st, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			_ = lock.Release()
			return nil, noop, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { _ = lock.Release() }, nil
	}
}
