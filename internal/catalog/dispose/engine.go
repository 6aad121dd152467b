// Package dispose implements the Stage 5 disposition engine: the final
// routing decision that partitions verified items into the groups
// downstream ingestion processes on.
package dispose

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/catalog/alma"
	"github.com/utlibraries/audiocat/internal/catalog/store"
	"github.com/utlibraries/audiocat/internal/catalog/worldcat"
)

// Engine decides the disposition group for a verified item. It cross-
// checks the selected candidate against Alma holdings and against
// other items already disposed in the same run to catch duplicates
// submitted twice within one batch, whether they share an OCLC number
// or just a near-identical title.
type Engine struct {
	Thresholds catalog.ThresholdConfig
	Alma       *alma.Client
	Holdings   *worldcat.HoldingsClient
	Store      store.WorkflowStore

	mu     sync.Mutex
	groups []*duplicateGroup
}

// duplicateGroup tracks the current best claimant for one OCLC number
// or title cluster. winnerRecord is kept so a later, higher-confidence
// claimant can retroactively demote it without re-deriving its fields.
type duplicateGroup struct {
	oclcNumber       string
	title            string
	winnerBarcode    string
	winnerConfidence float64
	winnerRecord     catalog.DispositionRecord
}

func NewEngine(thresholds catalog.ThresholdConfig, almaClient *alma.Client, holdings *worldcat.HoldingsClient, st store.WorkflowStore) *Engine {
	return &Engine{
		Thresholds: thresholds,
		Alma:       almaClient,
		Holdings:   holdings,
		Store:      st,
	}
}

// Dispose routes one verified item. The verification pass must have
// already succeeded (Passed == true) — an item that failed verification
// belongs in cataloger review before it ever reaches this stage, and
// Dispose treats that as a programming error, not a data error.
//
// Routing decisions use verification.FinalConfidence, not the raw
// Stage 3 selection confidence: a high-confidence pick that Stage 4
// demoted for a track or year mismatch must not be fast-tracked to
// alma_batch_upload on the strength of a number Stage 4 already
// overrode.
func (e *Engine) Dispose(ctx context.Context, barcode string, candidate catalog.BibCandidate, selection catalog.SelectionRecord, verification catalog.VerificationRecord) (catalog.DispositionRecord, error) {
	if !verification.Passed {
		return catalog.DispositionRecord{}, fmt.Errorf("dispose: %s reached disposition without passing verification", barcode)
	}

	confidence := verification.FinalConfidence
	rec := catalog.DispositionRecord{}

	if confidence < e.Thresholds.ReviewThreshold {
		rec.Group = catalog.DispositionCatalogerReview
		rec.Reasons = []string{"selection confidence below review threshold"}
		return e.resolveDuplicate(ctx, barcode, selection.SelectedOCLCNumber, candidate.Title, confidence, rec)
	}

	held, err := e.Holdings.Holdings(ctx, selection.SelectedOCLCNumber)
	if err != nil {
		return catalog.DispositionRecord{}, err
	}
	rec.HoldingsChecked = true

	almaInfo, err := e.Alma.LookupByOCLCNumber(ctx, selection.SelectedOCLCNumber)
	if err != nil {
		return catalog.DispositionRecord{}, err
	}

	switch {
	case almaInfo.Found:
		rec.Group = catalog.DispositionHeldByIXA
		rec.Reasons = []string{fmt.Sprintf("already present in Alma as mms_id %s", almaInfo.MMSID)}
	case confidence >= e.Thresholds.HighConfidence:
		rec.Group = catalog.DispositionAlmaBatch
		if held.HeldByInstitution {
			rec.Reasons = []string{"another institution already holds this OCLC number; adding our holding"}
		} else {
			rec.Reasons = []string{"high confidence match with no existing Alma record"}
		}
	default:
		rec.Group = catalog.DispositionCatalogerReview
		rec.Reasons = []string{"confidence below automatic-batch threshold"}
	}

	return e.resolveDuplicate(ctx, barcode, selection.SelectedOCLCNumber, candidate.Title, confidence, rec)
}

// resolveDuplicate assigns barcode to its OCLC/title group and decides
// whether it or the group's existing winner ends up marked duplicate.
// The winner is whichever claimant has the higher final confidence,
// ties broken by the lexicographically earlier barcode (consistent
// with WorkflowStore.ListPending's deterministic barcode ordering, so
// "first-seen" is well-defined even though stage workers run
// concurrently and complete in an unpredictable order). Demoting a
// displaced winner means overwriting its already-persisted
// DispositionRecord directly; SaveStage is a plain, idempotent
// overwrite, so re-targeting an item that already reached
// StageDisposed is safe.
func (e *Engine) resolveDuplicate(ctx context.Context, barcode, oclcNumber, title string, confidence float64, natural catalog.DispositionRecord) (catalog.DispositionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	group := e.findGroup(oclcNumber, title)
	if group == nil {
		group = &duplicateGroup{oclcNumber: oclcNumber, title: title}
		e.groups = append(e.groups, group)
	}

	if group.winnerBarcode == "" {
		group.oclcNumber = oclcNumber
		group.title = title
		group.winnerBarcode = barcode
		group.winnerConfidence = confidence
		group.winnerRecord = natural
		return natural, nil
	}

	if !outranks(confidence, barcode, group.winnerConfidence, group.winnerBarcode) {
		rec := catalog.DispositionRecord{
			Group:   catalog.DispositionDuplicate,
			Reasons: []string{fmt.Sprintf("lower-confidence match; %s already claims this title/OCLC number with higher confidence", group.winnerBarcode)},
		}
		return rec, nil
	}

	demoted := group.winnerRecord
	demoted.Group = catalog.DispositionDuplicate
	demoted.Reasons = []string{fmt.Sprintf("superseded by higher-confidence match on barcode %s", barcode)}
	if err := e.Store.SaveStage(ctx, group.winnerBarcode, catalog.StageDispose, &demoted); err != nil {
		return catalog.DispositionRecord{}, fmt.Errorf("dispose: demote prior winner %s: %w", group.winnerBarcode, err)
	}

	group.oclcNumber = oclcNumber
	group.title = title
	group.winnerBarcode = barcode
	group.winnerConfidence = confidence
	group.winnerRecord = natural
	return natural, nil
}

// outranks reports whether a challenger should become (or remain) the
// group winner over the current holder.
func outranks(challengerConfidence float64, challengerBarcode string, winnerConfidence float64, winnerBarcode string) bool {
	if challengerConfidence != winnerConfidence {
		return challengerConfidence > winnerConfidence
	}
	return challengerBarcode < winnerBarcode
}

// findGroup locates an existing duplicate group sharing oclcNumber
// (when both sides have a real, non-zero OCLC number) or whose title
// is a near-match by normalized edit-distance similarity. "0" is the
// SelectionParser's explicit no-match sentinel, not a real OCLC number,
// so it never groups unrelated no-match items together.
func (e *Engine) findGroup(oclcNumber, title string) *duplicateGroup {
	hasOCLC := oclcNumber != "" && oclcNumber != "0"
	for _, g := range e.groups {
		groupHasOCLC := g.oclcNumber != "" && g.oclcNumber != "0"
		if hasOCLC && groupHasOCLC && oclcNumber == g.oclcNumber {
			return g
		}
		if title != "" && g.title != "" && titleSimilarity(g.title, title) >= e.Thresholds.TitleSimilarityDuplicate {
			return g
		}
	}
	return nil
}

// titleSimilarity is a normalized Levenshtein ratio over lowercased,
// trimmed titles, the same shape verify.Verifier uses for track
// titles. It's kept as a small local copy rather than exported from
// verify, since the two packages' use of "similarity" measure
// different things (track listings vs. a single title) and shouldn't
// be coupled through a shared helper.
func titleSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
