package dispose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/catalog/alma"
	"github.com/utlibraries/audiocat/internal/catalog/store"
	"github.com/utlibraries/audiocat/internal/catalog/worldcat"
)

func thresholds() catalog.ThresholdConfig {
	return catalog.ThresholdConfig{
		HighConfidence:           80,
		ReviewThreshold:          79,
		TitleSimilarityDuplicate: 0.90,
	}
}

// newTestServers spins up one httptest.Server that answers both the
// WorldCat OAuth2 token endpoint and its holdings lookup, and a second
// that answers Alma's Bibs API, so Engine.Dispose's network calls stay
// local to the test process. almaFound controls whether every Alma
// lookup reports an existing bib record.
func newTestServers(t *testing.T, almaFound bool) (*worldcat.HoldingsClient, *alma.Client) {
	t.Helper()

	wc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "test-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		case "/bibs-holdings":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"total":             2,
				"institutionHolding": map[string]interface{}{"heldByInstitution": false},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(wc.Close)

	wcCfg := catalog.WorldCatConfig{
		BaseURL:           wc.URL,
		HoldingsEndpoint:  "/bibs-holdings",
		TokenURL:          wc.URL + "/token",
		Scope:             "wcapi",
		RequestsPerSecond: 100,
		RequestTimeout:    5 * time.Second,
	}
	holdings := worldcat.NewHoldingsClient(wcCfg, "client-id", "client-secret")

	almaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		if almaFound {
			_, _ = w.Write([]byte(`<bibs total_record_count="1"><bib><mms_id>991234</mms_id></bib></bibs>`))
			return
		}
		_, _ = w.Write([]byte(`<bibs total_record_count="0"></bibs>`))
	}))
	t.Cleanup(almaSrv.Close)

	almaCfg := catalog.AlmaConfig{BaseURL: almaSrv.URL, RequestTimeout: 5 * time.Second}
	almaClient := alma.NewClient(almaCfg, "test-api-key")

	return holdings, almaClient
}

func TestEngine_belowReviewThresholdRoutesToCatalogerReview(t *testing.T) {
	e := NewEngine(thresholds(), nil, nil, store.NewMemoryStore())

	rec, err := e.Dispose(context.Background(), "bc1",
		catalog.BibCandidate{OCLCNumber: "123", Title: "Greatest Hits"},
		catalog.SelectionRecord{SelectedOCLCNumber: "123"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 40},
	)
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionCatalogerReview, rec.Group)
	require.False(t, rec.HoldingsChecked)
}

func TestEngine_highConfidenceNoExistingAlmaRecordGoesToBatch(t *testing.T) {
	holdings, almaClient := newTestServers(t, false)
	e := NewEngine(thresholds(), almaClient, holdings, store.NewMemoryStore())

	rec, err := e.Dispose(context.Background(), "bc1",
		catalog.BibCandidate{OCLCNumber: "555", Title: "Greatest Hits"},
		catalog.SelectionRecord{SelectedOCLCNumber: "555"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 95},
	)
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionAlmaBatch, rec.Group)
	require.True(t, rec.HoldingsChecked)
}

func TestEngine_almaAlreadyHoldsRoutesToHeldByIXA(t *testing.T) {
	holdings, almaClient := newTestServers(t, true)
	e := NewEngine(thresholds(), almaClient, holdings, store.NewMemoryStore())

	rec, err := e.Dispose(context.Background(), "bc1",
		catalog.BibCandidate{OCLCNumber: "555", Title: "Greatest Hits"},
		catalog.SelectionRecord{SelectedOCLCNumber: "555"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 95},
	)
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionHeldByIXA, rec.Group)
}

// TestEngine_duplicateResolutionPicksHigherConfidence reproduces two
// items resolving to the same OCLC number at different confidences
// (90 and 85): exactly one disposition ends up non-duplicate, and it's
// the higher-confidence one, regardless of processing order.
func TestEngine_duplicateResolutionPicksHigherConfidence(t *testing.T) {
	holdings, almaClient := newTestServers(t, false)
	e := NewEngine(thresholds(), almaClient, holdings, store.NewMemoryStore())
	ctx := context.Background()

	candidate := catalog.BibCandidate{OCLCNumber: "777", Title: "Abbey Road"}

	first, err := e.Dispose(ctx, "bc-a", candidate, catalog.SelectionRecord{SelectedOCLCNumber: "777"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 90})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionAlmaBatch, first.Group)

	second, err := e.Dispose(ctx, "bc-b", candidate, catalog.SelectionRecord{SelectedOCLCNumber: "777"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 85})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionDuplicate, second.Group)
}

// TestEngine_duplicateResolutionPromotesLaterHigherConfidence covers the
// reverse arrival order: a later, higher-confidence claimant must
// retroactively demote the earlier winner rather than also being
// marked a duplicate, leaving exactly one non-duplicate disposition.
func TestEngine_duplicateResolutionPromotesLaterHigherConfidence(t *testing.T) {
	holdings, almaClient := newTestServers(t, false)
	st := store.NewMemoryStore()
	e := NewEngine(thresholds(), almaClient, holdings, st)
	ctx := context.Background()

	candidate := catalog.BibCandidate{OCLCNumber: "777", Title: "Abbey Road"}

	_, err := st.CreateOrLoadItem(ctx, "bc-a", catalog.MediumCD)
	require.NoError(t, err)
	_, err = st.CreateOrLoadItem(ctx, "bc-b", catalog.MediumCD)
	require.NoError(t, err)
	for _, barcode := range []string{"bc-a", "bc-b"} {
		require.NoError(t, st.SaveStage(ctx, barcode, catalog.StageExtract, &catalog.ExtractionRecord{}))
		require.NoError(t, st.SaveStage(ctx, barcode, catalog.StageSearch, &catalog.SearchRecord{}))
		require.NoError(t, st.SaveStage(ctx, barcode, catalog.StageSelect, &catalog.SelectionRecord{SelectedOCLCNumber: "777"}))
		require.NoError(t, st.SaveStage(ctx, barcode, catalog.StageVerify, &catalog.VerificationRecord{Passed: true}))
	}

	first, err := e.Dispose(ctx, "bc-a", candidate, catalog.SelectionRecord{SelectedOCLCNumber: "777"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 85})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionAlmaBatch, first.Group)
	require.NoError(t, st.SaveStage(ctx, "bc-a", catalog.StageDispose, &first))

	second, err := e.Dispose(ctx, "bc-b", candidate, catalog.SelectionRecord{SelectedOCLCNumber: "777"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 90})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionAlmaBatch, second.Group)

	demoted, err := st.GetItem(ctx, "bc-a")
	require.NoError(t, err)
	require.NotNil(t, demoted.Disposition)
	require.Equal(t, catalog.DispositionDuplicate, demoted.Disposition.Group)
}

func TestEngine_titleSimilarityGroupsWithoutSharedOCLC(t *testing.T) {
	holdings, almaClient := newTestServers(t, false)
	e := NewEngine(thresholds(), almaClient, holdings, store.NewMemoryStore())
	ctx := context.Background()

	first, err := e.Dispose(ctx, "bc-a", catalog.BibCandidate{OCLCNumber: "1", Title: "Abbey Road"},
		catalog.SelectionRecord{SelectedOCLCNumber: "1"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 90})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionAlmaBatch, first.Group)

	second, err := e.Dispose(ctx, "bc-b", catalog.BibCandidate{OCLCNumber: "2", Title: "Abbey Road "},
		catalog.SelectionRecord{SelectedOCLCNumber: "2"},
		catalog.VerificationRecord{Passed: true, FinalConfidence: 70})
	require.NoError(t, err)
	require.Equal(t, catalog.DispositionDuplicate, second.Group)
}

func TestTitleSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, titleSimilarity("Abbey Road", "abbey road"), 0.001)
	require.Less(t, titleSimilarity("Abbey Road", "Let It Be"), 0.5)
}

func TestOutranks(t *testing.T) {
	require.True(t, outranks(90, "bc-z", 85, "bc-a"))
	require.False(t, outranks(85, "bc-z", 90, "bc-a"))
	require.True(t, outranks(90, "bc-a", 90, "bc-z"))
	require.False(t, outranks(90, "bc-z", 90, "bc-a"))
}
