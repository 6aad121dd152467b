// Package catalog defines the core domain types shared by every stage of
// the cataloging pipeline: the Item record, its per-stage sub-records,
// the disposition taxonomy, and the error/retry/cost machinery the other
// internal packages build on.
package catalog

import "time"

// Stage identifies a position in an item's lifecycle.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageSearch   Stage = "search"
	StageSelect   Stage = "select"
	StageVerify   Stage = "verify"
	StageDispose  Stage = "dispose"
	StageDisposed Stage = "disposed"
	StageFailed   Stage = "failed"
)

// Next returns the stage that follows s in the normal lifecycle, or s
// itself if s is terminal.
func (s Stage) Next() Stage {
	switch s {
	case StageExtract:
		return StageSearch
	case StageSearch:
		return StageSelect
	case StageSelect:
		return StageVerify
	case StageVerify:
		return StageDispose
	case StageDispose:
		return StageDisposed
	default:
		return s
	}
}

// Medium is the physical format of the item being cataloged.
type Medium string

const (
	MediumCD Medium = "cd"
	MediumLP Medium = "lp"
)

// Item is one physical audio unit tracked through the pipeline by its
// barcode. Ownership of an Item's persisted state belongs to the
// WorkflowStore; callers should treat values returned from the store as
// a point-in-time snapshot, not a handle to mutate in place.
type Item struct {
	Barcode      string
	Medium       Medium
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CurrentStage Stage

	Extraction   *ExtractionRecord
	SearchResult *SearchRecord
	Selection    *SelectionRecord
	Verification *VerificationRecord
	Disposition  *DispositionRecord

	FailureHistory []FailureRecord
}

// PublisherInfo is one publisher/label credit read off an item's
// packaging, along with any catalog/publisher number printed alongside
// it (the field QueryBuilder's publisher-number strategy keys off of).
type PublisherInfo struct {
	Name    string
	Place   string
	Numbers []string
}

// ExtractionRecord holds the bibliographic metadata a vision-capable LLM
// read off the item's scanned images in Stage 1.
type ExtractionRecord struct {
	Title                  string
	Subtitle               string
	PrimaryContributor     string
	AdditionalContributors []string
	Contents               []string // track listing, in disc order
	Publishers             []PublisherInfo
	Dates                  []string
	Language               string
	Format                 string
	PhysicalDescription    string
	Notes                  []string
	UPC                    string
	Model                  string
	RawResponse            string
	InputTokens            int
	OutputTokens           int
	ExtractedAt            time.Time
}

// SearchQuery is one WorldCat query the QueryBuilder constructed and the
// CatalogSearchClient executed.
type SearchQuery struct {
	Strategy     string // e.g. "upc_product_code", "artist_and_track"
	Query        string
	ResultCount  int
	Truncated    bool // result count exceeded the paging threshold
}

// HoldingsSummary is what HoldingsClient knows about a candidate's
// institutional holdings, enriched onto each BibCandidate returned by
// search and re-checked fresh by DispositionEngine before routing.
type HoldingsSummary struct {
	HeldByInstitution  bool
	TotalHoldingCount  int
	InstitutionSymbols []string
}

// BibCandidate is one bibliographic record returned by WorldCat search.
type BibCandidate struct {
	OCLCNumber   string
	Title        string
	Contributors []string
	Publisher    string
	Tracks       []string
	Year         string
	Format       string
	Holdings     HoldingsSummary
	RawJSON      string
}

// SearchRecord holds the Stage 2 query/candidate history for an item.
type SearchRecord struct {
	Queries    []SearchQuery
	Candidates []BibCandidate
	SearchedAt time.Time
}

// AlternativeMatch is one other-plausible-candidate the selection LLM
// named alongside its primary pick, enriched with holdings data when the
// candidate listing carries a matching OCLC number.
type AlternativeMatch struct {
	OCLCNumber        string
	HeldByInstitution bool
	HoldingCount      int
}

// SelectionRecord holds the Stage 3 LLM candidate selection.
type SelectionRecord struct {
	SelectedOCLCNumber string
	Confidence         float64 // 0-100, clamped
	Explanation        string
	OtherMatches       []AlternativeMatch
	Model              string
	RawResponse        string
	SelectedAt         time.Time
}

// VerificationRecord holds the Stage 4 track/year verification outcome.
type VerificationRecord struct {
	TrackSimilarity   float64 // 0.0-1.0
	YearMatch         bool
	TrackCountRatio   float64
	InitialConfidence float64 // Stage 3's selection confidence, unmodified
	FinalConfidence   float64 // InitialConfidence, possibly reduced below
	Adjusted          bool
	AdjustmentReason  string
	Passed            bool
	Reasons           []string
	VerifiedAt        time.Time
}

// DispositionGroup is the Stage 5 outcome bucket for an item.
type DispositionGroup string

const (
	DispositionAlmaBatch       DispositionGroup = "alma_batch_upload"
	DispositionHeldByIXA       DispositionGroup = "held_by_ixa"
	DispositionCatalogerReview DispositionGroup = "cataloger_review"
	DispositionDuplicate       DispositionGroup = "duplicate"
)

// DispositionRecord holds the Stage 5 outcome for an item.
type DispositionRecord struct {
	Group           DispositionGroup
	Reasons         []string
	HoldingsChecked bool
	DisposedAt      time.Time
}

// FailureRecord captures one failed stage attempt for diagnostics and for
// RunController's retry accounting.
type FailureRecord struct {
	Stage      Stage
	Code       ErrorCode
	Message    string
	Attempt    int
	OccurredAt time.Time
	Retryable  bool
}

// BatchJob tracks one asynchronous provider-side batch request so a
// resumed run can re-poll it instead of resubmitting.
type BatchJob struct {
	JobID      string
	Provider   string
	Stage      Stage
	Chunk      int
	Barcodes   []string
	Status     string // "submitted" | "in_progress" | "completed" | "failed" | "expired"
	CreatedAt  time.Time
	ClosedAt   time.Time
}
