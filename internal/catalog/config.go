package catalog

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the static, non-secret configuration for one pipeline
// deployment: model names, thresholds, endpoints, and concurrency knobs.
// Credential values are deliberately absent — callers read API keys and
// the OCLC/Alma client secret from the environment and pass them in
// separately, consistent with the pipeline's Non-goal of loading secrets
// itself.
type Config struct {
	Models      ModelConfig      `toml:"models"`
	Thresholds  ThresholdConfig  `toml:"thresholds"`
	WorldCat    WorldCatConfig   `toml:"worldcat"`
	Alma        AlmaConfig       `toml:"alma"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Store       StoreConfig      `toml:"store"`
}

// ModelConfig names the model used at each LLM-backed stage, plus the
// batch-mode threshold the original workflow called batch_threshold.
type ModelConfig struct {
	ExtractionModel   string `toml:"extraction_model"`
	SelectionModel    string `toml:"selection_model"`
	BatchThreshold    int    `toml:"batch_threshold"`
	MaxOutputTokens   int    `toml:"max_output_tokens"`
}

// ThresholdConfig carries the confidence/similarity cutoffs the original
// workflow exposed as PROCESSING_THRESHOLDS.
type ThresholdConfig struct {
	HighConfidence          float64 `toml:"high_confidence"`
	ReviewThreshold         float64 `toml:"review_threshold"`
	TrackSimilarity         float64 `toml:"track_similarity_threshold"`
	YearMatchRequired       bool    `toml:"year_match_required"`
	TrackCountRatioFloor    float64 `toml:"track_count_ratio_threshold"`
	TitleSimilarityDuplicate float64 `toml:"title_similarity_threshold"`
	OCLCNumberProximity     int     `toml:"oclc_number_proximity"`
}

// WorldCatConfig configures CatalogSearchClient/HoldingsClient/QueryBuilder.
type WorldCatConfig struct {
	BaseURL              string        `toml:"base_url"`
	SearchEndpoint       string        `toml:"search_endpoint"`
	HoldingsEndpoint     string        `toml:"holdings_endpoint"`
	TokenURL             string        `toml:"token_url"`
	Scope                string        `toml:"scope"`
	DefaultLimit         int           `toml:"default_limit"`
	MaxResultsThreshold  int           `toml:"max_results_threshold"`
	MaxQueriesPerItem    int           `toml:"max_queries_per_item"`
	RequestsPerSecond    float64       `toml:"requests_per_second"`
	DailyLimit           int           `toml:"daily_limit"`
	RequestTimeout       time.Duration `toml:"request_timeout"`
}

// AlmaConfig configures AlmaClient.
type AlmaConfig struct {
	BaseURL        string        `toml:"base_url"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// ConcurrencyConfig bounds worker fan-out and run budgets.
type ConcurrencyConfig struct {
	MaxConcurrentPerStage int           `toml:"max_concurrent_per_stage"`
	RunWallClockBudget    time.Duration `toml:"run_wall_clock_budget"`
	AdaptiveBatchPayloadBytes int64     `toml:"adaptive_batch_payload_bytes"`
}

// StoreConfig selects and configures the WorkflowStore backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" | "mysql" | "memory"
	DSN    string `toml:"dsn"`
}

// DefaultConfig returns the pipeline's documented defaults (§3.3, §4
// throughout SPEC_FULL.md), matching the original workflow's own
// configuration constants where one existed.
func DefaultConfig() Config {
	return Config{
		Models: ModelConfig{
			ExtractionModel: "gpt-4o",
			SelectionModel:  "gpt-4o-mini",
			BatchThreshold:  10,
			MaxOutputTokens: 2000,
		},
		Thresholds: ThresholdConfig{
			HighConfidence:           80,
			ReviewThreshold:          79,
			TrackSimilarity:          0.80,
			YearMatchRequired:        false,
			TrackCountRatioFloor:     0.70,
			TitleSimilarityDuplicate: 0.90,
			OCLCNumberProximity:      5,
		},
		WorldCat: WorldCatConfig{
			BaseURL:             "https://americas.discovery.api.oclc.org/worldcat/search/v2",
			SearchEndpoint:      "/bibs",
			HoldingsEndpoint:    "/bibs-holdings",
			TokenURL:            "https://oauth.oclc.org/token",
			Scope:               "wcapi",
			DefaultLimit:        10,
			MaxResultsThreshold: 1000,
			MaxQueriesPerItem:   15,
			RequestsPerSecond:   2,
			DailyLimit:          50000,
			RequestTimeout:      30 * time.Second,
		},
		Alma: AlmaConfig{
			RequestTimeout: 30 * time.Second,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentPerStage:     5,
			RunWallClockBudget:        10 * time.Minute,
			AdaptiveBatchPayloadBytes: 40 * 1024 * 1024,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "audiocat.db",
		},
	}
}

// LoadConfig reads and parses a TOML configuration file, layering it over
// DefaultConfig so an operator only needs to specify the values they want
// to override.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("catalog: read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("catalog: parse config %s: %w", path, err)
	}
	return cfg, nil
}
