package worldcat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
)

func TestQueryBuilder_upcFirstForCD(t *testing.T) {
	rec := catalog.ExtractionRecord{
		UPC:                 "075678264023",
		Title:               "Greatest Hits",
		PrimaryContributor:  "Aretha Franklin",
		Contents:            []string{"Respect", "Think", "Chain of Fools"},
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.NotEmpty(t, queries)
	require.Equal(t, StrategyUPCProductCode, queries[0].Strategy)
	require.Equal(t, "sn:075678264023", queries[0].Query)
}

func TestQueryBuilder_upcAloneIsExemptFromTokenFilter(t *testing.T) {
	rec := catalog.ExtractionRecord{UPC: "012345678905"}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Len(t, queries, 1)
	require.Equal(t, StrategyUPCProductCode, queries[0].Strategy)
}

func TestQueryBuilder_skipsEmptyStrategies(t *testing.T) {
	rec := catalog.ExtractionRecord{}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Empty(t, queries)
}

func TestQueryBuilder_titleOnlyWhenNoContributor(t *testing.T) {
	rec := catalog.ExtractionRecord{Title: "The Very Best Collection"}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Len(t, queries, 1)
	require.Equal(t, StrategyTitleOnly, queries[0].Strategy)
	require.Equal(t, "ti:The Very Best Collection", queries[0].Query)
}

func TestQueryBuilder_shortTitleOnlyIsDiscarded(t *testing.T) {
	rec := catalog.ExtractionRecord{Title: "Greatest Hits"}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Empty(t, queries)
}

func TestQueryBuilder_diacriticsStripped(t *testing.T) {
	rec := catalog.ExtractionRecord{Title: "Cafe Society Live Recordings"}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.NotEmpty(t, queries)
	require.Equal(t, "ti:Cafe Society Live Recordings", queries[0].Query)

	rec.Title = "Café Société Live Recordings"
	queries = QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.NotEmpty(t, queries)
	require.Equal(t, "ti:Cafe Societe Live Recordings", queries[0].Query)
}

func TestQueryBuilder_artistAndTrackUsesFirstTrackOnly(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Title:              "Greatest Hits",
		PrimaryContributor: "Aretha Franklin",
		Contents:           []string{"Respect", "Think", "Chain of Fools"},
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.NotEmpty(t, queries)
	require.Equal(t, StrategyArtistAndTrack, queries[0].Strategy)
	require.Contains(t, queries[0].Query, "Respect")
	require.NotContains(t, queries[0].Query, "Think")
}

func TestQueryBuilder_titleAndContributorStrategy(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Title:              "Greatest Hits",
		PrimaryContributor: "Aretha Franklin",
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	var found bool
	for _, q := range queries {
		if q.Strategy == StrategyTitleAndContributor {
			found = true
			require.Equal(t, "ti:Greatest Hits AND au:Aretha Franklin", q.Query)
		}
	}
	require.True(t, found)
}

func TestQueryBuilder_titleAndTrackStrategy(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Title:    "Greatest Hits",
		Contents: []string{"Respect", "Think"},
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.NotEmpty(t, queries)
	require.Equal(t, StrategyTitleAndTrack, queries[0].Strategy)
	require.Equal(t, "ti:Greatest Hits AND kw:Respect", queries[0].Query)
}

func TestQueryBuilder_publisherAndDetailsStrategy(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Format: "Compact Disc",
		Publishers: []catalog.PublisherInfo{
			{Name: "Atlantic Records", Numbers: []string{"SD 8295"}},
		},
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Len(t, queries, 1)
	require.Equal(t, StrategyPublisherAndDetails, queries[0].Strategy)
	require.Equal(t, "pb:Atlantic Records AND sn:SD 8295 AND fm:cd", queries[0].Query)
}

func TestQueryBuilder_publisherWithoutCatalogNumberIsSkipped(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Publishers: []catalog.PublisherInfo{{Name: "Atlantic Records"}},
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	require.Empty(t, queries)
}

func TestQueryBuilder_deduplicatesIdenticalQueries(t *testing.T) {
	rec := catalog.ExtractionRecord{
		Title:              "Greatest Hits Collection",
		PrimaryContributor: "Aretha Franklin",
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumCD)
	seen := make(map[string]bool)
	for _, q := range queries {
		require.False(t, seen[q.Query], "duplicate query %q", q.Query)
		seen[q.Query] = true
	}
}

func TestQueryBuilder_lpPrioritizesTitleAndContributorWithLanguage(t *testing.T) {
	rec := catalog.ExtractionRecord{
		UPC:                "075678264023",
		Title:              "Greatest Hits",
		PrimaryContributor: "Aretha Franklin",
		Language:           "English",
	}

	queries := QueryBuilder{}.Build(rec, catalog.MediumLP)
	require.NotEmpty(t, queries)
	require.Equal(t, StrategyTitleAndContributor, queries[0].Strategy)
	require.Equal(t, "ti:Greatest Hits AND au:Aretha Franklin AND la:English", queries[0].Query)
}
