// Package worldcat implements the search and holdings clients against
// OCLC's WorldCat Search API, plus the query construction that turns an
// extracted bibliographic record into a ranked sequence of search
// strategies.
package worldcat

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// QueryBuilder turns one item's extracted metadata into an ordered list
// of WorldCat search strategies, most selective first, matching the
// priority order the original workflow used: a barcode/UPC match is
// far more precise than an artist-and-title free-text search, so it
// goes first and later strategies only run if earlier ones are
// inconclusive or return too many hits.
type QueryBuilder struct{}

// strategy names, in CD priority order. Exported as constants so the
// search client and tests can refer to them without typos.
const (
	StrategyUPCProductCode      = "upc_product_code"
	StrategyArtistAndTrack      = "artist_and_track"
	StrategyTitleAndContributor = "title_and_contributor"
	StrategyTitleAndTrack       = "title_and_track"
	StrategyPublisherAndDetails = "publisher_and_details"
	StrategyTitleOnly           = "title_only"
)

// candidateQuery is an in-progress strategy result: the query itself,
// whether its required fields were present, and how many meaningful
// (free-text, non-operator) tokens it carries. exempt strategies built
// from an exact identifier (UPC) skip the token-count filter entirely.
type candidateQuery struct {
	query   catalog.SearchQuery
	tokens  int
	exempt  bool
	present bool
}

// Build returns the candidate queries for rec, in priority order, with
// duplicate query strings removed (first occurrence wins) and any query
// carrying fewer than three meaningful tokens discarded. medium shifts
// the priority ladder: LPs favor title+contributor+pressing-language
// over the CD-oriented UPC-first ordering, since LP packaging rarely
// carries a scannable barcode.
func (QueryBuilder) Build(rec catalog.ExtractionRecord, medium catalog.Medium) []catalog.SearchQuery {
	title := normalizeQueryTerm(rec.Title)
	contributor := normalizeQueryTerm(rec.PrimaryContributor)
	firstTrack := ""
	if len(rec.Contents) > 0 {
		firstTrack = normalizeQueryTerm(rec.Contents[0])
	}
	publisherName, publisherNumber, formatTerm := publisherQueryTerms(rec)

	strategies := map[string]func() candidateQuery{
		StrategyUPCProductCode: func() candidateQuery {
			if rec.UPC == "" {
				return candidateQuery{}
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyUPCProductCode, Query: fmt.Sprintf("sn:%s", rec.UPC)},
				exempt:  true,
				present: true,
			}
		},
		StrategyArtistAndTrack: func() candidateQuery {
			if contributor == "" || firstTrack == "" {
				return candidateQuery{}
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyArtistAndTrack, Query: fmt.Sprintf("au:%s AND kw:%s", contributor, firstTrack)},
				tokens:  meaningfulTokenCount(contributor, firstTrack),
				present: true,
			}
		},
		StrategyTitleAndContributor: func() candidateQuery {
			if title == "" || contributor == "" {
				return candidateQuery{}
			}
			q := fmt.Sprintf("ti:%s AND au:%s", title, contributor)
			if medium == catalog.MediumLP && rec.Language != "" {
				q = fmt.Sprintf("%s AND la:%s", q, normalizeQueryTerm(rec.Language))
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyTitleAndContributor, Query: q},
				tokens:  meaningfulTokenCount(title, contributor),
				present: true,
			}
		},
		StrategyTitleAndTrack: func() candidateQuery {
			if title == "" || firstTrack == "" {
				return candidateQuery{}
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyTitleAndTrack, Query: fmt.Sprintf("ti:%s AND kw:%s", title, firstTrack)},
				tokens:  meaningfulTokenCount(title, firstTrack),
				present: true,
			}
		},
		StrategyPublisherAndDetails: func() candidateQuery {
			if publisherName == "" {
				return candidateQuery{}
			}
			q := fmt.Sprintf("pb:%s", publisherName)
			if publisherNumber != "" {
				q = fmt.Sprintf("%s AND sn:%s", q, publisherNumber)
			}
			if formatTerm != "" {
				q = fmt.Sprintf("%s AND fm:%s", q, formatTerm)
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyPublisherAndDetails, Query: q},
				tokens:  meaningfulTokenCount(publisherName, publisherNumber, formatTerm),
				present: true,
			}
		},
		StrategyTitleOnly: func() candidateQuery {
			if title == "" {
				return candidateQuery{}
			}
			return candidateQuery{
				query:   catalog.SearchQuery{Strategy: StrategyTitleOnly, Query: fmt.Sprintf("ti:%s", title)},
				tokens:  meaningfulTokenCount(title),
				present: true,
			}
		},
	}

	order := []string{
		StrategyUPCProductCode,
		StrategyArtistAndTrack,
		StrategyTitleAndContributor,
		StrategyTitleAndTrack,
		StrategyPublisherAndDetails,
		StrategyTitleOnly,
	}
	if medium == catalog.MediumLP {
		order = []string{
			StrategyTitleAndContributor,
			StrategyArtistAndTrack,
			StrategyTitleAndTrack,
			StrategyPublisherAndDetails,
			StrategyUPCProductCode,
			StrategyTitleOnly,
		}
	}

	var queries []catalog.SearchQuery
	seen := make(map[string]bool)
	for _, name := range order {
		cq := strategies[name]()
		if !cq.present {
			continue
		}
		if !cq.exempt && cq.tokens < 3 {
			continue
		}
		if seen[cq.query.Query] {
			continue
		}
		seen[cq.query.Query] = true
		queries = append(queries, cq.query)
	}
	return queries
}

// meaningfulTokenCount counts whitespace-separated words across parts,
// the free-text inputs a strategy was built from (field operators and
// "AND" joiners aren't counted — they aren't part of what the cataloger
// typed or the model read off the cover).
func meaningfulTokenCount(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(strings.Fields(p))
	}
	return n
}

// publisherQueryTerms picks the first publisher credit carrying a
// catalog number, normalizing its name, first number, and a coarse
// format token (LP/CD) derived from rec.Format.
func publisherQueryTerms(rec catalog.ExtractionRecord) (name, number, format string) {
	for _, p := range rec.Publishers {
		if p.Name == "" || len(p.Numbers) == 0 {
			continue
		}
		return normalizeQueryTerm(p.Name), normalizeQueryTerm(p.Numbers[0]), formatToken(rec.Format)
	}
	return "", "", ""
}

func formatToken(format string) string {
	f := strings.ToLower(format)
	switch {
	case strings.Contains(f, "lp") || strings.Contains(f, "vinyl"):
		return "lp"
	case strings.Contains(f, "cd") || strings.Contains(f, "compact disc"):
		return "cd"
	default:
		return ""
	}
}

// normalizeQueryTerm strips diacritics (NFD decomposition followed by
// dropping combining marks) and collapses whitespace, since WorldCat's
// indexer is inconsistent about matching accented and unaccented forms
// of the same name across different catalogers' records.
func normalizeQueryTerm(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}
