package worldcat

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// SearchClient executes WorldCat bibliographic-resource searches,
// trying each of an item's candidate queries in order and stopping as
// soon as one returns a usable, non-truncated result set. It shares its
// rate-limited session with a HoldingsClient so the candidates it
// returns can be enriched with per-record holdings data without a
// second, independently-throttled client.
type SearchClient struct {
	sess     *session
	holdings *HoldingsClient
}

func NewSearchClient(cfg catalog.WorldCatConfig, clientID, clientSecret string, holdings *HoldingsClient) *SearchClient {
	sess := newSession(cfg, clientID, clientSecret)
	if holdings != nil {
		sess.httpClient = holdings.sess.httpClient
		sess.limiter = holdings.sess.limiter
	}
	return &SearchClient{sess: sess, holdings: holdings}
}

// Search runs queries against WorldCat in order until one yields
// results within MaxResultsThreshold, or every query is exhausted. It
// returns every query attempted (for the audit trail) and the
// candidates pulled from whichever query succeeded, each enriched with
// its current holdings summary.
func (c *SearchClient) Search(ctx context.Context, queries []catalog.SearchQuery) (catalog.SearchRecord, error) {
	rec := catalog.SearchRecord{}

	if len(queries) > c.sess.cfg.MaxQueriesPerItem {
		queries = queries[:c.sess.cfg.MaxQueriesPerItem]
	}

	for _, q := range queries {
		result, err := c.runQuery(ctx, q)
		if err != nil {
			return rec, &catalog.StageError{
				Stage:   catalog.StageSearch,
				Code:    catalog.ErrCodeTransientRemote,
				Message: fmt.Sprintf("worldcat search %q: %v", q.Strategy, err),
			}
		}
		rec.Queries = append(rec.Queries, result.executed)

		if result.executed.ResultCount == 0 || result.executed.Truncated {
			continue
		}

		candidates, err := c.attachHoldings(ctx, result.candidates)
		if err != nil {
			return rec, err
		}
		rec.Candidates = candidates
		return rec, nil
	}

	// No query in the priority list produced a usable result set; the
	// caller sees an empty candidate list and the full query history.
	return rec, nil
}

// attachHoldings enriches each candidate with a fresh holdings summary.
// A holdings lookup failure for one candidate doesn't abort the whole
// search — the candidate is kept with a zero-value summary so Stage 3
// still sees it, just without holdings data to weigh.
func (c *SearchClient) attachHoldings(ctx context.Context, candidates []catalog.BibCandidate) ([]catalog.BibCandidate, error) {
	if c.holdings == nil {
		return candidates, nil
	}
	for i := range candidates {
		if candidates[i].OCLCNumber == "" {
			continue
		}
		summary, err := c.holdings.Holdings(ctx, candidates[i].OCLCNumber)
		if err != nil {
			continue
		}
		candidates[i].Holdings = summary
	}
	return candidates, nil
}

type queryResult struct {
	executed   catalog.SearchQuery
	candidates []catalog.BibCandidate
}

func (c *SearchClient) runQuery(ctx context.Context, q catalog.SearchQuery) (queryResult, error) {
	endpoint := c.sess.cfg.BaseURL + c.sess.cfg.SearchEndpoint
	reqURL := fmt.Sprintf("%s?q=%s&limit=%d", endpoint, url.QueryEscape(q.Query), c.sess.cfg.DefaultLimit)

	resp, err := c.sess.get(ctx, reqURL)
	if err != nil {
		return queryResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return queryResult{}, err
	}
	if resp.StatusCode != 200 {
		return queryResult{}, fmt.Errorf("worldcat returned status %d", resp.StatusCode)
	}

	parsed := gjson.ParseBytes(body)
	total := int(parsed.Get("numberOfRecords").Int())

	executed := q
	executed.ResultCount = total
	executed.Truncated = total > c.sess.cfg.MaxResultsThreshold

	var candidates []catalog.BibCandidate
	for _, rec := range parsed.Get("bibRecords").Array() {
		candidates = append(candidates, catalog.BibCandidate{
			OCLCNumber:   rec.Get("identifier.oclcNumber").String(),
			Title:        rec.Get("title.mainTitles.0.text").String(),
			Contributors: stringArray(rec.Get("contributor.statementOfResponsibility.text")),
			Publisher:    rec.Get("publisher.publishers.0.publisherName").String(),
			Tracks:       stringArray(rec.Get("description.contents")),
			Year:         rec.Get("date.publicationDate").String(),
			Format:       rec.Get("format.generalFormat").String(),
			RawJSON:      rec.Raw,
		})
	}

	return queryResult{executed: executed, candidates: candidates}, nil
}

func stringArray(r gjson.Result) []string {
	if r.IsArray() {
		out := make([]string, 0, len(r.Array()))
		for _, v := range r.Array() {
			out = append(out, v.String())
		}
		return out
	}
	if s := r.String(); s != "" {
		return []string{s}
	}
	return nil
}
