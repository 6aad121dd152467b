package worldcat

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// HoldingsClient reads institutional holdings data for an OCLC number,
// used downstream by the disposition engine to distinguish "needs a new
// holding added" from "already represented in the catalog", and by
// CatalogSearchClient to enrich each search candidate.
type HoldingsClient struct {
	sess *session
}

func NewHoldingsClient(cfg catalog.WorldCatConfig, clientID, clientSecret string) *HoldingsClient {
	return &HoldingsClient{sess: newSession(cfg, clientID, clientSecret)}
}

// Holdings fetches the full holdings summary for oclcNumber: whether
// our institution already holds it, the total count across all
// libraries, and the symbols of the institutions that do.
func (c *HoldingsClient) Holdings(ctx context.Context, oclcNumber string) (catalog.HoldingsSummary, error) {
	endpoint := c.sess.cfg.BaseURL + c.sess.cfg.HoldingsEndpoint
	reqURL := fmt.Sprintf("%s?oclcNumber=%s", endpoint, oclcNumber)

	resp, err := c.sess.get(ctx, reqURL)
	if err != nil {
		return catalog.HoldingsSummary{}, &catalog.StageError{
			Stage:   catalog.StageVerify,
			Code:    catalog.ErrCodeTransientRemote,
			Message: fmt.Sprintf("worldcat holdings lookup for %s: %v", oclcNumber, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return catalog.HoldingsSummary{}, err
	}
	if resp.StatusCode != 200 {
		return catalog.HoldingsSummary{}, &catalog.StageError{
			Stage:   catalog.StageVerify,
			Code:    catalog.ErrCodeTransientRemote,
			Message: fmt.Sprintf("worldcat holdings lookup for %s returned status %d", oclcNumber, resp.StatusCode),
		}
	}

	return parseHoldingsSummary(body), nil
}

func parseHoldingsSummary(body []byte) catalog.HoldingsSummary {
	summary := catalog.HoldingsSummary{
		TotalHoldingCount: int(gjson.GetBytes(body, "total").Int()),
		HeldByInstitution: gjson.GetBytes(body, "institutionHolding.heldByInstitution").Bool(),
	}
	for _, v := range gjson.GetBytes(body, "briefRecords.0.institutionHolding.briefHoldings.#.institutionSymbol").Array() {
		if s := v.String(); s != "" {
			summary.InstitutionSymbols = append(summary.InstitutionSymbols, s)
		}
	}
	return summary
}

// NumberProximity returns the absolute numeric distance between two
// OCLC numbers, used as a weak signal that two candidate records
// describe the same release cataloged at slightly different times.
func NumberProximity(a, b string) (int, bool) {
	an, aok := parseOCLCNumber(a)
	bn, bok := parseOCLCNumber(b)
	if !aok || !bok {
		return 0, false
	}
	diff := an - bn
	if diff < 0 {
		diff = -diff
	}
	return diff, true
}

func parseOCLCNumber(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
