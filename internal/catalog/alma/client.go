// Package alma implements the AlmaClient that cross-checks selected
// bibliographic candidates against the institution's existing Alma
// holdings before an item is routed to a disposition group.
package alma

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/llm"
)

// almaRateLimit is the documented ceiling for Alma's Bibs API.
const almaRateLimit = 20

// Client queries Alma's Bibs API by OCLC number (via the "other_system_id"
// search) to determine whether the institution already holds the title.
// Alma's Bibs response is a shallow XML envelope; no pack dependency
// offers a typed client for it, so this stays on encoding/xml rather
// than bolt on a generic SOAP/XML library for a handful of fields.
type Client struct {
	httpClient *http.Client
	cfg        catalog.AlmaConfig
	apiKey     string
	limiter    *llm.RateLimiter
}

func NewClient(cfg catalog.AlmaConfig, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		apiKey:     apiKey,
		limiter:    llm.NewRateLimiter(almaRateLimit, 1),
	}
}

// bibsResponse mirrors the subset of Alma's Bibs API XML envelope the
// disposition engine needs: whether any record matched, and if so, the
// MMS ID and first holding ID of each matching bib.
type bibsResponse struct {
	XMLName    xml.Name    `xml:"bibs"`
	TotalCount int         `xml:"total_record_count,attr"`
	Bibs       []bibRecord `xml:"bib"`
}

type bibRecord struct {
	MMSID      string `xml:"mms_id"`
	Title      string `xml:"title"`
	HoldingsID string `xml:"holdings>holding>holding_id"`
}

// HoldingsInfo summarizes what Alma knows about a title already in the
// institution's catalog.
type HoldingsInfo struct {
	Found      bool
	MMSID      string
	HoldingsID string
}

// oclcSpellings are the query forms tried, in order, when searching
// Alma by OCLC number: catalogers variously load the identifier with
// or without the standard "(OCoLC)" prefix, and a bib record only
// matches an other_system_id search using the exact spelling it was
// indexed under.
func oclcSpellings(oclcNumber string) []string {
	return []string{"(OCoLC)" + oclcNumber, oclcNumber}
}

// LookupByOCLCNumber searches Alma for a bib record carrying oclcNumber
// as an alternate system identifier, trying each known spelling in turn
// until one matches.
func (c *Client) LookupByOCLCNumber(ctx context.Context, oclcNumber string) (HoldingsInfo, error) {
	for _, spelling := range oclcSpellings(oclcNumber) {
		info, err := c.lookup(ctx, oclcNumber, spelling)
		if err != nil {
			return HoldingsInfo{}, err
		}
		if info.Found {
			return info, nil
		}
	}
	return HoldingsInfo{Found: false}, nil
}

func (c *Client) lookup(ctx context.Context, oclcNumber, spelling string) (HoldingsInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return HoldingsInfo{}, err
	}

	reqURL := fmt.Sprintf("%s/almaws/v1/bibs?other_system_id=%s&apikey=%s", c.cfg.BaseURL, spelling, c.apiKey)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return HoldingsInfo{}, err
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HoldingsInfo{}, &catalog.StageError{
			Stage:   catalog.StageVerify,
			Code:    catalog.ErrCodeTransientRemote,
			Message: fmt.Sprintf("alma bibs lookup for oclc %s: %v", oclcNumber, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return HoldingsInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return HoldingsInfo{}, &catalog.StageError{
			Stage:   catalog.StageVerify,
			Code:    catalog.ErrCodeTransientRemote,
			Message: fmt.Sprintf("alma bibs lookup for oclc %s returned status %d", oclcNumber, resp.StatusCode),
		}
	}

	var parsed bibsResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return HoldingsInfo{}, &catalog.StageError{
			Stage:   catalog.StageVerify,
			Code:    catalog.ErrCodeParseError,
			Message: fmt.Sprintf("alma bibs response for oclc %s: %v", oclcNumber, err),
		}
	}

	if parsed.TotalCount == 0 || len(parsed.Bibs) == 0 {
		return HoldingsInfo{Found: false}, nil
	}

	return HoldingsInfo{
		Found:      true,
		MMSID:      parsed.Bibs[0].MMSID,
		HoldingsID: parsed.Bibs[0].HoldingsID,
	}, nil
}
