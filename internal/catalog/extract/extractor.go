// Package extract implements Stage 1: reading an item's scanned images
// through a vision-capable LLM and parsing the response into a closed
// ExtractionRecord schema. Unknown fields the model volunteers are kept
// in RawResponse for provenance but never participate in later stages.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/llm"
)

// ImageSource supplies the scanned images for one barcode (front, back,
// and optionally additional views). Acquiring and renaming the source
// images is outside this module; callers satisfy this interface however
// their ingestion pipeline stores them.
type ImageSource interface {
	LoadImages(ctx context.Context, barcode string) ([]llm.ImageAttachment, error)
}

// Extractor drives Stage 1 for one item at a time.
type Extractor struct {
	Executor *llm.Executor
	Images   ImageSource
	ModelID  string
}

const systemPrompt = `You are a metadata cataloger. You are shown one to three photographs of a physical audio release (front cover, back cover, and sometimes a disc or insert). Read every piece of text visible in the images and return a single JSON object with exactly these fields:

{
  "title": string,
  "subtitle": string,
  "primary_contributor": string,
  "additional_contributors": [string, ...],
  "contents": [string, ...],
  "publishers": [{"name": string, "place": string, "numbers": [string, ...]}, ...],
  "dates": [string, ...],
  "language": string,
  "format": string,
  "physical_description": string,
  "notes": [string, ...],
  "upc": string
}

"title" and "subtitle" split the main title from any subtitle printed after a colon or dash. "primary_contributor" is the principal artist/composer/ensemble; "additional_contributors" lists anyone else credited (conductor, featured artist, producer). "contents" is the track listing in disc order, one title per entry. "publishers" lists every label/publisher credit along with its catalog or publisher number if printed. "dates" should include every date-like string visible (pressing year, copyright year) without interpretation. "upc" is the barcode number printed on the packaging if visible, digits only. Leave a field as an empty string or empty array if it is not visible. Return only the JSON object, no prose.`

// Extract loads barcode's images and asks the configured model to read
// off its bibliographic metadata.
func (e *Extractor) Extract(ctx context.Context, runID, barcode string, medium catalog.Medium) (*catalog.ExtractionRecord, error) {
	images, err := e.Images.LoadImages(ctx, barcode)
	if err != nil {
		return nil, catalog.NewStageError(catalog.ErrCodeTransientRemote, catalog.StageExtract, barcode, "load images", err)
	}
	if len(images) == 0 {
		return nil, catalog.NewStageError(catalog.ErrCodeParseError, catalog.StageExtract, barcode, "no images available for item", nil)
	}

	messages := e.buildMessages(barcode, medium, images)

	out, err := e.Executor.Execute(ctx, runID, catalog.StageExtract, barcode, messages, nil)
	if err != nil {
		return nil, err
	}

	rec, err := parseExtraction(out.Text)
	if err != nil {
		return nil, catalog.NewStageError(catalog.ErrCodeParseError, catalog.StageExtract, barcode, "parse extraction response", err)
	}
	rec.Model = e.ModelID
	rec.RawResponse = out.Text
	rec.InputTokens = out.InputTokens
	rec.OutputTokens = out.OutputTokens
	return rec, nil
}

func (e *Extractor) buildMessages(barcode string, medium catalog.Medium, images []llm.ImageAttachment) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Medium: %s. Barcode: %s.", medium, barcode), Images: images},
	}
}

// BuildBatchMessages builds the batch-mode request for barcode without making
// any network call itself; the caller (Executor.ExecuteBatch) is what
// actually submits and polls the provider batch job. When the images
// can't be loaded up front it returns an error instead of a request, and
// the caller records that error as the item's failure rather than
// letting the barcode silently vanish from the batch.
func (e *Extractor) BuildBatchMessages(ctx context.Context, barcode string, medium catalog.Medium) ([]llm.Message, []llm.ToolSpec, error) {
	images, err := e.Images.LoadImages(ctx, barcode)
	if err != nil {
		return nil, nil, catalog.NewStageError(catalog.ErrCodeTransientRemote, catalog.StageExtract, barcode, "load images", err)
	}
	if len(images) == 0 {
		return nil, nil, catalog.NewStageError(catalog.ErrCodeParseError, catalog.StageExtract, barcode, "no images available for item", nil)
	}
	return e.buildMessages(barcode, medium, images), nil, nil
}

// ParseBatchResult turns one completed batch call's raw text into an
// ExtractionRecord, the same closed-schema parsing Extract uses for the
// sync path.
func (e *Extractor) ParseBatchResult(out llm.ChatOut) (*catalog.ExtractionRecord, error) {
	rec, err := parseExtraction(out.Text)
	if err != nil {
		return nil, fmt.Errorf("extract: parse batch response: %w", err)
	}
	rec.Model = e.ModelID
	rec.RawResponse = out.Text
	rec.InputTokens = out.InputTokens
	rec.OutputTokens = out.OutputTokens
	return rec, nil
}

// parseExtraction pulls the closed field set out of the model's JSON
// response. Fields the model adds beyond this set are discarded from
// structured data but survive in the caller-assigned RawResponse.
func parseExtraction(raw string) (*catalog.ExtractionRecord, error) {
	body := stripCodeFence(raw)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("extract: no JSON object found in response")
	}
	body = body[start : end+1]
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("extract: response is not valid JSON")
	}

	parsed := gjson.Parse(body)
	rec := &catalog.ExtractionRecord{
		Title:                  parsed.Get("title").String(),
		Subtitle:               parsed.Get("subtitle").String(),
		PrimaryContributor:     parsed.Get("primary_contributor").String(),
		AdditionalContributors: stringArray(parsed.Get("additional_contributors")),
		Contents:               stringArray(parsed.Get("contents")),
		Publishers:             publisherArray(parsed.Get("publishers")),
		Dates:                  stringArray(parsed.Get("dates")),
		Language:               parsed.Get("language").String(),
		Format:                 parsed.Get("format").String(),
		PhysicalDescription:    parsed.Get("physical_description").String(),
		Notes:                  stringArray(parsed.Get("notes")),
		UPC:                    parsed.Get("upc").String(),
	}
	return rec, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

func publisherArray(r gjson.Result) []catalog.PublisherInfo {
	if !r.IsArray() {
		return nil
	}
	var out []catalog.PublisherInfo
	for _, v := range r.Array() {
		out = append(out, catalog.PublisherInfo{
			Name:    v.Get("name").String(),
			Place:   v.Get("place").String(),
			Numbers: stringArray(v.Get("numbers")),
		})
	}
	return out
}
