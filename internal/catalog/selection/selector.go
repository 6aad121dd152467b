package selection

import (
	"context"
	"fmt"
	"strings"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/llm"
)

// Selector drives Stage 3: it asks a text LLM to pick the best WorldCat
// candidate for an item's extracted metadata and parses the answer with
// Parser.
type Selector struct {
	Executor *llm.Executor
	ModelID  string
	Parser   Parser
}

const systemPrompt = `You are a cataloger choosing the correct WorldCat bibliographic record for a physical audio release. You are given the metadata read off the item and a numbered list of WorldCat candidates. Pick the single best match and respond with only a JSON object:

{
  "selected_oclc_number": string,
  "confidence": number (0-100),
  "explanation": string,
  "other_matches": [string, ...]
}

If none of the candidates plausibly match, set "selected_oclc_number" to "0", "confidence" to 0, and explain why in "explanation". "other_matches" lists OCLC numbers of other candidates that could plausibly be right, most likely first.`

// Select picks the best candidate for extraction among the search
// record's candidates.
func (s *Selector) Select(ctx context.Context, runID, barcode string, extraction catalog.ExtractionRecord, search catalog.SearchRecord) (*catalog.SelectionRecord, error) {
	if len(search.Candidates) == 0 {
		return &catalog.SelectionRecord{
			SelectedOCLCNumber: "0",
			Confidence:         0,
			Explanation:        "no candidates returned by catalog search",
			Model:              s.ModelID,
		}, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(extraction, search.Candidates)},
	}

	out, err := s.Executor.Execute(ctx, runID, catalog.StageSelect, barcode, messages, nil)
	if err != nil {
		return nil, err
	}

	rec, err := s.Parser.Parse(out.Text, s.ModelID, search.Candidates)
	if err != nil {
		return nil, err
	}
	rec.Model = s.ModelID
	return &rec, nil
}

// BuildBatchMessages builds the same prompt Select sends, for a caller
// submitting it through a provider batch job instead of a live call.
func (s *Selector) BuildBatchMessages(extraction catalog.ExtractionRecord, candidates []catalog.BibCandidate) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(extraction, candidates)},
	}
}

// ParseBatchResult turns one completed batch call's raw text into a
// SelectionRecord, against the same candidate list the request was
// built from.
func (s *Selector) ParseBatchResult(out llm.ChatOut, candidates []catalog.BibCandidate) (*catalog.SelectionRecord, error) {
	rec, err := s.Parser.Parse(out.Text, s.ModelID, candidates)
	if err != nil {
		return nil, err
	}
	rec.Model = s.ModelID
	return &rec, nil
}

func buildPrompt(extraction catalog.ExtractionRecord, candidates []catalog.BibCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extracted metadata:\n")
	fmt.Fprintf(&b, "Title: %s\n", extraction.Title)
	if extraction.Subtitle != "" {
		fmt.Fprintf(&b, "Subtitle: %s\n", extraction.Subtitle)
	}
	fmt.Fprintf(&b, "Primary contributor: %s\n", extraction.PrimaryContributor)
	if len(extraction.AdditionalContributors) > 0 {
		fmt.Fprintf(&b, "Additional contributors: %s\n", strings.Join(extraction.AdditionalContributors, "; "))
	}
	fmt.Fprintf(&b, "Tracks: %s\n", strings.Join(extraction.Contents, "; "))
	fmt.Fprintf(&b, "Dates: %s\n", strings.Join(extraction.Dates, "; "))
	fmt.Fprintf(&b, "Publishers: %s\n\n", strings.Join(publisherLines(extraction.Publishers), "; "))

	fmt.Fprintf(&b, "Candidates:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. OCLC %s — %s. Contributors: %s. Year: %s. Tracks: %s. Held by institution: %t (%d holdings)\n",
			i+1, c.OCLCNumber, c.Title, strings.Join(c.Contributors, ", "), c.Year, strings.Join(c.Tracks, "; "),
			c.Holdings.HeldByInstitution, c.Holdings.TotalHoldingCount)
	}
	return b.String()
}

func publisherLines(publishers []catalog.PublisherInfo) []string {
	var out []string
	for _, p := range publishers {
		line := p.Name
		if len(p.Numbers) > 0 {
			line = fmt.Sprintf("%s (%s)", line, strings.Join(p.Numbers, ", "))
		}
		out = append(out, line)
	}
	return out
}
