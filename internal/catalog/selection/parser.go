// Package selection implements the Stage 3 parser that turns a text
// LLM's free-form response into a SelectionRecord.
package selection

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// Parser extracts a SelectionRecord from a model's raw response text.
// Selection prompts ask the model for a JSON object, but models
// routinely wrap it in prose or a markdown fence, so the parser is
// tolerant: it locates the first balanced JSON object in the text
// rather than requiring the whole response to parse as JSON.
type Parser struct{}

// Parse extracts the selected OCLC number, confidence, explanation, and
// alternative matches from raw. model identifies which LLM produced
// raw, for the audit trail. candidates is the Stage 2 candidate listing
// the model was shown; alternatives the model names are enriched with
// each matching candidate's holdings summary.
func (Parser) Parse(raw string, model string, candidates []catalog.BibCandidate) (catalog.SelectionRecord, error) {
	jsonBody, err := extractJSONObject(raw)
	if err != nil {
		return catalog.SelectionRecord{}, &catalog.StageError{
			Stage:   catalog.StageSelect,
			Code:    catalog.ErrCodeParseError,
			Message: fmt.Sprintf("no JSON object found in selection response: %v", err),
		}
	}

	if !gjson.Valid(jsonBody) {
		return catalog.SelectionRecord{}, &catalog.StageError{
			Stage:   catalog.StageSelect,
			Code:    catalog.ErrCodeParseError,
			Message: "selection response JSON failed validation",
		}
	}

	parsed := gjson.Parse(jsonBody)

	oclcField := firstString(parsed, "selected_oclc_number", "oclc_number", "selection")
	oclc := digitsOnly(oclcField)
	if oclc == "" {
		if indicatesNoMatch(oclcField) || indicatesNoMatch(parsed.Get("explanation").String()) {
			oclc = "0"
		} else {
			return catalog.SelectionRecord{}, &catalog.StageError{
				Stage:   catalog.StageSelect,
				Code:    catalog.ErrCodeParseError,
				Message: "selection response missing selected_oclc_number",
			}
		}
	}

	confidence := clampConfidence(firstFloat(parsed, "confidence", "confidence_score"))
	others := parseAlternatives(parsed.Get("other_matches"), oclc, candidates)

	// Re-serialize the normalized fields back into a canonical JSON blob
	// for RawResponse, so downstream audits see a stable shape regardless
	// of which key name the model happened to use this time.
	canonical, err := sjson.Set("{}", "selected_oclc_number", oclc)
	if err == nil {
		canonical, _ = sjson.Set(canonical, "confidence", confidence)
	}

	return catalog.SelectionRecord{
		SelectedOCLCNumber: oclc,
		Confidence:         confidence,
		Explanation:        parsed.Get("explanation").String(),
		OtherMatches:       others,
		Model:              model,
		RawResponse:        canonical,
	}, nil
}

// indicatesNoMatch reports whether s reads like the model telling us no
// WorldCat record matched, rather than naming one.
func indicatesNoMatch(s string) bool {
	return strings.Contains(strings.ToLower(s), "no matching record")
}

// digitsOnly strips everything but ASCII digits, since OCLC numbers are
// sometimes returned prefixed ("(OCoLC)12345") or with punctuation.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// clampConfidence forces v into [0, 100]; a model occasionally returns
// a value outside that range (150, or a negative adjustment) and an
// unclamped value would propagate straight into disposition thresholds.
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// parseAlternatives reads the other_matches array, keeping only entries
// that look like an 8-10 digit OCLC number distinct from the selected
// one, and enriches each against candidates by exact OCLC match.
func parseAlternatives(r gjson.Result, selectedOCLC string, candidates []catalog.BibCandidate) []catalog.AlternativeMatch {
	byOCLC := make(map[string]catalog.BibCandidate, len(candidates))
	for _, c := range candidates {
		byOCLC[c.OCLCNumber] = c
	}

	var out []catalog.AlternativeMatch
	seen := make(map[string]bool)
	for _, v := range r.Array() {
		num := digitsOnly(v.String())
		if len(num) < 8 || len(num) > 10 {
			continue
		}
		if num == selectedOCLC || seen[num] {
			continue
		}
		seen[num] = true

		alt := catalog.AlternativeMatch{OCLCNumber: num}
		if c, ok := byOCLC[num]; ok {
			alt.HeldByInstitution = c.Holdings.HeldByInstitution
			alt.HoldingCount = c.Holdings.TotalHoldingCount
		}
		out = append(out, alt)
	}
	return out
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func firstFloat(r gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

// extractJSONObject finds the first top-level balanced {...} span in s,
// tolerating markdown code fences and leading/trailing prose.
func extractJSONObject(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", fmt.Errorf("no opening brace")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, brace characters don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced braces")
}
