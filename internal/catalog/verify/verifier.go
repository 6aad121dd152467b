// Package verify implements the Stage 4 check that an item's selected
// WorldCat candidate actually matches what was extracted from its scans:
// track listing similarity, release year agreement, and track count
// proportionality. High-confidence selections that still look shaky on
// tracks or year get their confidence demoted to the review threshold
// rather than passed through untouched.
package verify

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// Verifier compares an item's extracted record against its selected
// candidate and decides whether the selection stands.
type Verifier struct {
	Thresholds catalog.ThresholdConfig
}

// Verify runs the full Stage 4 check. initialConfidence is Stage 3's
// selection confidence, carried through unmodified as
// VerificationRecord.InitialConfidence; FinalConfidence starts equal to
// it and is only reduced, never raised.
func (v Verifier) Verify(initialConfidence float64, extraction catalog.ExtractionRecord, candidate catalog.BibCandidate) catalog.VerificationRecord {
	rec := catalog.VerificationRecord{
		InitialConfidence: initialConfidence,
		FinalConfidence:   initialConfidence,
	}
	var reasons []string

	rec.TrackSimilarity = trackListSimilarity(extraction.Contents, candidate.Tracks)
	if rec.TrackSimilarity < v.Thresholds.TrackSimilarity {
		reasons = append(reasons, "track listing similarity below threshold")
	}

	rec.YearMatch = yearsMatch(extraction.Dates, candidate.Year)
	// A year missing on either side is not held against the candidate.
	if bothYearsPresent, _ := yearDisagreement(extraction.Dates, candidate.Year); v.Thresholds.YearMatchRequired && bothYearsPresent && !rec.YearMatch {
		reasons = append(reasons, "publication year does not match")
	}

	rec.TrackCountRatio = trackCountRatio(len(extraction.Contents), len(candidate.Tracks))
	if rec.TrackCountRatio < v.Thresholds.TrackCountRatioFloor {
		reasons = append(reasons, "track count ratio below threshold")
	}

	rec.Passed = len(reasons) == 0
	rec.Reasons = reasons

	// Confidence adjustment only applies to selections the model was
	// already confident about; a low-confidence pick is already headed
	// for cataloger review regardless of what verification finds.
	if initialConfidence >= v.Thresholds.HighConfidence {
		bothYearsPresent, yearsDisagree := yearDisagreement(extraction.Dates, candidate.Year)
		substantialTrackLists := len(extraction.Contents) >= 3 && len(candidate.Tracks) >= 3
		lowTrackSimilarity := substantialTrackLists && rec.TrackSimilarity*100 < 80

		switch {
		case lowTrackSimilarity:
			rec.Adjusted = true
			rec.AdjustmentReason = "track listing similarity below 80 with at least 3 tracks on each side"
		case bothYearsPresent && yearsDisagree:
			rec.Adjusted = true
			rec.AdjustmentReason = "extracted and candidate publication years disagree"
		}
		if rec.Adjusted {
			rec.FinalConfidence = v.Thresholds.ReviewThreshold
		}
	}

	return rec
}

// trackListSimilarity pairs each extracted track with its closest match
// among the candidate's tracks (by normalized Levenshtein similarity)
// and averages the best-pairing scores. This substitutes for the
// Ratcliff/Obershelp ratio the original extraction tooling used, which
// has no equivalent in the Go ecosystem; edit-distance similarity is
// the closest practical analogue for near-duplicate short strings like
// track titles.
func trackListSimilarity(extracted, candidate []string) float64 {
	if len(extracted) == 0 || len(candidate) == 0 {
		return 0
	}

	var total float64
	for _, e := range extracted {
		best := 0.0
		en := normalize(e)
		for _, c := range candidate {
			s := stringSimilarity(en, normalize(c))
			if s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(extracted))
}

func stringSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// yearsMatch reports whether any of an item's extracted dates agrees
// with the candidate's publication year. Extraction records often carry
// more than one date (pressing year, copyright year); a single
// agreement is enough.
func yearsMatch(dates []string, candidateYear string) bool {
	candidateYear = extractYear(candidateYear)
	if candidateYear == "" {
		return false
	}
	for _, d := range dates {
		if extractYear(d) == candidateYear {
			return true
		}
	}
	return false
}

// yearDisagreement reports whether both sides have an extractable year
// (bothPresent) and, if so, whether they disagree (disagree). Unlike
// yearsMatch, which only asks "is there any agreement", this needs to
// distinguish "no year on one side" from "years present but different".
func yearDisagreement(dates []string, candidateYear string) (bothPresent, disagree bool) {
	cy := extractYear(candidateYear)
	var ey string
	for _, d := range dates {
		if y := extractYear(d); y != "" {
			ey = y
			break
		}
	}
	if cy == "" || ey == "" {
		return false, false
	}
	return true, cy != ey
}

// extractYear pulls the first run of four digits out of s, the loosest
// form of year a cataloging record or LLM extraction tends to produce
// ("p1994", "1994-1995", "c. 1994").
func extractYear(s string) string {
	digits := 0
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
			digits++
			if digits == 4 {
				return s[start : i+1]
			}
		} else {
			start = -1
			digits = 0
		}
	}
	return ""
}

func trackCountRatio(extractedCount, candidateCount int) float64 {
	if extractedCount == 0 || candidateCount == 0 {
		return 0
	}
	if extractedCount > candidateCount {
		return float64(candidateCount) / float64(extractedCount)
	}
	return float64(extractedCount) / float64(candidateCount)
}
