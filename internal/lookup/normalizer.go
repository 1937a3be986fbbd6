// Package lookup normalizes raw categorical strings and resolves them to
// stable lookup identifiers inside a store transaction.
package lookup

import (
	"strings"
)

// OtherSpecies is the fallback species for values outside the closed vocabulary.
const OtherSpecies = "other"

// UnknownSampleSite replaces blank or "unk" sample sites.
const UnknownSampleSite = "unknown"

// DefaultSpecies is the closed species vocabulary seeded at bootstrap.
var DefaultSpecies = []string{"cat", "dog", OtherSpecies}

var (
	sampleCuts  = []string{"(", "/", "@", " at ", " or "}
	sideMarkers = []string{"right ", "rt.", "r.", "rt ", "left ", "lt.", "l.", "lt "}
)

// Normalizer applies the categorical cleaning rules shared by ingestion and
// prediction.
type Normalizer struct{}

// Species lowercases and trims. Vocabulary membership is checked by the resolver.
func (Normalizer) Species(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Genus keeps the first whitespace token of the lowercased value.
func (Normalizer) Genus(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SampleSite collapses free-text sample descriptions into a canonical site.
func (Normalizer) SampleSite(raw string) string {
	sample := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case sample == "unk" || sample == "":
		return UnknownSampleSite
	case strings.Contains(sample, "opened wound"):
		return "open wound"
	case strings.Contains(sample, "bited wound"):
		return "bited wound"
	}
	for _, cut := range sampleCuts {
		if i := strings.Index(sample, cut); i >= 0 {
			sample = strings.TrimSpace(sample[:i])
		}
	}
	for _, marker := range sideMarkers {
		if strings.Contains(sample, marker) {
			sample = strings.TrimSpace(strings.ReplaceAll(sample, marker, ""))
		}
	}
	return sample
}

// SIRSymbol maps a raw cell to S, I, R, + or -. Anything else yields "".
func (Normalizer) SIRSymbol(raw string) string {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	switch symbol {
	case "S", "I", "R", "+", "-":
		return symbol
	case "NEG":
		return "-"
	case "POS":
		return "+"
	default:
		return ""
	}
}

// DrugName normalizes an antimicrobial column suffix.
func (Normalizer) DrugName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
