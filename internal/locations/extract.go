// Package locations finds places mentioned in an assistant answer and resolves them to map
// coordinates. Extraction asks a generative-language model for structured output and falls back to
// pattern matching whenever the model is unavailable or answers with something unusable.
package locations

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/curetrials/trialchat/internal/models"
)

const (
	minModelConfidence = 0.5
	maxModelLocations  = 20
	maxFallback        = 10

	cityStateConfidence = 0.7
	stateConfidence     = 0.6
)

const extractionPrompt = `Extract every geographic location (cities, states, countries, regions, hospitals or
medical centers) mentioned in the text below. Respond with JSON only, in exactly this shape:
{"locations": [{"name": "<location>", "type": "city|state|country|region|facility", "confidence": <0.0-1.0>}]}
If there are no locations, respond with {"locations": []}.

Text:
%s`

// Prompt builds the extraction prompt for text.
func Prompt(text string) string {
	return fmt.Sprintf(extractionPrompt, text)
}

type extraction struct {
	Locations []struct {
		Name       string  `json:"name"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"locations"`
}

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// ParseExtraction decodes a model answer. Entries below 0.5 confidence or with names of two characters
// or fewer are dropped, and at most 20 are kept.
func ParseExtraction(raw string) ([]models.Location, error) {
	raw = strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}

	var ex extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return nil, fmt.Errorf("failed to parse extraction: %w", err)
	}

	locs := make([]models.Location, 0, len(ex.Locations))
	for _, l := range ex.Locations {
		name := strings.TrimSpace(l.Name)
		if l.Confidence < minModelConfidence || len(name) <= 2 {
			continue
		}
		locs = append(locs, models.Location{
			Name:       name,
			Type:       l.Type,
			Confidence: l.Confidence,
		})
		if len(locs) == maxModelLocations {
			break
		}
	}
	return locs, nil
}

var cityStatePattern = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*),\s*([A-Z]{2})\b`)

var usStates = []string{
	"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado", "Connecticut", "Delaware",
	"Florida", "Georgia", "Hawaii", "Idaho", "Illinois", "Indiana", "Iowa", "Kansas", "Kentucky",
	"Louisiana", "Maine", "Maryland", "Massachusetts", "Michigan", "Minnesota", "Mississippi",
	"Missouri", "Montana", "Nebraska", "Nevada", "New Hampshire", "New Jersey", "New Mexico",
	"New York", "North Carolina", "North Dakota", "Ohio", "Oklahoma", "Oregon", "Pennsylvania",
	"Rhode Island", "South Carolina", "South Dakota", "Tennessee", "Texas", "Utah", "Vermont",
	"Virginia", "Washington", "West Virginia", "Wisconsin", "Wyoming",
}

type statePattern struct {
	name string
	re   *regexp.Regexp
}

// statePatterns is ordered longest name first so "West Virginia" claims its match before "Virginia".
var statePatterns = func() []statePattern {
	names := slices.Clone(usStates)
	slices.SortStableFunc(names, func(a, b string) int { return len(b) - len(a) })

	ps := make([]statePattern, len(names))
	for i, s := range names {
		ps[i] = statePattern{name: s, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)}
	}
	return ps
}()

// FallbackExtract finds "City, ST" tokens and spelled-out US state names in text. A state is skipped
// when an already found location mentions it, and at most 10 locations are returned.
func FallbackExtract(text string) []models.Location {
	var locs []models.Location
	seen := map[string]bool{}

	for _, m := range cityStatePattern.FindAllStringSubmatch(text, -1) {
		if len(locs) == maxFallback {
			return locs
		}
		name := m[1] + ", " + m[2]
		if seen[name] {
			continue
		}
		seen[name] = true
		locs = append(locs, models.Location{
			Name:       name,
			Type:       "city",
			Confidence: cityStateConfidence,
		})
	}

	for _, sp := range statePatterns {
		if len(locs) == maxFallback {
			break
		}
		if !sp.re.MatchString(text) || mentioned(locs, sp.name) {
			continue
		}
		locs = append(locs, models.Location{
			Name:       sp.name,
			Type:       "state",
			Confidence: stateConfidence,
		})
	}

	return locs
}

func mentioned(locs []models.Location, state string) bool {
	state = strings.ToLower(state)
	for _, l := range locs {
		if strings.Contains(strings.ToLower(l.Name), state) {
			return true
		}
	}
	return false
}
