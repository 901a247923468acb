// Package classifier detects whether a relayed request originates from the
// canonical first-party client by comparing its system prompt against a set
// of known fingerprint templates using Dice-coefficient bigram similarity.
package classifier

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultThreshold is the minimum Dice score for a first-party match.
const DefaultThreshold = 0.5

const sessionIDPrefix = "session_"

// precomputedTemplate caches a template's normalized text and bigram set so
// classification only ever normalizes and bigrams the candidate prompt.
type precomputedTemplate struct {
	id      string
	text    string
	bigrams map[string]struct{}
}

// Classifier scores candidate prompts against the built-in fingerprint
// templates. It holds no mutable state after construction and is safe for
// concurrent use.
type Classifier struct {
	threshold float64
	templates []precomputedTemplate
}

// New builds a Classifier using the built-in template set and the default
// threshold.
func New() *Classifier {
	return NewWithThreshold(DefaultThreshold)
}

// NewWithThreshold builds a Classifier with a custom acceptance threshold,
// primarily for tests that probe the boundary.
func NewWithThreshold(threshold float64) *Classifier {
	pre := make([]precomputedTemplate, 0, len(templates))
	for _, t := range templates {
		norm := normalize(t.Text)
		pre = append(pre, precomputedTemplate{
			id:      t.ID,
			text:    norm,
			bigrams: extractBigrams(norm),
		})
	}
	return &Classifier{threshold: threshold, templates: pre}
}

// Result is the outcome of classifying one prompt.
type Result struct {
	FirstParty bool
	Score      float64
	TemplateID string // the best-matching template, if FirstParty
}

// Classify scores prompt against every template and reports the best match.
// An empty prompt is never first-party.
func (c *Classifier) Classify(prompt string) Result {
	if strings.TrimSpace(prompt) == "" {
		return Result{}
	}

	candidate := normalize(prompt)
	candidateBigrams := extractBigrams(candidate)

	best := Result{}
	for _, t := range c.templates {
		score := scoreBigramSets(candidateBigrams, candidate, t.bigrams, t.text)
		if score > best.Score {
			best.Score = score
			best.TemplateID = t.id
		}
	}
	best.FirstParty = best.Score >= c.threshold
	return best
}

// ClassifyWithSessionID behaves like Classify, but also accepts the request
// as first-party when sessionID is a well-formed first-party session
// identifier of the form "session_<uuid-v4>", independent of the prompt
// score.
func (c *Classifier) ClassifyWithSessionID(prompt, sessionID string) Result {
	if IsFirstPartySessionID(sessionID) {
		return Result{FirstParty: true, Score: 1.0, TemplateID: "session_id"}
	}
	return c.Classify(prompt)
}

// IsFirstPartySessionID reports whether id has the canonical first-party
// session form "session_<uuid-v4>".
func IsFirstPartySessionID(id string) bool {
	rest, ok := strings.CutPrefix(id, sessionIDPrefix)
	if !ok {
		return false
	}
	parsed, err := uuid.Parse(rest)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}

// scoreBigramSets mirrors diceCoefficient but reuses already-extracted
// bigram sets, since both candidate and template bigrams are computed once
// per Classify call / at construction time respectively.
func scoreBigramSets(aBigrams map[string]struct{}, aText string, bBigrams map[string]struct{}, bText string) float64 {
	if aText == bText {
		return 1.0
	}
	if len(aBigrams) == 0 || len(bBigrams) == 0 {
		return 0.0
	}

	intersection := 0
	for bg := range aBigrams {
		if _, ok := bBigrams[bg]; ok {
			intersection++
		}
	}
	return 2 * float64(intersection) / float64(len(aBigrams)+len(bBigrams))
}
