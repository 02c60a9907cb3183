// Package intent scores free-form user text against semantic patterns and
// produces an (intent, confidence) pair. The classifier is stateless; callers
// write the result into session state themselves.
package intent

import (
	"strings"

	"github.com/kbswarm/agentstate/internal/models"
)

// pattern describes one intent as verb/noun/modifier vocabularies instead of
// enumerated phrases; verb+noun co-occurrence is the strong signal.
type pattern struct {
	name      string
	verbs     []string
	nouns     []string
	modifiers []string
	boost     float64
}

type Classifier struct {
	patterns []pattern
}

// Result is one scored classification.
type Result struct {
	Intent     string
	Confidence models.Confidence
}

// Unknown is returned when no pattern clears the scoring floor.
const Unknown = "general_question"

func NewClassifier() *Classifier {
	return &Classifier{patterns: []pattern{
		{
			name:      "create_content",
			verbs:     []string{"create", "add", "make", "build", "generate", "implement", "insert", "produce", "develop", "write"},
			nouns:     []string{"content", "article", "articles", "category", "categories", "section", "sections", "topic", "topics", "page", "pages"},
			modifiers: []string{"new", "recommended", "suggested", "additional", "missing", "needed"},
			boost:     1.2,
		},
		{
			name:      "analyze_content_gaps",
			verbs:     []string{"find", "identify", "locate", "discover", "detect", "analyze", "examine", "review", "assess"},
			nouns:     []string{"gaps", "gap", "missing", "holes", "omissions", "deficiencies", "coverage"},
			modifiers: []string{"content", "article", "knowledge", "information"},
			boost:     1.1,
		},
		{
			name:      "retrieve_content",
			verbs:     []string{"show", "get", "list", "display", "fetch", "read", "view", "summarize"},
			nouns:     []string{"content", "article", "articles", "category", "categories", "structure", "hierarchy"},
			modifiers: []string{"existing", "current", "all", "root"},
			boost:     1.0,
		},
		{
			name:      "update_content",
			verbs:     []string{"update", "edit", "change", "modify", "revise", "fix", "rename", "move"},
			nouns:     []string{"content", "article", "articles", "category", "section", "title"},
			modifiers: []string{"existing", "current", "this", "that"},
			boost:     1.1,
		},
	}}
}

// Classify scores text against every pattern and returns the best match.
// Confidence is bounded to [0, 1]; texts matching nothing come back as
// Unknown with zero confidence.
func (c *Classifier) Classify(text string) Result {
	words := tokenize(text)
	if len(words) == 0 {
		return Result{Intent: Unknown, Confidence: 0}
	}

	best := Result{Intent: Unknown, Confidence: 0}
	for _, p := range c.patterns {
		score := p.score(words)
		if score > float64(best.Confidence) {
			best = Result{Intent: p.name, Confidence: models.Confidence(score)}
		}
	}
	return best
}

func (p pattern) score(words map[string]bool) float64 {
	verbHit := containsAny(words, p.verbs)
	nounHit := containsAny(words, p.nouns)
	modHit := containsAny(words, p.modifiers)

	var score float64
	switch {
	case verbHit && nounHit:
		score = 0.7
	case nounHit:
		score = 0.35
	case verbHit:
		score = 0.2
	default:
		return 0
	}
	if modHit {
		score += 0.1
	}
	score *= p.boost
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsAny(words map[string]bool, vocab []string) bool {
	for _, w := range vocab {
		if words[w] {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()[]")
		if w != "" {
			words[w] = true
		}
	}
	return words
}
