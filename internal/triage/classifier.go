// Package triage decides how the assistant answers a turn: a fixed
// emergency referral when the patient reports a red-flag symptom, or a
// model-generated triage question otherwise.
package triage

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Word characters are Unicode letters, digits and underscore, so phrases
// ending in accented letters ("convulsão") still get a boundary check.
const (
	leftBoundary  = `(?:^|[^\p{L}\p{N}_])`
	rightBoundary = `(?:[^\p{L}\p{N}_]|$)`
)

// Classifier flags texts containing any emergency phrase as a whole word.
// It is safe for concurrent use.
type Classifier struct {
	phrases  []string
	patterns []*regexp.Regexp
}

// NewClassifier compiles one matcher per phrase.
func NewClassifier(phrases []string) (*Classifier, error) {
	if len(phrases) == 0 {
		return nil, errors.New("triage: at least one emergency phrase is required")
	}

	c := &Classifier{
		phrases:  make([]string, 0, len(phrases)),
		patterns: make([]*regexp.Regexp, 0, len(phrases)),
	}
	for _, phrase := range phrases {
		phrase = norm.NFC.String(phrase)
		words := strings.Fields(strings.ToLower(phrase))
		if len(words) == 0 {
			return nil, fmt.Errorf("triage: blank emergency phrase %q", phrase)
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(leftBoundary + strings.Join(words, `\s+`) + rightBoundary)
		if err != nil {
			return nil, fmt.Errorf("triage: compile phrase %q: %w", phrase, err)
		}
		c.phrases = append(c.phrases, strings.Join(strings.Fields(phrase), " "))
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Classify reports whether text contains an emergency phrase.
func (c *Classifier) Classify(text string) bool {
	_, ok := c.Match(text)
	return ok
}

// Match returns the first emergency phrase found in text. Text is NFC
// normalized first, so decomposed accents match composed phrases.
func (c *Classifier) Match(text string) (string, bool) {
	folded := strings.ToLower(norm.NFC.String(text))
	for i, re := range c.patterns {
		if re.MatchString(folded) {
			return c.phrases[i], true
		}
	}
	return "", false
}

// Phrases returns the configured phrases in order.
func (c *Classifier) Phrases() []string {
	out := make([]string, len(c.phrases))
	copy(out, c.phrases)
	return out
}
