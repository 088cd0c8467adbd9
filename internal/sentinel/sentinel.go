// Package sentinel classifies loaded pages as normal or challenge/ban responses.
package sentinel

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/lanternworks/harvester/internal/harvest"
)

// Rule tables are evaluated in order: URL path, title, DOM markers, body
// phrases. A hit in any table is a challenge; the classifier is deliberately
// conservative in that direction.
var challengePathFragments = []string{
	"/checkpoint/",
	"/authwall",
	"/uas/login",
	"/challenge",
	"/captcha",
	"/verify",
}

var challengeTitlePhrases = []string{
	"security verification",
	"security check",
	"let's do a quick security check",
	"verify you're human",
	"access to this page has been denied",
	"sign in or join",
}

var challengeDOMMarkers = [][]byte{
	[]byte("captcha-internal"),
	[]byte("id=\"captcha\""),
	[]byte("challenge-form"),
	[]byte("cf-challenge"),
	[]byte("data-sitekey"),
	[]byte("arkose-frame"),
}

var restrictionPhrases = [][]byte{
	[]byte("unusual activity"),
	[]byte("we've restricted your account"),
	[]byte("your account has been temporarily restricted"),
	[]byte("please complete this security check"),
	[]byte("confirm it's you"),
	[]byte("too many requests"),
}

// Heuristic implements harvest.Sentinel with rule-based tables. It is a pure
// function of page state and performs no network calls.
type Heuristic struct{}

// NewHeuristic creates a new classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Classify evaluates the rule tables in order and returns the verdict.
func (h *Heuristic) Classify(pageURL string, title string, content []byte) harvest.Verdict {
	if pathMatchesChallenge(pageURL) {
		return harvest.VerdictChallenge
	}

	loweredTitle := strings.ToLower(title)
	for _, phrase := range challengeTitlePhrases {
		if strings.Contains(loweredTitle, phrase) {
			return harvest.VerdictChallenge
		}
	}

	lowered := bytes.ToLower(content)
	for _, marker := range challengeDOMMarkers {
		if bytes.Contains(lowered, marker) {
			return harvest.VerdictChallenge
		}
	}
	for _, phrase := range restrictionPhrases {
		if bytes.Contains(lowered, phrase) {
			return harvest.VerdictChallenge
		}
	}

	return harvest.VerdictClean
}

func pathMatchesChallenge(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		// An unparseable final URL is itself suspicious enough to abort.
		return true
	}
	path := strings.ToLower(u.Path)
	for _, fragment := range challengePathFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}
