package scraper

import "strings"

var defaultChallengeNeedles = []string{
	"access denied",
	"request blocked",
	"bot detected",
	"captcha",
	"unusual traffic",
	"pardon our interruption",
	"/splashui/challenge",
	"incapsula incident id",
}

// ChallengeDetector recognises anti-bot interstitials in a fetched body.
// Positive markers are strings only a real results page contains; when one
// is present the body is never treated as a challenge.
type ChallengeDetector struct {
	Needles  []string
	Positive []string
}

func NewChallengeDetector(positive ...string) *ChallengeDetector {
	return &ChallengeDetector{
		Needles:  defaultChallengeNeedles,
		Positive: positive,
	}
}

// Detect returns the matched marker, or "" for a normal page.
func (d *ChallengeDetector) Detect(body string) string {
	if d == nil {
		return ""
	}
	for _, p := range d.Positive {
		if p != "" && strings.Contains(body, p) {
			return ""
		}
	}
	lower := strings.ToLower(body)
	for _, n := range d.Needles {
		if strings.Contains(lower, n) {
			return n
		}
	}
	return ""
}
