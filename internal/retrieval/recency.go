package retrieval

import (
	"regexp"
	"strings"
)

var recencyKeywords = []string{
	"latest", "recent", "recently", "current", "currently", "newest",
	"today", "this week", "this month", "this year",
	"up to date", "up-to-date", "as of",
}

var (
	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	wordPattern = regexp.MustCompile(`[a-z0-9-]+`)
)

// IsTimeSensitive reports whether a question asks about recent or dated
// information: it names a year between 1900 and 2099 or contains one of the
// recency keywords as a whole word or phrase.
func IsTimeSensitive(query string) bool {
	q := strings.ToLower(query)
	if yearPattern.MatchString(q) {
		return true
	}
	normalized := " " + strings.Join(wordPattern.FindAllString(q, -1), " ") + " "
	for _, kw := range recencyKeywords {
		if strings.Contains(normalized, " "+kw+" ") {
			return true
		}
	}
	return false
}
