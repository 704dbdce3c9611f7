package meals

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"familymeal/api/internal/store"
)

const (
	minKeywordLen   = 2
	maxQueryTokens  = 10
	indexedLimit    = 200
	recencyScanSize = 500
)

var keywordSplit = regexp.MustCompile("[\\s,./!?()\\[\\]{}\"'`~:;|\\\\-]+")

// DeriveKeywords returns the searchable token set of a meal: the lowercased
// description, type and participants split on whitespace and punctuation,
// without tokens shorter than two characters.
func DeriveKeywords(description, mealType string, participants []string) []string {
	parts := make([]string, 0, 2+len(participants))
	parts = append(parts, description, mealType)
	parts = append(parts, participants...)
	joined := strings.ToLower(strings.Join(parts, " "))

	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, token := range keywordSplit.Split(joined, -1) {
		token = strings.TrimSpace(token)
		if utf8.RuneCountInString(token) < minKeywordLen {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

// NormalizeQuery trims and lowercases a search query.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// QueryTokens splits a normalized query on whitespace, dedupes and keeps at
// most ten tokens.
func QueryTokens(normalized string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, token := range strings.Fields(normalized) {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		if len(out) == maxQueryTokens {
			break
		}
	}
	return out
}

// Matches is the authoritative search filter: the normalized query must be a
// substring of the description, the type, a participant or a keyword.
func Matches(meal store.Meal, normalized string) bool {
	if normalized == "" {
		return false
	}
	if strings.Contains(strings.ToLower(meal.Description), normalized) {
		return true
	}
	if strings.Contains(strings.ToLower(meal.Type), normalized) {
		return true
	}
	for _, role := range meal.UserIDs {
		if strings.Contains(strings.ToLower(role), normalized) {
			return true
		}
	}
	for _, keyword := range meal.Keywords {
		if strings.Contains(keyword, normalized) {
			return true
		}
	}
	return false
}
