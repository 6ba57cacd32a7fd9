package directory

import (
	"regexp"
	"strings"
)

var (
	quoteChars   = strings.NewReplacer("'", "", `"`, "")
	nonAlnumRuns = regexp.MustCompile(`[^a-z0-9]+`)
)

// NameKey normalizes an item name into its search key: lower-cased, quotes
// removed, every run of other non-alphanumeric characters collapsed to a
// single space, trimmed. NameKey(NameKey(x)) == NameKey(x).
func NameKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = quoteChars.Replace(s)
	s = nonAlnumRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
