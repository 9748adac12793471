package fulltext

import (
	"regexp"
	"strings"
)

var doiURLPrefix = regexp.MustCompile(`(?i)^https?://(dx\.)?doi\.org/`)

// NormalizeDOI strips a leading doi.org URL prefix and lowercases the rest,
// so DOIs from different sources compare equal. Idempotent.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = doiURLPrefix.ReplaceAllString(doi, "")
	return strings.ToLower(doi)
}
