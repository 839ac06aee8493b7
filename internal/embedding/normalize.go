package embedding

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalises text before embedding: unicode NFKC, lowercase,
// whitespace collapsed to single spaces. Two rules that differ only in
// spacing or case embed identically.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)
	return strings.Join(strings.Fields(text), " ")
}
