package classifier

import "strings"

// normalize collapses all whitespace runs to a single space, strips the
// placeholder token, and trims leading/trailing space. Both the candidate
// prompt and every template are normalized the same way before scoring.
func normalize(text string) string {
	text = strings.ReplaceAll(text, placeholderToken, " ")
	return collapseWhitespace(text)
}

func collapseWhitespace(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
