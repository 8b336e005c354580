package storage

// TitleLimit is the maximum length, in runes, of a session title derived
// from the first user message.
const TitleLimit = 80

// TruncateTitle shortens a derived session title to TitleLimit runes.
// Truncation happens on a rune boundary, so a multibyte character is never
// split into invalid UTF-8.
func TruncateTitle(s string) string {
	if len(s) <= TitleLimit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= TitleLimit {
		return s
	}
	return string(runes[:TitleLimit])
}
