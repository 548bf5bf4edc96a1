package auth

import "regexp"

// A magic code is a run of exactly six digits not adjacent to other digits.
var magicCodePattern = regexp.MustCompile(`(?:^|\D)(\d{6})(?:\D|$)`)

// ExtractMagicCode returns the first magic code found in text.
func ExtractMagicCode(text string) (string, bool) {
	m := magicCodePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
