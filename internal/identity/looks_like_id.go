package identity

import "unicode"

const (
	minDigitRun  = 6
	minOpaqueLen = 16
)

// LooksLikeID reports whether a display name is really a raw platform
// identifier: a run of six or more digits, or a long token with no
// alphabetic characters. Kept as a pure predicate so its boundaries are
// independently testable.
func LooksLikeID(name string) bool {
	if name == "" {
		return true
	}
	runes := []rune(name)

	allDigits := true
	hasAlpha := false
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			allDigits = false
		}
		if unicode.IsLetter(r) {
			hasAlpha = true
		}
	}
	if allDigits && len(runes) >= minDigitRun {
		return true
	}
	if len(runes) >= minOpaqueLen && !hasAlpha {
		return true
	}
	return false
}
