package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// Filenames extracted from hostile containers may carry both; downstream
// consumers expect clean text.
func SanitizeUTF8(s string) string {
	// Quick check: if string is valid UTF-8 and has no NULL bytes, return as-is
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}

		// Skip invalid UTF-8 sequences
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}

		buf = append(buf, r)
	}
	return string(buf)
}

// reservedFilenameChars are characters that are path separators or reserved
// on at least one supported filesystem.
const reservedFilenameChars = `/\:*?"<>|`

// SanitizeFilename reduces an archive- or mail-supplied name to a safe base
// filename: the path is stripped to its last element, separators and
// reserved characters are replaced, control characters are dropped, and the
// result is never empty.
func SanitizeFilename(name string) string {
	name = SanitizeUTF8(name)

	// Strip any directory part, tolerating both separator styles. Entry
	// names like "../../etc/passwd" or "a\b\c.pdf" reduce to their last
	// element.
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case strings.ContainsRune(reservedFilenameChars, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.TrimSpace(b.String())
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// FileExtension returns the lowercase extension of a filename without the
// leading dot, or "" when there is none.
func FileExtension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
