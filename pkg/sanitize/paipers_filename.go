// Package sanitize normalizes attachment filenames into safe storage keys.
package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// FallbackName is used when nothing usable survives sanitization.
	FallbackName = "piece-jointe"

	// maxBaseLen caps the base name (extension excluded).
	maxBaseLen = 80
)

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	validExt    = regexp.MustCompile(`^[.][a-z0-9]{1,10}$`)
)

// Filename converts an arbitrary attachment name into a safe ASCII filename.
// Diacritics are stripped via NFKD decomposition, remaining non-ASCII runes
// are dropped, unsafe runs collapse to a single underscore, and the base name
// is capped. The extension is kept only when it looks like a real one.
func Filename(name string) string {
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))

	base = stripMarks(base)
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")

	if base == "" {
		base = FallbackName
	}
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
		base = strings.TrimRight(base, "_")
		if base == "" {
			base = FallbackName
		}
	}

	if validExt.MatchString(ext) {
		return base + ext
	}
	return base
}

// stripMarks decomposes to NFKD and drops combining marks and non-ASCII runes.
func stripMarks(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
