package entity

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 255

// Slugify lower-cases s, folds accented letters to ASCII and joins words with '-'.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			dash = false
		case r == '_' || r == '-' || unicode.IsSpace(r) || unicode.IsPunct(r):
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		return "item"
	}
	return out
}

// SuffixSlug appends "-n" to slug, trimming it to stay within the length limit.
func SuffixSlug(slug string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if len(slug)+len(suffix) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen-len(suffix)], "-")
	}
	return slug + suffix
}
