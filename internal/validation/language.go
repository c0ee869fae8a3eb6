package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"libraryapi/internal/entity"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ISO 639-2/B codes that differ from their 639-2/T counterparts.
var bibliographicCodes = map[string]string{
	"alb": "sqi", "arm": "hye", "baq": "eus", "bur": "mya", "chi": "zho",
	"cze": "ces", "dut": "nld", "fre": "fra", "geo": "kat", "ger": "deu",
	"gre": "ell", "ice": "isl", "mac": "mkd", "mao": "mri", "may": "msa",
	"per": "fas", "rum": "ron", "slo": "slk", "tib": "bod", "wel": "cym",
}

type AmbiguousLanguageError struct {
	Value      string
	Candidates []string
}

func (e *AmbiguousLanguageError) Error() string {
	return fmt.Sprintf("found more than one matching language for %q: %s; try a different code",
		e.Value, strings.Join(e.Candidates, ", "))
}

// LanguageResolver maps a language code or name to its English display name.
// Lookups go ISO 639 code first, then BCP 47 tag, then English name.
type LanguageResolver struct {
	names display.Namer
	tags  display.Namer

	once  sync.Once
	index map[string][]string
	build func() map[string][]string
}

func NewLanguageResolver() *LanguageResolver {
	r := &LanguageResolver{
		names: display.English.Languages(),
		tags:  display.English.Tags(),
	}
	r.build = r.buildNameIndex
	return r
}

// NewLanguageResolverWithIndex uses index (lower-case name to codes) for the
// name lookup instead of the one derived from the CLDR tables.
func NewLanguageResolverWithIndex(index map[string][]string) *LanguageResolver {
	r := NewLanguageResolver()
	r.build = func() map[string][]string { return index }
	return r
}

// Resolve returns the canonical language name, entity.UnknownLanguage when
// nothing matches, or *AmbiguousLanguageError when several languages do.
func (r *LanguageResolver) Resolve(value string) (string, error) {
	code := strings.ToLower(strings.TrimSpace(value))
	if code == "" {
		return entity.UnknownLanguage, nil
	}
	if name := r.byISOCode(code); name != "" {
		return name, nil
	}
	if name := r.byTag(code); name != "" {
		return name, nil
	}

	r.once.Do(func() { r.index = r.build() })
	candidates := r.index[code]
	switch len(candidates) {
	case 0:
		return entity.UnknownLanguage, nil
	case 1:
		return r.names.Name(language.Make(candidates[0])), nil
	default:
		return "", &AmbiguousLanguageError{Value: value, Candidates: candidates}
	}
}

func (r *LanguageResolver) byISOCode(code string) string {
	if len(code) < 2 || len(code) > 3 {
		return ""
	}
	if t, ok := bibliographicCodes[code]; ok {
		code = t
	}
	base, err := language.ParseBase(code)
	if err != nil || base.String() == "und" {
		return ""
	}
	return r.names.Name(base)
}

func (r *LanguageResolver) byTag(code string) string {
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return ""
	}
	return r.tags.Name(tag)
}

// buildNameIndex walks every 2- and 3-letter code once and indexes the
// English name of each canonical language.
func (r *LanguageResolver) buildNameIndex() map[string][]string {
	index := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(code string) {
		if _, err := language.ParseBase(code); err != nil {
			return
		}
		base, _ := language.Make(code).Base()
		canonical := base.String()
		if canonical == "und" || seen[canonical] {
			return
		}
		seen[canonical] = true
		if name := r.names.Name(base); name != "" {
			key := strings.ToLower(name)
			index[key] = append(index[key], canonical)
		}
	}

	const letters = "abcdefghijklmnopqrstuvwxyz"
	for _, a := range letters {
		for _, b := range letters {
			add(string([]rune{a, b}))
		}
	}
	for _, a := range letters {
		for _, b := range letters {
			for _, c := range letters {
				add(string([]rune{a, b, c}))
			}
		}
	}
	for _, codes := range index {
		sort.Strings(codes)
	}
	return index
}
