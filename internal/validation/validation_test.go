package validation

import (
	"testing"

	"libraryapi/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldNames(err error) []string {
	rowErr, ok := err.(*RowError)
	if !ok {
		return nil
	}
	names := make([]string, len(rowErr.Fields))
	for i, f := range rowErr.Fields {
		names[i] = f.Field
	}
	return names
}

func TestRowValidator_AcceptsValidRow(t *testing.T) {
	v := NewRowValidator(nil)
	d, err := v.Validate(RawRow{
		LibraryID:       "LIB0000001",
		ISBN:            "0123456789123",
		Title:           "  The Left Hand of Darkness ",
		Authors:         "Ursula K. Le Guin",
		PublicationYear: "1969",
		Language:        "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "The Left Hand of Darkness", d.Title)
	assert.Equal(t, "English", d.Language)
	require.NotNil(t, d.PublicationYear)
	assert.Equal(t, 1969, *d.PublicationYear)
}

func TestRowValidator_RejectsBadIdentifiers(t *testing.T) {
	v := NewRowValidator(nil)
	_, err := v.Validate(RawRow{LibraryID: "BADID", ISBN: "BADISBN", Title: "Title"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"library_id", "isbn"}, fieldNames(err))
}

func TestRowValidator_ReportsEveryFailingField(t *testing.T) {
	v := NewRowValidator(NewLanguageResolverWithIndex(map[string][]string{"chinese": {"cmn", "zh"}}))
	_, err := v.Validate(RawRow{
		LibraryID:       "LIB-01",
		ISBN:            "12345",
		Title:           "T",
		PublicationYear: "nineteen",
		Language:        "chinese",
	})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"library_id", "isbn", "publication_year", "language"}, fieldNames(err))
}

func TestRowValidator_MissingMandatoryStopsEarly(t *testing.T) {
	v := NewRowValidator(nil)
	_, err := v.Validate(RawRow{LibraryID: "BADID", ISBN: "  ", Title: ""})
	require.Error(t, err)
	// format of library_id is not checked once a mandatory field is missing
	assert.ElementsMatch(t, []string{"title", "isbn"}, fieldNames(err))
}

func TestRowValidator_ISBNFormats(t *testing.T) {
	v := NewRowValidator(nil)
	for _, isbn := range []string{"0441013597", "044101359X", "978-0-441-01359-3", "0123456789123"} {
		d, err := v.Validate(RawRow{LibraryID: "LIB0000001", ISBN: isbn, Title: "Dune"})
		assert.NoError(t, err, isbn)
		assert.NotContains(t, d.ISBN, "-")
	}
	for _, isbn := range []string{"044101359x", "X441013597", "12345678901234", "97804410135"} {
		_, err := v.Validate(RawRow{LibraryID: "LIB0000001", ISBN: isbn, Title: "Dune"})
		assert.Error(t, err, isbn)
	}
}

func TestRowValidator_TitleLength(t *testing.T) {
	v := NewRowValidator(nil)
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	_, err := v.Validate(RawRow{LibraryID: "LIB0000001", ISBN: "0441013597", Title: string(long)})
	assert.Equal(t, []string{"title"}, fieldNames(err))
}

func TestParseYear(t *testing.T) {
	tests := []struct {
		in      string
		want    *int
		wantErr bool
	}{
		{"", nil, false},
		{"1999", intPtr(1999), false},
		{"-500", intPtr(-500), false},
		{"1999.0", intPtr(1999), false},
		{"1999.5", nil, true},
		{"abc", nil, true},
		{"NaN", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseYear(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func intPtr(n int) *int { return &n }

func TestLanguageResolver_Layers(t *testing.T) {
	r := NewLanguageResolver()
	tests := map[string]string{
		"en":         "English",
		"EN":         "English",
		"eng":        "English",
		"de":         "German",
		"deu":        "German",
		"ger":        "German",
		"fre":        "French",
		"en-gb":      "British English",
		"french":     "French",
		"":           entity.UnknownLanguage,
		"klingonese": entity.UnknownLanguage,
		"und":        entity.UnknownLanguage,
	}
	for in, want := range tests {
		got, err := r.Resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestLanguageResolver_Ambiguous(t *testing.T) {
	r := NewLanguageResolverWithIndex(map[string][]string{
		"chinese": {"cmn", "zh"},
		"basque":  {"eu"},
	})

	_, err := r.Resolve("Chinese")
	var ambiguous *AmbiguousLanguageError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"cmn", "zh"}, ambiguous.Candidates)
	assert.Contains(t, err.Error(), "cmn, zh")

	got, err := r.Resolve("basque")
	require.NoError(t, err)
	assert.Equal(t, "Basque", got)
}

func TestValidISBN(t *testing.T) {
	for _, s := range []string{"0261102214", "026110221X", "978-0-441-01359-3", "9780441013593"} {
		assert.True(t, ValidISBN(s), s)
	}
	for _, s := range []string{"", "B00ABC", "B00B7NPRY8", "97804410135", "978044101359X"} {
		assert.False(t, ValidISBN(s), s)
	}
}
