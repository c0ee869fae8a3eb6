package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// RawRow is one import row as read from the file, before any checks.
type RawRow struct {
	LibraryID       string
	ISBN            string
	Title           string
	Authors         string
	PublicationYear string
	Language        string
}

// Draft is a row that passed validation, in canonical form.
type Draft struct {
	LibraryID       string
	ISBN            string
	Title           string
	Authors         string
	PublicationYear *int
	Language        string
}

type mandatoryFields struct {
	Title     string `json:"title" validate:"required"`
	LibraryID string `json:"library_id" validate:"required"`
	ISBN      string `json:"isbn" validate:"required"`
}

type formatFields struct {
	Title     string `json:"title" validate:"max=200"`
	LibraryID string `json:"library_id" validate:"library_id"`
	ISBN      string `json:"isbn" validate:"isbn"`
}

type RowValidator struct {
	languages *LanguageResolver
}

func NewRowValidator(languages *LanguageResolver) *RowValidator {
	if languages == nil {
		languages = NewLanguageResolver()
	}
	return &RowValidator{languages: languages}
}

// Validate returns the canonical draft or a *RowError naming every failing
// field. A row missing a mandatory field fails before any other check runs.
func (v *RowValidator) Validate(raw RawRow) (Draft, error) {
	title := strings.TrimSpace(raw.Title)
	libraryID := strings.TrimSpace(raw.LibraryID)
	isbn := NormalizeISBN(raw.ISBN)

	rowErr := &RowError{}
	if err := validate.Struct(mandatoryFields{Title: title, LibraryID: libraryID, ISBN: isbn}); err != nil {
		rowErr.addValidation(err)
		return Draft{}, rowErr
	}

	if err := validate.Struct(formatFields{Title: title, LibraryID: libraryID, ISBN: isbn}); err != nil {
		rowErr.addValidation(err)
	}

	year, err := ParseYear(raw.PublicationYear)
	if err != nil {
		rowErr.add("publication_year", err.Error())
	}

	language, err := v.languages.Resolve(raw.Language)
	if err != nil {
		rowErr.add("language", err.Error())
	}

	if len(rowErr.Fields) > 0 {
		return Draft{}, rowErr
	}
	return Draft{
		LibraryID:       libraryID,
		ISBN:            isbn,
		Title:           title,
		Authors:         strings.TrimSpace(raw.Authors),
		PublicationYear: year,
		Language:        language,
	}, nil
}

var errYear = errors.New("must be a whole number")

// ParseYear accepts signed integers and integral floats such as "1999.0",
// which spreadsheet exports produce. Empty means unknown.
func ParseYear(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return nil, errYear
	}
	n := int(f)
	return &n, nil
}
