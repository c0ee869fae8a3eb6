// Package validation checks and normalizes one import row into a book draft.
package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = newValidate()

	libraryIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)
	isbn10Pattern    = regexp.MustCompile(`^\d{9}[\dX]$`)
	isbn13Pattern    = regexp.MustCompile(`^\d{13}$`)
)

func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// overrides the built-in checksum-validating isbn tag: only the format is enforced
	if err := v.RegisterValidation("isbn", validateISBN); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("library_id", validateLibraryID); err != nil {
		panic(err)
	}
	return v
}

// NormalizeISBN drops the hyphens and spaces allowed in printed ISBNs.
func NormalizeISBN(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return strings.TrimSpace(s)
}

func validateISBN(fl validator.FieldLevel) bool {
	return ValidISBN(fl.Field().String())
}

// ValidISBN reports whether s, once normalized, has the ISBN-10 or ISBN-13
// shape. Check digits are not verified.
func ValidISBN(s string) bool {
	isbn := NormalizeISBN(s)
	switch len(isbn) {
	case 10:
		return isbn10Pattern.MatchString(isbn)
	case 13:
		return isbn13Pattern.MatchString(isbn)
	}
	return false
}

func validateLibraryID(fl validator.FieldLevel) bool {
	return libraryIDPattern.MatchString(fl.Field().String())
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RowError lists every failing field of one row.
type RowError struct {
	Fields []FieldError `json:"fields"`
}

func (e *RowError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid row: " + strings.Join(parts, "; ")
}

func (e *RowError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *RowError) addValidation(err error) {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		e.add("row", err.Error())
		return
	}
	for _, fe := range verrs {
		e.add(fe.Field(), message(fe))
	}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	case "isbn":
		return "Invalid ISBN format."
	case "library_id":
		return "Invalid Library ID format."
	default:
		return "Invalid value."
	}
}

// Check validates a tagged struct and reports failures as a *RowError.
func Check(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	re := &RowError{}
	re.addValidation(err)
	return re
}
