package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"libraryapi/internal/validation"
)

const libraryIDWidth = 10

var requiredColumns = []string{"id", "authors", "publication year", "title", "language"}

// canonical column names after the header rename
var renamedColumns = map[string]string{
	"id":               "library_id",
	"publication year": "publication_year",
}

type sourceRow struct {
	Index int // 1-based data row number
	Raw   validation.RawRow
}

// readRows parses the whole file before anything is written.
func readRows(r io.Reader) ([]sourceRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, transient("read file: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, transient("file is empty")
	}
	if !utf8.Valid(data) {
		return nil, transient("file is not valid UTF-8")
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, transient("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := columns[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &SchemaError{Missing: missing}
	}
	for from, to := range renamedColumns {
		columns[to] = columns[from]
		delete(columns, from)
	}

	field := func(rec []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []sourceRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, transient("parse csv: %w", err)
		}
		rows = append(rows, sourceRow{
			Index: len(rows) + 1,
			Raw: validation.RawRow{
				LibraryID:       field(rec, "library_id"),
				ISBN:            field(rec, "isbn"),
				Title:           field(rec, "title"),
				Authors:         field(rec, "authors"),
				PublicationYear: field(rec, "publication_year"),
				Language:        field(rec, "language"),
			},
		})
	}
	return rows, nil
}

// dropIncomplete removes rows without an isbn or title and returns the
// 1-based indexes of the dropped rows.
func dropIncomplete(rows []sourceRow) (kept []sourceRow, dropped []int) {
	kept = rows[:0:0]
	for _, row := range rows {
		if strings.TrimSpace(row.Raw.ISBN) == "" || strings.TrimSpace(row.Raw.Title) == "" {
			dropped = append(dropped, row.Index)
			continue
		}
		kept = append(kept, row)
	}
	return kept, dropped
}

func normalizeRow(raw validation.RawRow) validation.RawRow {
	raw.LibraryID = padLibraryID(strings.TrimSpace(raw.LibraryID))
	raw.ISBN = strings.TrimSpace(raw.ISBN)
	raw.Language = strings.ToLower(strings.TrimSpace(raw.Language))
	if strings.TrimSpace(raw.Authors) == "" {
		raw.Authors = "Unknown"
	}
	return raw
}

func padLibraryID(id string) string {
	if id == "" || len(id) >= libraryIDWidth {
		return id
	}
	return strings.Repeat("0", libraryIDWidth-len(id)) + id
}
