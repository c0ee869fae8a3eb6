package ingest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRows_NormalizesHeader(t *testing.T) {
	in := "\xef\xbb\xbf ID ,Title,AUTHORS, Publication Year ,Language,ISBN\n" +
		"123,Dune,Frank Herbert,1965,EN ,978-0441013593\n"

	rows, err := readRows(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Index)
	assert.Equal(t, "123", rows[0].Raw.LibraryID)
	assert.Equal(t, "Dune", rows[0].Raw.Title)
	assert.Equal(t, "Frank Herbert", rows[0].Raw.Authors)
	assert.Equal(t, "1965", rows[0].Raw.PublicationYear)
	assert.Equal(t, "978-0441013593", rows[0].Raw.ISBN)
}

func TestReadRows_MissingColumnsIsSchemaError(t *testing.T) {
	_, err := readRows(strings.NewReader("id,title,isbn\n1,Dune,123\n"))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, []string{"authors", "language", "publication year"}, schemaErr.Missing)
}

func TestReadRows_WholeFileFaultsAreTransient(t *testing.T) {
	cases := map[string][]byte{
		"empty":     []byte("  \n"),
		"not utf-8": []byte("id,authors,publication year,title,language\n1,\xff\xfe,1,x,en\n"),
		"bad quote": []byte("id,authors,publication year,title,language\n1,\"unterminated,1,x,en\n"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readRows(bytes.NewReader(data))
			var te *TransientError
			assert.ErrorAs(t, err, &te)
		})
	}
}

func TestReadRows_OptionalISBNColumn(t *testing.T) {
	rows, err := readRows(strings.NewReader("id,authors,publication year,title,language\n1,A B,2000,T,en\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Raw.ISBN)
}

func TestDropIncomplete(t *testing.T) {
	rows := []sourceRow{
		{Index: 1}, {Index: 2}, {Index: 3}, {Index: 4},
	}
	rows[0].Raw.ISBN, rows[0].Raw.Title = "1", "a"
	rows[1].Raw.ISBN = "2"
	rows[2].Raw.Title = "c"
	rows[3].Raw.ISBN, rows[3].Raw.Title = "4", " d "

	kept, dropped := dropIncomplete(rows)
	assert.Equal(t, []int{2, 3}, dropped)
	require.Len(t, kept, 2)
	assert.Equal(t, 1, kept[0].Index)
	assert.Equal(t, 4, kept[1].Index)
}

func TestNormalizeRow(t *testing.T) {
	r := sourceRow{}
	r.Raw.LibraryID = " 42 "
	r.Raw.ISBN = " 0123456789 "
	r.Raw.Language = " EN "

	got := normalizeRow(r.Raw)
	assert.Equal(t, "0000000042", got.LibraryID)
	assert.Equal(t, "0123456789", got.ISBN)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, "Unknown", got.Authors)

	r.Raw.LibraryID = "LIB0000001X"
	assert.Equal(t, "LIB0000001X", normalizeRow(r.Raw).LibraryID)
}
