package author

import (
	"context"
	"sync"
	"testing"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseNames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Name
	}{
		{"blank", "   ", nil},
		{"single token", "Homer", []Name{{Surname: "Homer"}}},
		{"split on last space", "Gabriel García Márquez", []Name{{GivenNames: "Gabriel García", Surname: "Márquez"}}},
		{"multiple authors", " Neil Gaiman,Terry Pratchett ", []Name{
			{GivenNames: "Neil", Surname: "Gaiman"},
			{GivenNames: "Terry", Surname: "Pratchett"},
		}},
		{"skips empty tokens", "Neil Gaiman,, ,", []Name{{GivenNames: "Neil", Surname: "Gaiman"}}},
		{"collapses duplicates", "Neil Gaiman, Neil  Gaiman", []Name{{GivenNames: "Neil", Surname: "Gaiman"}}},
		{"preserves case", "ursula le guin", []Name{{GivenNames: "ursula le", Surname: "guin"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNames(tt.in))
		})
	}
}

func TestResolver_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewResolver()

	var first, second []entity.Author
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		first, err = r.Resolve(ctx, tx, "Neil Gaiman, Terry Pratchett")
		return err
	}))
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		second, err = r.Resolve(ctx, tx, "Terry Pratchett")
		return err
	}))

	require.Len(t, first, 2)
	require.Len(t, second, 1)
	assert.Equal(t, first[1].ID, second[0].ID)
}

func TestResolver_BlankInputResolvesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		authors, err := NewResolver().Resolve(ctx, tx, "  ")
		assert.Empty(t, authors)
		return err
	}))
}

func TestResolver_SlugCollisionGetsSuffix(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewResolver()

	var a, b []entity.Author
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		if a, err = r.Resolve(ctx, tx, "Jean-Paul Sartre"); err != nil {
			return err
		}
		b, err = r.Resolve(ctx, tx, "Jean Paul-Sartre")
		return err
	}))
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, "jean-paul-sartre", a[0].Slug)
	assert.Equal(t, "jean-paul-sartre-2", b[0].Slug)
}

// racingTx loses the insert race: the first FindAuthor misses, the insert
// conflicts and the re-read finds the winner's row.
type racingTx struct {
	store.Tx
	mock.Mock
}

func (m *racingTx) FindAuthor(ctx context.Context, given, surname string) (entity.Author, error) {
	args := m.Called(ctx, given, surname)
	return args.Get(0).(entity.Author), args.Error(1)
}

func (m *racingTx) InsertAuthor(ctx context.Context, a entity.Author) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func TestResolver_LostInsertRaceRereads(t *testing.T) {
	ctx := context.Background()
	winner := entity.NewAuthor("Octavia", "Butler", time.Now())

	tx := new(racingTx)
	tx.On("FindAuthor", ctx, "Octavia", "Butler").Return(entity.Author{}, store.ErrNotFound).Once()
	tx.On("InsertAuthor", ctx, mock.MatchedBy(func(a entity.Author) bool {
		return a.Surname == "Butler" && a.ID != winner.ID
	})).Return(store.ErrDuplicateKey).Once()
	tx.On("FindAuthor", ctx, "Octavia", "Butler").Return(winner, nil).Once()

	got, err := NewResolver().Resolve(ctx, tx, "Octavia Butler")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, winner.ID, got[0].ID)
	tx.AssertExpectations(t)
}

func TestResolver_ConcurrentImportsShareAuthor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewResolver()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, func(tx store.Tx) error {
				authors, err := r.Resolve(ctx, tx, "Le Guin, Ursula K. Le Guin")
				if err != nil {
					return err
				}
				mu.Lock()
				for _, a := range authors {
					ids[a.ID] = true
				}
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 2)
}
