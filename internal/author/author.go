// Package author turns free-text author strings into de-duplicated Author records.
package author

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/store"
)

const maxSlugAttempts = 10

type Name struct {
	GivenNames string
	Surname    string
}

// ParseNames splits s on commas and each token on its last space. A single
// word becomes the surname. Blank tokens are skipped.
func ParseNames(s string) []Name {
	var names []Name
	seen := make(map[Name]bool)
	for _, token := range strings.Split(s, ",") {
		token = strings.Join(strings.Fields(token), " ")
		if token == "" {
			continue
		}
		n := Name{Surname: token}
		if i := strings.LastIndex(token, " "); i >= 0 {
			n = Name{GivenNames: token[:i], Surname: token[i+1:]}
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

type Resolver struct {
	now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Resolve get-or-creates one Author per name in s inside tx.
func (r *Resolver) Resolve(ctx context.Context, tx store.Tx, s string) ([]entity.Author, error) {
	names := ParseNames(s)
	authors := make([]entity.Author, 0, len(names))
	for _, n := range names {
		a, err := r.getOrCreate(ctx, tx, n)
		if err != nil {
			return nil, fmt.Errorf("resolve author %q: %w", strings.TrimSpace(n.GivenNames+" "+n.Surname), err)
		}
		authors = append(authors, a)
	}
	return authors, nil
}

// getOrCreate relies on the (given_names, surname) unique constraint: a lost
// insert race is settled by reading the row the winner wrote. When the pair is
// still absent the conflict came from the slug, which is retried with a suffix.
func (r *Resolver) getOrCreate(ctx context.Context, tx store.Tx, n Name) (entity.Author, error) {
	a, err := tx.FindAuthor(ctx, n.GivenNames, n.Surname)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return entity.Author{}, err
	}

	candidate := entity.NewAuthor(n.GivenNames, n.Surname, r.now())
	base := candidate.Slug
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		err := tx.InsertAuthor(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return entity.Author{}, err
		}
		existing, findErr := tx.FindAuthor(ctx, n.GivenNames, n.Surname)
		if findErr == nil {
			return existing, nil
		}
		if !errors.Is(findErr, store.ErrNotFound) {
			return entity.Author{}, findErr
		}
		candidate.Slug = entity.SuffixSlug(base, attempt+1)
	}
	return entity.Author{}, fmt.Errorf("slug %q still taken after %d attempts: %w", base, maxSlugAttempts, store.ErrDuplicateKey)
}

// IDs returns the author IDs in input order.
func IDs(authors []entity.Author) []string {
	ids := make([]string, len(authors))
	for i, a := range authors {
		ids[i] = a.ID
	}
	return ids
}
