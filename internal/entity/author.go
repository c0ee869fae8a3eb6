package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Author identity is the (GivenNames, Surname) pair.
type Author struct {
	ID         string    `json:"id"`
	GivenNames string    `json:"given_names"`
	Surname    string    `json:"surname"`
	Slug       string    `json:"slug"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewAuthor(givenNames, surname string, now time.Time) Author {
	a := Author{
		ID:         uuid.NewString(),
		GivenNames: strings.TrimSpace(givenNames),
		Surname:    strings.TrimSpace(surname),
		CreatedAt:  now,
	}
	a.Slug = Slugify(a.FullName())
	return a
}

func (a Author) FullName() string {
	return strings.TrimSpace(a.GivenNames + " " + a.Surname)
}
