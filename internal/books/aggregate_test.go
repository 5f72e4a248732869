package books_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
)

func validCreateInput() books.CreateInput {
	return books.CreateInput{
		ISBN:            "978-0134190440",
		Title:           "The Go Programming Language",
		Author:          "Donovan & Kernighan",
		PublicationYear: 2015,
		Publisher:       "Addison-Wesley",
		Price:           decimal.RequireFromString("34.99"),
	}
}

func TestBookCreateRejectsBadCatalogData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*books.CreateInput)
	}{
		{"missing isbn", func(in *books.CreateInput) { in.ISBN = "" }},
		{"missing title", func(in *books.CreateInput) { in.Title = "" }},
		{"missing author", func(in *books.CreateInput) { in.Author = "" }},
		{"missing publisher", func(in *books.CreateInput) { in.Publisher = "" }},
		{"negative price", func(in *books.CreateInput) { in.Price = decimal.NewFromInt(-1) }},
		{"ancient year", func(in *books.CreateInput) { in.PublicationYear = 1300 }},
		{"far future year", func(in *books.CreateInput) { in.PublicationYear = 3000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validCreateInput()
			tt.mutate(&in)

			book := books.New(domain.NewID())
			err := book.Create(in)
			require.Error(t, err)
			assert.Equal(t, domain.CodeValidationError, domain.AsAppError(err).Code)
			assert.Empty(t, book.UncommittedEvents())
		})
	}
}

func TestBookCreateClaimsISBN(t *testing.T) {
	book := books.New(domain.NewID())
	require.NoError(t, book.Create(validCreateInput()))

	assert.Equal(t, int64(1), book.Version())
	assert.True(t, book.Available())

	uncommitted := book.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	assert.Equal(t, events.TypeBookCreated, uncommitted[0].EventType)
	require.Len(t, uncommitted[0].UniqueConstraints, 1)
	assert.Equal(t, books.ISBNIndex, uncommitted[0].UniqueConstraints[0].IndexName)
	assert.Equal(t, domain.ConstraintClaim, uncommitted[0].UniqueConstraints[0].Operation)

	err := book.Create(validCreateInput())
	require.Error(t, err, "a created book cannot be created again")
	assert.Equal(t, domain.CodeBookAlreadyExists, domain.AsAppError(err).Code)
}

func TestBookUpdateRecordsOnlyChangedFields(t *testing.T) {
	book := books.New(domain.NewID())
	require.NoError(t, book.Create(validCreateInput()))
	book.ClearUncommittedEvents()

	sameTitle := "The Go Programming Language"
	require.NoError(t, book.Update(books.UpdateInput{Title: &sameTitle}))
	assert.Empty(t, book.UncommittedEvents(), "an update that changes nothing records nothing")
	assert.Equal(t, int64(1), book.Version())

	newTitle := "The Go Programming Language, 2nd Edition"
	require.NoError(t, book.Update(books.UpdateInput{Title: &newTitle}))

	uncommitted := book.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	payload, err := events.As[*events.BookUpdated](uncommitted[0])
	require.NoError(t, err)
	require.NotNil(t, payload.Updated.Title)
	assert.Equal(t, newTitle, *payload.Updated.Title)
	require.NotNil(t, payload.Previous.Title)
	assert.Equal(t, sameTitle, *payload.Previous.Title)
	assert.Nil(t, payload.Updated.Price, "untouched fields stay out of the event")
	assert.Equal(t, newTitle, book.Title)
}

func TestBookPriceChangeRecordsMirrorEvent(t *testing.T) {
	book := books.New(domain.NewID())
	require.NoError(t, book.Create(validCreateInput()))
	book.ClearUncommittedEvents()

	newPrice := decimal.RequireFromString("39.99")
	require.NoError(t, book.Update(books.UpdateInput{Price: &newPrice}))

	uncommitted := book.UncommittedEvents()
	require.Len(t, uncommitted, 2)
	assert.Equal(t, events.TypeBookUpdated, uncommitted[0].EventType)
	assert.Equal(t, events.TypeBookRetailPriceUpdated, uncommitted[1].EventType)

	price, err := events.As[*events.BookRetailPriceUpdated](uncommitted[1])
	require.NoError(t, err)
	assert.True(t, price.OldPrice.Equal(decimal.RequireFromString("34.99")))
	assert.True(t, price.NewPrice.Equal(newPrice))
	assert.True(t, book.Price.Equal(newPrice))
}

func TestBookDeleteReleasesISBNAndFreezesState(t *testing.T) {
	book := books.New(domain.NewID())
	require.NoError(t, book.Create(validCreateInput()))
	book.ClearUncommittedEvents()

	require.NoError(t, book.Delete())
	assert.False(t, book.Available())

	uncommitted := book.UncommittedEvents()
	require.Len(t, uncommitted, 1)
	require.Len(t, uncommitted[0].UniqueConstraints, 1)
	assert.Equal(t, domain.ConstraintRelease, uncommitted[0].UniqueConstraints[0].Operation)
	assert.Equal(t, "978-0134190440", uncommitted[0].UniqueConstraints[0].Value)

	err := book.Delete()
	require.Error(t, err)
	assert.Equal(t, domain.CodeBookAlreadyDeleted, domain.AsAppError(err).Code)

	title := "after the fact"
	err = book.Update(books.UpdateInput{Title: &title})
	require.Error(t, err)
	assert.Equal(t, domain.CodeBookAlreadyDeleted, domain.AsAppError(err).Code)
}

func TestBookRehydratesFromHistory(t *testing.T) {
	source := books.New("book-1")
	require.NoError(t, source.Create(validCreateInput()))
	newPrice := decimal.RequireFromString("29.99")
	require.NoError(t, source.Update(books.UpdateInput{Price: &newPrice}))

	history := source.UncommittedEvents()

	replayed := books.New("book-1")
	for _, event := range history {
		require.NoError(t, replayed.Apply(event))
	}
	replayed.LoadFromHistory(history)

	assert.Equal(t, source.Version(), replayed.Version())
	assert.Equal(t, source.Title, replayed.Title)
	assert.True(t, source.Price.Equal(replayed.Price))
	assert.Equal(t, source.ISBN, replayed.ISBN)
}
