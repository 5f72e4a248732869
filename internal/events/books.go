package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookCreated is emitted when a book enters the catalog. UpdatedAt equals
// CreatedAt at creation and exists so read models never special-case the
// first write.
type BookCreated struct {
	BookID          string          `json:"book_id"`
	ISBN            string          `json:"isbn"`
	Title           string          `json:"title"`
	Author          string          `json:"author"`
	PublicationYear int             `json:"publication_year"`
	Publisher       string          `json:"publisher"`
	Price           decimal.Decimal `json:"price"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (BookCreated) EventType() string { return TypeBookCreated }

// BookFieldChanges carries the sparse set of book fields touched by an
// update. Nil means the field did not change.
type BookFieldChanges struct {
	Title           *string          `json:"title,omitempty"`
	Author          *string          `json:"author,omitempty"`
	PublicationYear *int             `json:"publication_year,omitempty"`
	Publisher       *string          `json:"publisher,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
}

// Empty reports whether no field changed.
func (c BookFieldChanges) Empty() bool {
	return c.Title == nil && c.Author == nil && c.PublicationYear == nil &&
		c.Publisher == nil && c.Price == nil
}

// BookUpdated is emitted when catalog data changes. Previous and Updated
// carry only the fields that actually changed.
type BookUpdated struct {
	BookID    string           `json:"book_id"`
	Previous  BookFieldChanges `json:"previous"`
	Updated   BookFieldChanges `json:"updated"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (BookUpdated) EventType() string { return TypeBookUpdated }

// BookRetailPriceUpdated is emitted alongside BookUpdated whenever the retail
// price changes, so price mirrors don't have to inspect sparse updates.
type BookRetailPriceUpdated struct {
	BookID    string          `json:"book_id"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (BookRetailPriceUpdated) EventType() string { return TypeBookRetailPriceUpdated }

// BookDeleted is emitted when a book is removed from the catalog.
// Removal is a soft delete; history remains replayable.
type BookDeleted struct {
	BookID    string    `json:"book_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (BookDeleted) EventType() string { return TypeBookDeleted }
