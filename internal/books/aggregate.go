// Package books implements the catalog service: the Book aggregate, its
// command handlers, the books_view projection, the reservation-validation
// reactor and the read-side queries.
package books

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
)

// ISBNIndex is the unique constraint index holding one live catalog entry
// per ISBN. Deleting a book releases its claim, so the ISBN can be
// re-catalogued.
const ISBNIndex = "book_isbn"

// Publication years older than movable type are data-entry errors.
const earliestPublicationYear = 1450

// Book is the catalog aggregate.
type Book struct {
	domain.AggregateRoot

	ISBN            string
	Title           string
	Author          string
	PublicationYear int
	Publisher       string
	Price           decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// New creates an empty Book ready to fold its history.
func New(id string) *Book {
	return &Book{AggregateRoot: domain.NewAggregateRoot(id, events.AggregateBook)}
}

// CreateInput carries the catalog data for a new book.
type CreateInput struct {
	ISBN            string
	Title           string
	Author          string
	PublicationYear int
	Publisher       string
	Price           decimal.Decimal
}

// Create catalogues the book and claims its ISBN.
func (b *Book) Create(in CreateInput) error {
	if b.Version() != 0 {
		return domain.NewAppErrorf(domain.CodeBookAlreadyExists, "book %s already exists", b.ID())
	}
	if err := validateCatalogData(in); err != nil {
		return err
	}

	now := domain.Now()
	payload := &events.BookCreated{
		BookID:          b.ID(),
		ISBN:            in.ISBN,
		Title:           in.Title,
		Author:          in.Author,
		PublicationYear: in.PublicationYear,
		Publisher:       in.Publisher,
		Price:           in.Price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b.applyCreated(payload)
	return b.RecordWithConstraints(payload, []domain.UniqueConstraint{
		domain.ClaimUnique(ISBNIndex, in.ISBN),
	})
}

// UpdateInput carries a sparse book update. Nil fields stay untouched.
type UpdateInput struct {
	Title           *string
	Author          *string
	PublicationYear *int
	Publisher       *string
	Price           *decimal.Decimal
}

// Update applies the changed fields. Unchanged values are dropped from the
// recorded event, so an update that changes nothing records nothing. A price
// change additionally records BookRetailPriceUpdated for the price mirrors.
func (b *Book) Update(in UpdateInput) error {
	if b.DeletedAt != nil {
		return domain.NewAppErrorf(domain.CodeBookAlreadyDeleted, "book %s is deleted", b.ID())
	}
	if err := validateUpdate(in); err != nil {
		return err
	}

	previous, updated := b.diff(in)
	if updated.Empty() {
		return nil
	}

	now := domain.Now()
	oldPrice := b.Price
	payload := &events.BookUpdated{
		BookID:    b.ID(),
		Previous:  previous,
		Updated:   updated,
		UpdatedAt: now,
	}
	b.applyUpdated(payload)
	if err := b.Record(payload); err != nil {
		return err
	}

	if updated.Price != nil {
		price := &events.BookRetailPriceUpdated{
			BookID:    b.ID(),
			OldPrice:  oldPrice,
			NewPrice:  *updated.Price,
			UpdatedAt: now,
		}
		return b.Record(price)
	}
	return nil
}

// Delete removes the book from the catalog and releases its ISBN. The
// history stays replayable; read models soft-delete the document.
func (b *Book) Delete() error {
	if b.DeletedAt != nil {
		return domain.NewAppErrorf(domain.CodeBookAlreadyDeleted, "book %s is already deleted", b.ID())
	}

	payload := &events.BookDeleted{
		BookID:    b.ID(),
		DeletedAt: domain.Now(),
	}
	b.applyDeleted(payload)
	return b.RecordWithConstraints(payload, []domain.UniqueConstraint{
		domain.ReleaseUnique(ISBNIndex, b.ISBN),
	})
}

// Available reports whether the book can be reserved.
func (b *Book) Available() bool {
	return b.Version() > 0 && b.DeletedAt == nil
}

// Apply implements domain.Aggregate.
func (b *Book) Apply(event *domain.Event) error {
	switch event.EventType {
	case events.TypeBookCreated:
		payload, err := events.As[*events.BookCreated](event)
		if err != nil {
			return err
		}
		b.applyCreated(payload)

	case events.TypeBookUpdated:
		payload, err := events.As[*events.BookUpdated](event)
		if err != nil {
			return err
		}
		b.applyUpdated(payload)

	case events.TypeBookRetailPriceUpdated:
		// Price is already folded by the paired BookUpdated.

	case events.TypeBookDeleted:
		payload, err := events.As[*events.BookDeleted](event)
		if err != nil {
			return err
		}
		b.applyDeleted(payload)

	default:
		return fmt.Errorf("unknown event type: %s", event.EventType)
	}
	return nil
}

func (b *Book) applyCreated(p *events.BookCreated) {
	b.ISBN = p.ISBN
	b.Title = p.Title
	b.Author = p.Author
	b.PublicationYear = p.PublicationYear
	b.Publisher = p.Publisher
	b.Price = p.Price
	b.CreatedAt = p.CreatedAt
	b.UpdatedAt = p.UpdatedAt
	b.DeletedAt = nil
}

func (b *Book) applyUpdated(p *events.BookUpdated) {
	if p.Updated.Title != nil {
		b.Title = *p.Updated.Title
	}
	if p.Updated.Author != nil {
		b.Author = *p.Updated.Author
	}
	if p.Updated.PublicationYear != nil {
		b.PublicationYear = *p.Updated.PublicationYear
	}
	if p.Updated.Publisher != nil {
		b.Publisher = *p.Updated.Publisher
	}
	if p.Updated.Price != nil {
		b.Price = *p.Updated.Price
	}
	b.UpdatedAt = p.UpdatedAt
}

func (b *Book) applyDeleted(p *events.BookDeleted) {
	deletedAt := p.DeletedAt
	b.DeletedAt = &deletedAt
	b.UpdatedAt = p.DeletedAt
}

// diff splits an update into the fields that actually change and their
// previous values.
func (b *Book) diff(in UpdateInput) (previous, updated events.BookFieldChanges) {
	if in.Title != nil && *in.Title != b.Title {
		old := b.Title
		previous.Title, updated.Title = &old, in.Title
	}
	if in.Author != nil && *in.Author != b.Author {
		old := b.Author
		previous.Author, updated.Author = &old, in.Author
	}
	if in.PublicationYear != nil && *in.PublicationYear != b.PublicationYear {
		old := b.PublicationYear
		previous.PublicationYear, updated.PublicationYear = &old, in.PublicationYear
	}
	if in.Publisher != nil && *in.Publisher != b.Publisher {
		old := b.Publisher
		previous.Publisher, updated.Publisher = &old, in.Publisher
	}
	if in.Price != nil && !in.Price.Equal(b.Price) {
		old := b.Price
		previous.Price, updated.Price = &old, in.Price
	}
	return previous, updated
}

func validateCatalogData(in CreateInput) error {
	switch {
	case in.ISBN == "":
		return domain.NewAppError(domain.CodeValidationError, "isbn is required")
	case in.Title == "":
		return domain.NewAppError(domain.CodeValidationError, "title is required")
	case in.Author == "":
		return domain.NewAppError(domain.CodeValidationError, "author is required")
	case in.Publisher == "":
		return domain.NewAppError(domain.CodeValidationError, "publisher is required")
	case in.Price.IsNegative():
		return domain.NewAppError(domain.CodeValidationError, "price must not be negative")
	}
	return validateYear(in.PublicationYear)
}

func validateUpdate(in UpdateInput) error {
	switch {
	case in.Title != nil && *in.Title == "":
		return domain.NewAppError(domain.CodeValidationError, "title must not be empty")
	case in.Author != nil && *in.Author == "":
		return domain.NewAppError(domain.CodeValidationError, "author must not be empty")
	case in.Publisher != nil && *in.Publisher == "":
		return domain.NewAppError(domain.CodeValidationError, "publisher must not be empty")
	case in.Price != nil && in.Price.IsNegative():
		return domain.NewAppError(domain.CodeValidationError, "price must not be negative")
	}
	if in.PublicationYear != nil {
		return validateYear(*in.PublicationYear)
	}
	return nil
}

func validateYear(year int) error {
	if year < earliestPublicationYear || year > domain.Now().Year()+1 {
		return domain.NewAppErrorf(domain.CodeValidationError,
			"publication year %d is out of range", year)
	}
	return nil
}
