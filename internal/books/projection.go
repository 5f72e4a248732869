package books

import (
	"context"
	"database/sql"

	"github.com/libris/circulation/internal/events"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/projection"
)

// ViewName is the books projection's durable queue and checkpoint key.
const ViewName = "books-view"

// NewProjection builds the books_view registry. BookRetailPriceUpdated is
// not registered here: the view folds prices from BookUpdated, the price
// event exists for the reservations-side mirror.
func NewProjection() *projection.Registry {
	return projection.NewRegistry(ViewName).
		On(events.TypeBookCreated, applyBookCreated).
		On(events.TypeBookUpdated, applyBookUpdated).
		On(events.TypeBookDeleted, applyBookDeleted).
		OnReset(resetBooksView)
}

func applyBookCreated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookCreated](event)
	if err != nil {
		return err
	}
	return projection.UpsertCreate(ctx, tx, "books_view", p.BookID, event.Version, projection.Cols{
		{Name: "isbn", Value: p.ISBN},
		{Name: "title", Value: p.Title},
		{Name: "author", Value: p.Author},
		{Name: "publication_year", Value: p.PublicationYear},
		{Name: "publisher", Value: p.Publisher},
		{Name: "price", Value: p.Price.String()},
		{Name: "created_at", Value: p.CreatedAt.UnixNano()},
		{Name: "updated_at", Value: p.UpdatedAt.UnixNano()},
	})
}

func applyBookUpdated(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookUpdated](event)
	if err != nil {
		return err
	}

	cols := projection.Cols{{Name: "updated_at", Value: p.UpdatedAt.UnixNano()}}
	if p.Updated.Title != nil {
		cols = append(cols, projection.Col{Name: "title", Value: *p.Updated.Title})
	}
	if p.Updated.Author != nil {
		cols = append(cols, projection.Col{Name: "author", Value: *p.Updated.Author})
	}
	if p.Updated.PublicationYear != nil {
		cols = append(cols, projection.Col{Name: "publication_year", Value: *p.Updated.PublicationYear})
	}
	if p.Updated.Publisher != nil {
		cols = append(cols, projection.Col{Name: "publisher", Value: *p.Updated.Publisher})
	}
	if p.Updated.Price != nil {
		cols = append(cols, projection.Col{Name: "price", Value: p.Updated.Price.String()})
	}
	return projection.GatedUpdate(ctx, tx, "books_view", p.BookID, event.Version, cols)
}

func applyBookDeleted(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	p, err := events.As[*events.BookDeleted](event)
	if err != nil {
		return err
	}
	return projection.SoftDelete(ctx, tx, "books_view", p.BookID, event.Version, p.DeletedAt)
}

func resetBooksView(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM books_view`)
	return err
}
