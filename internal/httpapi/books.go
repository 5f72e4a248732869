package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/validators"
)

// BooksAPI exposes the catalog commands and queries.
type BooksAPI struct {
	handlers *books.Handlers
	queries  *books.Queries
}

func NewBooksAPI(handlers *books.Handlers, queries *books.Queries) *BooksAPI {
	return &BooksAPI{handlers: handlers, queries: queries}
}

// Register mounts the catalog routes.
func (api *BooksAPI) Register(e *echo.Echo) {
	e.POST("/books", api.create)
	e.PATCH("/books/:id", api.update)
	e.DELETE("/books/:id", api.remove)
	e.GET("/books", api.list)
	e.GET("/books/:id", api.get)
}

type createBookRequest struct {
	ISBN            string          `json:"isbn"`
	Title           string          `json:"title"`
	Author          string          `json:"author"`
	PublicationYear int             `json:"publication_year"`
	Publisher       string          `json:"publisher"`
	Price           decimal.Decimal `json:"price"`
}

func (api *BooksAPI) create(c echo.Context) error {
	var req createBookRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := validators.Check(
		validators.ISBN("isbn", req.ISBN),
		validators.Required("title", req.Title),
		validators.Required("author", req.Author),
		validators.Required("publisher", req.Publisher),
	); err != nil {
		return err
	}

	result, err := api.handlers.Create(c.Request().Context(), books.CreateInput{
		ISBN:            req.ISBN,
		Title:           req.Title,
		Author:          req.Author,
		PublicationYear: req.PublicationYear,
		Publisher:       req.Publisher,
		Price:           req.Price,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

type updateBookRequest struct {
	Title           *string          `json:"title"`
	Author          *string          `json:"author"`
	PublicationYear *int             `json:"publication_year"`
	Publisher       *string          `json:"publisher"`
	Price           *decimal.Decimal `json:"price"`
}

func (api *BooksAPI) update(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	var req updateBookRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	result, err := api.handlers.Update(c.Request().Context(), id, books.UpdateInput{
		Title:           req.Title,
		Author:          req.Author,
		PublicationYear: req.PublicationYear,
		Publisher:       req.Publisher,
		Price:           req.Price,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *BooksAPI) remove(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	result, err := api.handlers.Delete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *BooksAPI) list(c echo.Context) error {
	params := query.Parse(c.QueryParams(), api.queries.Limits(), books.FilterKeys...)
	result, err := api.queries.List(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *BooksAPI) get(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	doc, err := api.queries.Get(c.Request().Context(), id, c.QueryParam("include_deleted") == "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}
