package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/libris/circulation/internal/reservations"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/validators"
)

// ReservationsAPI exposes the lending commands and queries.
type ReservationsAPI struct {
	handlers *reservations.Handlers
	queries  *reservations.Queries
}

func NewReservationsAPI(handlers *reservations.Handlers, queries *reservations.Queries) *ReservationsAPI {
	return &ReservationsAPI{handlers: handlers, queries: queries}
}

// Register mounts the lending routes.
func (api *ReservationsAPI) Register(e *echo.Echo) {
	e.POST("/reservations", api.create)
	e.POST("/reservations/:id/return", api.returnBook)
	e.POST("/reservations/:id/cancel", api.cancel)
	e.GET("/reservations", api.list)
	e.GET("/reservations/:id", api.get)
}

// createReservationRequest names the borrower and the book. Both IDs are
// opaque here; whether the book exists is decided by the catalog's validation
// step, not at the boundary.
type createReservationRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
}

func (api *ReservationsAPI) create(c echo.Context) error {
	var req createReservationRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := validators.Check(
		validators.Required("user_id", req.UserID),
		validators.Required("book_id", req.BookID),
	); err != nil {
		return err
	}

	result, err := api.handlers.Create(c.Request().Context(), req.UserID, req.BookID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (api *ReservationsAPI) returnBook(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	result, err := api.handlers.Return(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *ReservationsAPI) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	result, err := api.handlers.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *ReservationsAPI) list(c echo.Context) error {
	params := query.Parse(c.QueryParams(), api.queries.Limits(), reservations.FilterKeys...)
	result, err := api.queries.List(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *ReservationsAPI) get(c echo.Context) error {
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
