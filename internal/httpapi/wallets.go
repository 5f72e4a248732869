package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/libris/circulation/internal/wallets"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/validators"
)

// WalletsAPI exposes the wallet commands and queries.
type WalletsAPI struct {
	handlers *wallets.Handlers
	queries  *wallets.Queries
}

func NewWalletsAPI(handlers *wallets.Handlers, queries *wallets.Queries) *WalletsAPI {
	return &WalletsAPI{handlers: handlers, queries: queries}
}

// Register mounts the wallet routes.
func (api *WalletsAPI) Register(e *echo.Echo) {
	e.POST("/wallets", api.create)
	e.POST("/wallets/:id/credit", api.credit)
	e.POST("/wallets/:id/debit", api.debit)
	e.GET("/wallets", api.list)
	e.GET("/wallets/:id", api.get)
}

type createWalletRequest struct {
	UserID         string          `json:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

func (api *WalletsAPI) create(c echo.Context) error {
	var req createWalletRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := validators.Check(validators.Required("user_id", req.UserID)); err != nil {
		return err
	}

	result, err := api.handlers.Create(c.Request().Context(), req.UserID, req.InitialBalance)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (api *WalletsAPI) credit(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	result, err := api.handlers.Credit(c.Request().Context(), id, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *WalletsAPI) debit(c echo.Context) error {
	id := c.Param("id")
	if err := validators.Check(validators.UUID("id", id)); err != nil {
		return err
	}

	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	result, err := api.handlers.Debit(c.Request().Context(), id, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *WalletsAPI) list(c echo.Context) error {
	params := query.Parse(c.QueryParams(), api.queries.Limits(), wallets.FilterKeys...)
	result, err := api.queries.List(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (api *WalletsAPI) get(c echo.Context) error {
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
