package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/libris/circulation/pkg/domain"
)

// errorEnvelope is the wire shape of every failed request.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// HTTPStatus maps an application error code to its response status. Conflicts
// over identity are 409, operations on deleted aggregates are 410, missing
// aggregates are 404 and every other domain rejection is 422. Concurrency
// conflicts surface as 409 because the client may retry the same request;
// infrastructure failures are 500.
func HTTPStatus(code string) int {
	switch code {
	case domain.CodeBookNotFound, domain.CodeReservationNotFound, domain.CodeWalletNotFound:
		return http.StatusNotFound
	case domain.CodeBookAlreadyExists, domain.CodeWalletAlreadyExists,
		domain.CodeReservationDuplicate:
		return http.StatusConflict
	case domain.CodeBookAlreadyDeleted, domain.CodeReservationAlreadyDeleted,
		domain.CodeWalletAlreadyDeleted:
		return http.StatusGone
	}

	switch domain.KindOfCode(code) {
	case domain.KindConcurrency:
		return http.StatusConflict
	case domain.KindInfrastructure:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

// handleError renders every error through one envelope. Echo's own routing
// errors (unknown path, bad method, malformed body) keep their status and get
// a code derived from it; everything else is classified by the application
// error taxonomy.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		body := errorBody{
			Code:    statusCode(httpErr.Code),
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
		s.render(c, httpErr.Code, body)
		return
	}

	app := domain.AsAppError(err)
	status := HTTPStatus(app.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", app.Code, "error", app.Message)
	}
	s.render(c, status, errorBody{Code: app.Code, Message: app.Message, Details: app.Details})
}

func (s *Server) render(c echo.Context, status int, body errorBody) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorEnvelope{Error: body})
	}
	if err != nil {
		s.logger.Error("render error response", "error", err)
	}
}

// statusCode turns an HTTP status into a stable machine-readable code, e.g.
// 404 -> NOT_FOUND.
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
