package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/supportdesk/internal/domain"
	"github.com/xiaot623/supportdesk/internal/transport"
)

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorJSON writes the error envelope for err.
func errorJSON(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" && (kind == domain.KindInternal || kind == domain.KindUnavailable) {
		msg = de.Message
	}
	return c.JSON(statusForKind(kind), domain.ErrorResponse{
		Error: domain.ErrorBody{Code: string(kind), Message: msg},
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{
		Error: domain.ErrorBody{Code: string(domain.KindInvalidInput), Message: msg},
	})
}

// principal reads the caller or writes a 401.
func principal(c echo.Context) (domain.Principal, bool, error) {
	p, err := transport.PrincipalFromRequest(c.Request(), false)
	if err != nil {
		return domain.Principal{}, false, c.JSON(http.StatusUnauthorized, domain.ErrorResponse{
			Error: domain.ErrorBody{Code: "unauthenticated", Message: err.Error()},
		})
	}
	return p, true, nil
}
