package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"ticketmarket/entity"
)

// toHTTPError maps domain errors to status codes. Anything unknown stays a 500.
func toHTTPError(err error) error {
	var (
		httpErr        *echo.HTTPError
		validation     entity.ValidationError
		transition     entity.InvalidTransitionError
		notFound       entity.NotFoundError
		conflict       entity.ConflictError
		unauthorized   entity.UnauthorizedError
		external       entity.ExternalServiceError
		allUnavailable entity.AllUnavailableError
	)

	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &allUnavailable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message":            allUnavailable.Error(),
			"unavailableTickets": allUnavailable.Unavailable,
			"notFoundTickets":    allUnavailable.NotFound,
		}).SetInternal(err)
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error()).SetInternal(err)
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusBadRequest, transition.Error()).SetInternal(err)
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error()).SetInternal(err)
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Error()).SetInternal(err)
	case errors.As(err, &unauthorized):
		return echo.NewHTTPError(http.StatusForbidden, unauthorized.Error()).SetInternal(err)
	case errors.As(err, &external):
		return echo.NewHTTPError(http.StatusBadGateway, external.Error()).SetInternal(err)
	}
	return err
}
