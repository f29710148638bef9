// README: Base handler utilities (JSON helpers, error mapping, caller identity).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tarhal/internal/http/middleware"
	"tarhal/internal/modules/dispatch"
	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
	"tarhal/internal/validation"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Details []validation.FieldError `json:"details,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module errors onto HTTP statuses. Anything that is
// not a known domain error is logged by the logging middleware as a 500.
func writeServiceError(c *gin.Context, err error) {
	var fields validation.Errors
	switch {
	case errors.As(err, &fields):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: validation.ErrInvalid.Error(), Details: fields})
	case errors.Is(err, validation.ErrInvalid),
		errors.Is(err, location.ErrInvalidPosition),
		errors.Is(err, pricing.ErrUnknownVehicleType),
		errors.Is(err, driver.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound),
		errors.Is(err, ride.ErrOfferNotFound),
		errors.Is(err, driver.ErrNotFound),
		errors.Is(err, location.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrNotAssigned),
		errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, ride.ErrOfferAlreadyResolved),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrActiveRide),
		errors.Is(err, driver.ErrAlreadyExists),
		errors.Is(err, driver.ErrInactive):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, driver.ErrInsufficientBalance):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, dispatch.ErrNoDriversAvailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrDispatchFailed):
		_ = c.Error(err)
		writeError(c, http.StatusServiceUnavailable, dispatch.ErrDispatchFailed.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// bindJSON decodes the body into v and answers 400 on malformed JSON.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing "+name)
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func isDriver(c *gin.Context) bool {
	return middleware.CallerRole(c) == middleware.RoleDriver
}

// page reads limit/offset query parameters; bad values fall back to defaults.
func page(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	offset, _ = strconv.Atoi(c.Query("offset"))
	return limit, offset
}
