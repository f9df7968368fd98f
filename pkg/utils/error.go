package utils

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrBadRequest        = fmt.Errorf("Bad request")
	ErrNotFound          = fmt.Errorf("Not found")
	ErrNoWorkItem        = fmt.Errorf("No work items available")
	ErrNoQueueForService = fmt.Errorf("No queue configured for service")
	ErrTerminalJob       = fmt.Errorf("Job is terminal")
	ErrInvalidTransition = fmt.Errorf("Invalid work item status transition")
)

// Convert errors to echo HTTP errors with appropriate status codes.
func HttpError(err error) error {
	switch err {
	case ErrNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case ErrBadRequest, ErrInvalidTransition:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case ErrTerminalJob:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case ErrNoQueueForService:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return err
}
