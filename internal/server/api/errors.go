package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"vanish/internal/logging"
	"vanish/internal/server/apperr"
)

// writeError renders err as {"error": message} with the status of its kind.
// Expected outcomes are not logged; storage failures and exhausted retries
// are, and only outside production does the raw cause reach the client.
func writeError(c echo.Context, err error, production bool) error {
	kind := apperr.KindOf(err)
	body := echo.Map{"error": "Internal server error"}

	if e, ok := apperr.As(err); ok {
		body["error"] = e.Message
		for k, v := range e.Details {
			body[k] = v
		}
		if e.Reason != "" {
			body["reason"] = e.Reason
		}
	}

	switch kind {
	case apperr.KindStorage:
		logging.FromContext(c.Request().Context()).Error("request failed", "error", err)
		if !production {
			body["detail"] = err.Error()
		}
	case apperr.KindConflict:
		logging.FromContext(c.Request().Context()).Warn("request conflicted", "error", err)
	}

	return c.JSON(kind.Status(), body)
}

// httpErrorHandler renders errors that escape the handlers, such as echo's
// own routing, body limit and rate limit errors, in the same shape.
func httpErrorHandler(production bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok {
				msg = m
			} else if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
			if err := c.JSON(he.Code, echo.Map{"error": msg}); err != nil {
				logging.FromContext(c.Request().Context()).Debug("failed to write error", "error", err)
			}
			return
		}

		if err := writeError(c, err, production); err != nil {
			logging.FromContext(c.Request().Context()).Debug("failed to write error", "error", err)
		}
	}
}
