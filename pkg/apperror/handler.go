package apperror

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler returns an echo error handler that renders every error as
// a {"message": ...} body. Internal causes are logged, never surfaced.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "An internal error occurred"

		switch e := err.(type) {
		case *Error:
			code = e.HTTPStatus
			message = e.Message
		case *echo.HTTPError:
			code = e.Code
			switch m := e.Message.(type) {
			case string:
				message = m
			case map[string]any:
				if s, ok := m["message"].(string); ok {
					message = s
				}
			}
		}

		if code >= 500 {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("error", err.Error()),
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]any{"message": message})
	}
}
