package outcome

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Result is the uniform response envelope.
type Result[T any] struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Kind    Kind     `json:"kind,omitempty"`
	Data    T        `json:"data,omitempty"`
}

func OK[T any](data T, message string) Result[T] {
	return Result[T]{Success: true, Message: message, Data: data}
}

// Fail builds a failed envelope from err. Storage failures get a generic
// message so driver text never reaches the client.
func Fail(err error) Result[any] {
	var oe *Error
	if !errors.As(err, &oe) {
		return Result[any]{Message: "internal storage failure", Kind: KindStorage}
	}
	msg := oe.Message
	if oe.Kind == KindStorage {
		msg = "internal storage failure"
	}
	return Result[any]{Message: msg, Errors: oe.Errors, Kind: oe.Kind}
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindEmptyQueue:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes data wrapped in a success envelope.
func Respond[T any](c echo.Context, status int, data T, message string) error {
	return c.JSON(status, OK(data, message))
}

// HTTPErrorHandler renders *Error and *echo.HTTPError values as envelopes.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   Result[any]
			he     *echo.HTTPError
			oe     *Error
		)
		switch {
		case errors.As(err, &oe):
			status = HTTPStatus(oe.Kind)
			body = Fail(oe)
		case errors.As(err, &he):
			status = he.Code
			body = Result[any]{Message: http.StatusText(he.Code)}
			if msg, ok := he.Message.(string); ok {
				body.Message = msg
			}
		default:
			status = http.StatusInternalServerError
			body = Fail(err)
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
