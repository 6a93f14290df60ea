package httpapi

import (
	"net/http"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/labstack/echo/v4"
)

// errorBody is the JSON shape of every failure response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusOf(k common.Kind) int {
	switch k {
	case common.KindConflict:
		return http.StatusConflict
	case common.KindUnauthenticated, common.KindInvalidToken, common.KindExpired:
		return http.StatusUnauthorized
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageOf returns a stable text per kind. Only conflicts and invalid
// arguments carry the service's own wording, which names the offending
// field rather than any stored state.
func messageOf(k common.Kind, err error) string {
	switch k {
	case common.KindConflict, common.KindInvalidArgument:
		// "<sentinel>: <detail>"
		if _, detail, ok := strings.Cut(err.Error(), ": "); ok {
			return detail
		}
		return err.Error()
	case common.KindUnauthenticated:
		return "invalid credentials"
	case common.KindInvalidToken:
		return "invalid session"
	case common.KindExpired:
		return "session expired"
	case common.KindNotFound:
		return "not found"
	case common.KindReconciliationFailed:
		return "could not complete sign-in, please retry"
	default:
		return "internal error"
	}
}

func (s *Server) writeError(c echo.Context, err error) error {
	k := common.KindOf(err)
	if k == common.KindInternal || k == common.KindReconciliationFailed {
		s.logger.Error(c.Request().Context(), "request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(statusOf(k), errorBody{Error: k.String(), Message: messageOf(k, err)})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: common.KindInvalidArgument.String(), Message: msg})
}
