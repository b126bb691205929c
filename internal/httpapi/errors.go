package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	oerrors "github.com/oraclecore/oracle/internal/errors"
)

// translateOracleErr maps an internal/errors.Kind to an HTTP status,
// matching the teacher's existing Code->Category mapping style in
// internal/errors/format.go.
func translateOracleErr(err error) error {
	switch oerrors.GetKind(err) {
	case oerrors.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case oerrors.KindInvalidArgument:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case oerrors.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case oerrors.KindRateLimited:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case oerrors.KindCancelled:
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
