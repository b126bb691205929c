package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListThreads(c echo.Context) error {
	threads, err := s.threads.ListThreads(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, threads)
}

func (s *Server) handleThreadNodes(c echo.Context) error {
	since := c.QueryParam("since_node_id")
	nodes, err := s.threads.GetThreadNodes(c.Request().Context(), c.Param("thread_id"), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, nodes)
}
