package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type createTreeRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleListTrees(c echo.Context) error {
	projectID := c.Param("project_id")
	trees, err := s.trees.ListTrees(c.Request().Context(), projectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trees)
}

func (s *Server) handleCreateTree(c echo.Context) error {
	projectID := c.Param("project_id")
	var req createTreeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tree, err := s.trees.CreateTree(c.Request().Context(), projectID, req.Label)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, tree)
}

func (s *Server) handleGetTree(c echo.Context) error {
	tree, err := s.trees.GetTree(c.Request().Context(), c.Param("tree_id"))
	if err != nil {
		return translateOracleErr(err)
	}
	return c.JSON(http.StatusOK, tree)
}

func (s *Server) handleDeleteTree(c echo.Context) error {
	if err := s.trees.DeleteTree(c.Request().Context(), c.Param("tree_id")); err != nil {
		return translateOracleErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetActiveTree(c echo.Context) error {
	if err := s.trees.SetActive(c.Request().Context(), c.Param("tree_id")); err != nil {
		return translateOracleErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCheckout(c echo.Context) error {
	if err := s.trees.Checkout(c.Request().Context(), c.Param("tree_id"), c.Param("node_id")); err != nil {
		return translateOracleErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePrune(c echo.Context) error {
	n, err := s.trees.Prune(c.Request().Context(), c.Param("tree_id"))
	if err != nil {
		return translateOracleErr(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"pruned": n})
}
