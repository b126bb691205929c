package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oraclecore/oracle/internal/oracle"
)

// queryRequest is the POST /v1/query body, mirroring spec §4.6.3's
// contract: {project_id, question, active_sources, context_id?}.
type queryRequest struct {
	ProjectID       string          `json:"project_id"`
	Question        string          `json:"question"`
	ActiveSources   []oracle.Source `json:"active_sources"`
	Model           string          `json:"model,omitempty"`
	ThinkingEnabled bool            `json:"thinking_enabled,omitempty"`
	ContextID       string          `json:"context_id,omitempty"`
}

// handleQuery streams an oracle.Query event stream as Server-Sent
// Events, one `event: <kind>` + `data: <json>` frame per Event.
func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed query request: "+err.Error())
	}
	if req.ProjectID == "" || req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id and question are required")
	}

	events, err := s.orch.Query(c.Request().Context(), req.ProjectID, req.Question, req.ActiveSources, req.Model, req.ThinkingEnabled, req.ContextID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error("failed to encode query event", "err", err)
			continue
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
			return nil // client disconnected
		}
		resp.Flush()
	}
	return nil
}
