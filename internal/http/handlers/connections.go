package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

// HandleListConnections lists every registered connection definition.
func (h *Handlers) HandleListConnections(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"connections": h.Service.ListDefinitions(),
	})
}
