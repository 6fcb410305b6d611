package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/lecca-io/connectd/internal/credentials"
)

type resolveRequest struct {
	// ObservedVersion, when set, reports that the downstream service
	// rejected that version of the credential.
	ObservedVersion *int64 `json:"observed_version,omitempty"`
}

type resolveResponse struct {
	TenantID     string            `json:"tenant_id"`
	InstanceID   string            `json:"instance_id"`
	DefinitionID string            `json:"definition_id"`
	Version      int64             `json:"version"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	Values       map[string]string `json:"values"`
}

// HandleResolveCredential returns the plaintext credential to an internal
// caller. Responses are marked uncacheable.
func (h *Handlers) HandleResolveCredential(c *echo.Context) error {
	var req resolveRequest
	if c.Request().ContentLength != 0 {
		if err := decodeJSON(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "bad_request", Message: err.Error()})
		}
	}

	ctx := c.Request().Context()
	tenantID, id := c.Param("tenant"), c.Param("id")
	resolver := h.Service.Resolver()

	var (
		res *credentials.Resolved
		err error
	)
	if req.ObservedVersion != nil {
		res, err = resolver.ReportAuthFailure(ctx, tenantID, id, *req.ObservedVersion)
	} else {
		res, err = resolver.Resolve(ctx, tenantID, id)
	}
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	defer res.Release()

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, resolveResponse{
		TenantID:     res.TenantID,
		InstanceID:   res.InstanceID,
		DefinitionID: res.DefinitionID,
		Version:      res.Version,
		ExpiresAt:    res.ExpiresAt,
		Values:       res.Map(),
	})
}
