package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/lecca-io/connectd/internal/credentials"
)

// maxBodyBytes bounds setup request bodies.
const maxBodyBytes = 1 << 20

type createCredentialRequest struct {
	DefinitionID   string            `json:"definition_id"`
	InstanceID     string            `json:"instance_id,omitempty"`
	Values         map[string]string `json:"values"`
	SkipValidation bool              `json:"skip_validation,omitempty"`
}

func (h *Handlers) HandleListCredentials(c *echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant"))
	insts, err := h.Service.ListInstances(c.Request().Context(), tenantID)
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"credentials": insts})
}

func (h *Handlers) HandleGetCredential(c *echo.Context) error {
	info, err := h.Service.GetInstance(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handlers) HandleCreateCredential(c *echo.Context) error {
	var req createCredentialRequest
	if err := decodeJSON(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "bad_request", Message: err.Error()})
	}
	if strings.TrimSpace(req.DefinitionID) == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "bad_request", Message: "definition_id is required"})
	}

	info, err := h.Service.CreateInstance(c.Request().Context(), c.Param("tenant"), req.DefinitionID, req.Values, credentials.CreateOptions{
		InstanceID:           strings.TrimSpace(req.InstanceID),
		SkipRemoteValidation: req.SkipValidation,
	})
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleTestCredential re-checks a stored credential with the remote service.
func (h *Handlers) HandleTestCredential(c *echo.Context) error {
	info, err := h.Service.TestInstance(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDeleteCredential revokes the credential, or purges the record when
// purge=true.
func (h *Handlers) HandleDeleteCredential(c *echo.Context) error {
	ctx := c.Request().Context()
	tenantID, id := c.Param("tenant"), c.Param("id")

	purge, _ := strconv.ParseBool(c.QueryParam("purge"))
	var err error
	if purge {
		err = h.Service.DeleteInstance(ctx, tenantID, id)
	} else {
		err = h.Service.RevokeInstance(ctx, tenantID, id)
	}
	if err != nil {
		return h.RenderCredentialError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func decodeJSON(c *echo.Context, v any) error {
	req := c.Request()
	if req.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("request body is not valid JSON")
	}
	return nil
}
