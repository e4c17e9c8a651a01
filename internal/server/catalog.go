package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/identity"
)

// CatalogHandler serves the identity and conversation catalogs read-only.
type CatalogHandler struct {
	identities    *identity.Service
	conversations *conversation.Service
}

func NewCatalogHandler(identities *identity.Service, conversations *conversation.Service) *CatalogHandler {
	return &CatalogHandler{identities: identities, conversations: conversations}
}

func (h *CatalogHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	group := e.Group("/users")
	group.GET("", h.ListUsers)
	group.GET("/:id", h.GetUser)
	group.GET("/:id/identities", h.ListIdentities)
	group.GET("/:id/conversations", h.ListConversations)
}

func (h *CatalogHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CatalogHandler) ListUsers(c echo.Context) error {
	items, err := h.identities.ListUsers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *CatalogHandler) GetUser(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	user, err := h.identities.GetUser(c.Request().Context(), id)
	if errors.Is(err, identity.ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, user)
}

func (h *CatalogHandler) ListIdentities(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	items, err := h.identities.ListIdentities(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *CatalogHandler) ListConversations(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	items, err := h.conversations.ListFor(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}
