// assets.go implements the admin handlers for listing, regenerating and
// triggering rebuilds of repository archives.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/repository"
	"github.com/live-assets/asset-repository/internal/updatelog"
)

// Repository is the subset of repository.Service used by the admin API.
type Repository interface {
	List(ctx context.Context) ([]repository.ListItem, error)
	RegenerateAll(ctx context.Context) (*repository.Report, error)
	History(ctx context.Context) ([]updatelog.Entry, error)
	Handle(ctx context.Context, ev repository.Event) (*repository.EventResult, error)
}

// AssetsHandler handles the admin asset endpoints
type AssetsHandler struct {
	repo Repository
}

// NewAssetsHandler creates a new assets handler
func NewAssetsHandler(repo Repository) *AssetsHandler {
	return &AssetsHandler{repo: repo}
}

// @Summary      List assets
// @Description  Lists every installed plugin and theme with its version and download URL. Missing archives are built on the way.
// @Tags         Assets
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "assets: [{kind, name, slug, version, url, zip_exists}]"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/assets [get]
// ListAssets returns the asset listing
func (h *AssetsHandler) ListAssets(c *gin.Context) {
	items, err := h.repo.List(c.Request.Context())
	if err != nil {
		slog.Error("failed to list assets", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list assets"})
		return
	}
	if items == nil {
		items = []repository.ListItem{}
	}
	c.JSON(http.StatusOK, gin.H{
		"assets": items,
		"total":  len(items),
	})
}

// @Summary      Regenerate all archives
// @Description  Rebuilds the archive of every installed plugin and theme. Per-item failures are reported in the result; the request itself always succeeds once the items have been enumerated.
// @Tags         Assets
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  repository.Report
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/regenerate [post]
// Regenerate rebuilds every archive
func (h *AssetsHandler) Regenerate(c *gin.Context) {
	report, err := h.repo.RegenerateAll(c.Request.Context())
	if err != nil {
		slog.Error("failed to regenerate archives", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enumerate assets"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// @Summary      Update log
// @Description  Returns every recorded version change, newest first.
// @Tags         Assets
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "entries: [...]"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/log [get]
// GetLog returns the update log
func (h *AssetsHandler) GetLog(c *gin.Context) {
	entries, err := h.repo.History(c.Request.Context())
	if err != nil {
		slog.Error("failed to read update log", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read update log"})
		return
	}
	if entries == nil {
		entries = []updatelog.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// @Summary      Submit lifecycle event
// @Description  Processes a lifecycle event (activated, deactivated, updated, plugin_activated, plugin_deactivated, update_complete) synchronously.
// @Tags         Assets
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        event  body      repository.Event  true  "Lifecycle event"
// @Success      200    {object}  repository.EventResult
// @Failure      400    {object}  map[string]interface{}  "Invalid event"
// @Failure      404    {object}  map[string]interface{}  "Unknown item"
// @Router       /api/v1/events [post]
// HandleEvent processes one lifecycle event
func (h *AssetsHandler) HandleEvent(c *gin.Context) {
	var ev repository.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	result, err := h.repo.Handle(c.Request.Context(), ev)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, repository.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrUnknownItem):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "result": result})
	default:
		slog.Error("failed to handle lifecycle event", "type", ev.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
	}
}
